package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CareNudge/internal/messaging"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/retry"
	"github.com/BTreeMap/CareNudge/internal/store"
	"github.com/BTreeMap/CareNudge/internal/testutil"
	"github.com/BTreeMap/CareNudge/internal/twiliosms"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServeRecoversAndCorrelatesWebhookReplies(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "carenudge.db")
	seed, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	testutil.SeedProfile(t, seed, "p1", testutil.RosePhone, models.ProfileStatusPending)
	seed.Close()

	sender := twiliosms.NewMockClient()
	cfg := newOpts([]Option{
		WithMessagingService(messaging.NewTwilioService(sender)),
		WithInboundWorkers(2),
		WithPolicy(models.SubjectProfileConfirmation, retry.Policy{Interval: time.Hour, MaxAttempts: 2}),
	})
	a, err := build(cfg, []store.Option{store.WithSQLiteDSN(dsn)}, nil, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.serve(ctx, ln) }()

	waitFor(t, "healthz", func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	if n := len(a.svc.OpenExpectations()); n != 1 {
		t.Fatalf("pending profile should be rearmed, %d open expectations", n)
	}
	if n := len(sender.Sent()); n != 0 {
		t.Errorf("rearm must not resend, sent %d", n)
	}

	form := url.Values{"MessageSid": {"SM100"}, "From": {testutil.RosePhone}, "Body": {"yes"}}
	resp, err := http.PostForm(base+"/webhooks/twilio", form)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	resp.Body.Close()
	testutil.AssertHTTPStatus(t, http.StatusOK, resp.StatusCode, "webhook")

	waitFor(t, "profile confirmed", func() bool {
		p, err := a.st.GetProfile("p1")
		return err == nil && p != nil && p.Status == models.ProfileStatusConfirmed
	})

	inbound := a.st.(store.InboundLog)
	waitFor(t, "inbound log outcome", func() bool {
		rec, err := inbound.GetInbound("SM100")
		return err == nil && rec != nil && rec.Outcome == messaging.ResultHandled
	})

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "carenudge_open_expectations") {
		t.Errorf("metrics missing open expectations gauge")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestPruneDropsOldInboundRecords(t *testing.T) {
	a, err := build(newOpts([]Option{WithMessagingService(messaging.NewTwilioService(twiliosms.NewMockClient()))}), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.close()

	now := time.Now()
	inbound := a.st.(store.InboundLog)
	old := models.InboundReply{MessageID: "SM-old", From: testutil.RosePhone, Body: "yes", Received: now.Add(-8 * 24 * time.Hour)}
	recent := models.InboundReply{MessageID: "SM-new", From: testutil.RosePhone, Body: "yes", Received: now.Add(-time.Hour)}
	for _, r := range []models.InboundReply{old, recent} {
		if _, err := inbound.RecordInbound(r); err != nil {
			t.Fatalf("RecordInbound: %v", err)
		}
	}

	a.prune(now)

	if rec, _ := inbound.GetInbound("SM-old"); rec != nil {
		t.Error("record older than the retention should be pruned")
	}
	if rec, _ := inbound.GetInbound("SM-new"); rec == nil {
		t.Error("recent record should be kept")
	}
}

func TestNewStoreSelection(t *testing.T) {
	st, err := newStore(nil)
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	if _, ok := st.(*store.InMemoryStore); !ok {
		t.Errorf("no DSN should give the in-memory store, got %T", st)
	}

	st, err = newStore([]store.Option{store.WithSQLiteDSN(filepath.Join(t.TempDir(), "x.db"))})
	if err != nil {
		t.Fatalf("newStore sqlite: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.SQLiteStore); !ok {
		t.Errorf("file DSN should give SQLite, got %T", st)
	}
}

func TestUnknownTransport(t *testing.T) {
	if _, err := newMessagingService(Opts{Transport: "pigeon"}, nil, nil); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestNewOptsDefaults(t *testing.T) {
	cfg := newOpts([]Option{WithAddr(":9090"), WithAcknowledgments(false)})
	if cfg.Addr != ":9090" || cfg.Acknowledgments {
		t.Errorf("options not applied: %+v", cfg)
	}
	if cfg.Transport != TransportTwilio || cfg.InboundWorkers != messaging.DefaultWorkers || cfg.PruneRetention != DefaultPruneRetention {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
