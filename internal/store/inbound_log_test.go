package store

import (
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CareNudge/internal/models"
)

func TestBindDollar(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"UPDATE t SET a = ? WHERE id = ?", "UPDATE t SET a = $1 WHERE id = $2"},
		{"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", "VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"},
	}
	for _, tt := range tests {
		if got := bindDollar(tt.in); got != tt.want {
			t.Errorf("bindDollar(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// exerciseInboundLog runs the same scenario against every InboundLog backend.
func exerciseInboundLog(t *testing.T, log InboundLog) {
	t.Helper()
	received := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	reply := models.InboundReply{
		MessageID: "SM001",
		From:      "+15551234567",
		Body:      "done",
		MediaURLs: []string{"https://api.twilio.com/media/ME1"},
		Received:  received,
	}

	if rec, err := log.GetInbound("SM001"); err != nil || rec != nil {
		t.Fatalf("unknown message: got %v, %v", rec, err)
	}

	pending, err := log.RecordInbound(reply)
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if !pending {
		t.Error("Expected first delivery to need correlation")
	}
	// Recorded but never processed, e.g. a crash mid-correlation.
	if pending, err = log.RecordInbound(reply); err != nil || !pending {
		t.Errorf("unprocessed redelivery = %v, %v; want true", pending, err)
	}

	if err := log.MarkProcessed("SM001", "handled", "exp_1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if pending, err = log.RecordInbound(reply); err != nil || pending {
		t.Errorf("handled redelivery = %v, %v; want false", pending, err)
	}

	failed := models.InboundReply{MessageID: "SM002", From: "+15551234567", Body: "yes", Received: received}
	if _, err := log.RecordInbound(failed); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if err := log.MarkProcessed("SM002", OutcomeRejected, ""); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if pending, err = log.RecordInbound(failed); err != nil || !pending {
		t.Errorf("rejected redelivery = %v, %v; want true", pending, err)
	}
	if err := log.MarkProcessed("SM002", "unmatched", ""); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if pending, _ = log.RecordInbound(failed); pending {
		t.Error("redelivery after a retried success must be a duplicate")
	}

	rec, err := log.GetInbound("SM001")
	if err != nil || rec == nil {
		t.Fatalf("GetInbound = %v, %v", rec, err)
	}
	if rec.Sender != "+15551234567" || !rec.HasMedia || !rec.ReceivedAt.Equal(received) {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Outcome != "handled" || rec.ExpectationID != "exp_1" || rec.ProcessedAt == nil {
		t.Errorf("unexpected processing fields: %+v", rec)
	}

	if _, err := log.RecordInbound(models.InboundReply{From: "+15551234567", Body: "hi"}); !errors.Is(err, ErrMissingMessageID) {
		t.Errorf("expected ErrMissingMessageID, got %v", err)
	}

	n, err := log.PruneInbound(received.Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneInbound failed: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	if rec, _ := log.GetInbound("SM001"); rec != nil {
		t.Error("pruned record still present")
	}
}

func TestSQLiteStore_InboundLog(t *testing.T) {
	exerciseInboundLog(t, newTestSQLiteStore(t))
}

func TestInMemoryStore_InboundLog(t *testing.T) {
	exerciseInboundLog(t, NewInMemoryStore())
}
