package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CareNudge/internal/broadcast"
	"github.com/BTreeMap/CareNudge/internal/confirmation"
	"github.com/BTreeMap/CareNudge/internal/flow"
	"github.com/BTreeMap/CareNudge/internal/genai"
	"github.com/BTreeMap/CareNudge/internal/lockfile"
	"github.com/BTreeMap/CareNudge/internal/messaging"
	"github.com/BTreeMap/CareNudge/internal/metrics"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/phone"
	"github.com/BTreeMap/CareNudge/internal/recovery"
	"github.com/BTreeMap/CareNudge/internal/retry"
	"github.com/BTreeMap/CareNudge/internal/scheduler"
	"github.com/BTreeMap/CareNudge/internal/store"
	"github.com/BTreeMap/CareNudge/internal/twiliosms"
	"github.com/BTreeMap/CareNudge/internal/whatsapp"
)

// Transport names accepted by WithTransport.
const (
	TransportTwilio   = "twilio"
	TransportWhatsApp = "whatsapp"
)

// Run defaults.
const (
	DefaultAddr           = ":8080"
	DefaultPruneRetention = 7 * 24 * time.Hour
	DefaultShutdownGrace  = 10 * time.Second
	pruneSpec             = "@hourly"
)

// Opts holds configuration options for Run.
type Opts struct {
	Addr            string
	StateDir        string
	Transport       string
	WebhookURL      string
	CountryCode     string
	Policies        map[models.SubjectType]retry.Policy
	InboundWorkers  int
	Acknowledgments bool
	PruneRetention  time.Duration

	// Messaging overrides the transport built from Transport.
	Messaging messaging.Service
}

// Option defines a configuration option for Run.
type Option func(*Opts)

// WithAddr sets the API listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithStateDir sets the directory guarded by the single-instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// WithTransport selects the SMS transport: twilio or whatsapp.
func WithTransport(name string) Option {
	return func(o *Opts) {
		o.Transport = name
	}
}

// WithWebhookURL sets the public Twilio webhook URL, enabling signature validation.
func WithWebhookURL(url string) Option {
	return func(o *Opts) {
		o.WebhookURL = url
	}
}

// WithCountryCode sets the default country code for phone normalization.
func WithCountryCode(cc string) Option {
	return func(o *Opts) {
		o.CountryCode = cc
	}
}

// WithPolicy sets the retry policy for one subject type.
func WithPolicy(subjectType models.SubjectType, p retry.Policy) Option {
	return func(o *Opts) {
		if o.Policies == nil {
			o.Policies = make(map[models.SubjectType]retry.Policy)
		}
		o.Policies[subjectType] = p
	}
}

// WithInboundWorkers sets the number of inbound reply workers.
func WithInboundWorkers(n int) Option {
	return func(o *Opts) {
		o.InboundWorkers = n
	}
}

// WithAcknowledgments enables or disables acknowledgment replies.
func WithAcknowledgments(enabled bool) Option {
	return func(o *Opts) {
		o.Acknowledgments = enabled
	}
}

// WithPruneRetention sets how long closed expectations are kept.
func WithPruneRetention(d time.Duration) Option {
	return func(o *Opts) {
		o.PruneRetention = d
	}
}

// WithMessagingService injects a ready messaging service instead of building one.
func WithMessagingService(svc messaging.Service) Option {
	return func(o *Opts) {
		o.Messaging = svc
	}
}

// Run builds every module, recovers state and serves until ctx is canceled.
func Run(ctx context.Context, storeOpts []store.Option, twilioOpts []twiliosms.Option, waOpts []whatsapp.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := newOpts(apiOpts)

	if cfg.StateDir != "" {
		lock, err := lockfile.Acquire(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	app, err := build(cfg, storeOpts, twilioOpts, waOpts, genaiOpts)
	if err != nil {
		return err
	}
	defer app.close()

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return app.serve(ctx, listener)
}

func newOpts(opts []Option) Opts {
	cfg := Opts{
		Addr:            DefaultAddr,
		Transport:       TransportTwilio,
		Policies:        make(map[models.SubjectType]retry.Policy),
		InboundWorkers:  messaging.DefaultWorkers,
		Acknowledgments: true,
		PruneRetention:  DefaultPruneRetention,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// app is the wired process.
type app struct {
	cfg      Opts
	st       store.Store
	msg      messaging.Service
	svc      *confirmation.Service
	handler  *messaging.ResponseHandler
	planner  *scheduler.Planner
	outbox   *store.OutboxSender
	recovery *recovery.Manager
	server   *Server
	registry *prometheus.Registry
}

func build(cfg Opts, storeOpts []store.Option, twilioOpts []twiliosms.Option, waOpts []whatsapp.Option, genaiOpts []genai.Option) (*app, error) {
	st, err := newStore(storeOpts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, st: st}

	var webhook http.HandlerFunc
	a.msg = cfg.Messaging
	if a.msg == nil {
		a.msg, err = newMessagingService(cfg, twilioOpts, waOpts)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	if tw, ok := a.msg.(*messaging.TwilioService); ok {
		webhook = tw.WebhookHandler
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(a.registry, func() float64 {
		if a.svc == nil {
			return 0
		}
		return float64(len(a.svc.OpenExpectations()))
	})

	svcOpts := []confirmation.Option{
		confirmation.WithNormalizer(phone.NewNormalizer(phone.WithCountryCode(cfg.CountryCode))),
		confirmation.WithBroadcaster(broadcast.New(broadcast.WithOnDrop(m.ObserveEventDrop))),
		confirmation.WithObserver(m),
		confirmation.WithAcknowledgments(cfg.Acknowledgments),
	}
	for subjectType, p := range cfg.Policies {
		svcOpts = append(svcOpts, confirmation.WithPolicy(subjectType, p))
	}
	if len(genaiOpts) > 0 {
		client, err := genai.NewClient(genaiOpts...)
		if err != nil {
			slog.Warn("api.build: GenAI disabled, using static reminders", "error", err)
		} else {
			svcOpts = append(svcOpts, confirmation.WithGenerator(&flow.GenAIGenerator{Client: client}))
		}
	}
	a.svc = confirmation.NewService(st, a.msg, svcOpts...)

	handlerOpts := []messaging.ResponseHandlerOption{
		messaging.WithWorkers(cfg.InboundWorkers),
		messaging.WithResultObserver(m.ObserveInbound),
		messaging.WithNormalizer(a.svc.Normalizer()),
	}
	if inbound, ok := st.(store.InboundLog); ok {
		handlerOpts = append(handlerOpts, messaging.WithInboundLog(inbound))
	}
	a.handler, err = messaging.NewResponseHandler(a.msg, a.svc, handlerOpts...)
	if err != nil {
		a.close()
		return nil, err
	}

	if outbox := a.svc.Outbox(); outbox != nil {
		a.outbox = store.NewOutboxSender(outbox, a.svc.DeliverOutbox)
	}

	a.planner = scheduler.NewPlanner(a.svc)
	if err := a.planner.AddMaintenance(pruneSpec, func() { a.prune(time.Now()) }); err != nil {
		a.close()
		return nil, err
	}

	a.recovery = recovery.NewManager(st)
	a.recovery.Register(recovery.PendingProfiles{Rearmer: a.svc}, recovery.ActiveTasks{Syncer: a.planner})
	if a.outbox != nil {
		a.recovery.Register(recovery.Outbox{Requeuer: a.outbox})
	}

	serverOpts := []ServerOption{
		WithPlanner(a.planner),
		WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})),
	}
	if webhook != nil {
		serverOpts = append(serverOpts, WithTwilioWebhook(webhook))
	}
	a.server = NewServer(a.svc, st, serverOpts...)
	return a, nil
}

// serve recovers state, then runs the transport, workers, planner and HTTP server
// until ctx is canceled or one of them fails.
func (a *app) serve(ctx context.Context, listener net.Listener) error {
	if err := a.recovery.RecoverAll(ctx); err != nil {
		// Partial recovery still leaves a working process.
		slog.Error("api.serve: recovery incomplete", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.msg.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	a.handler.Start(ctx)
	a.planner.Start()

	if a.outbox != nil {
		g.Go(func() error {
			a.outbox.Run(ctx)
			return nil
		})
	}

	httpServer := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("api.serve: CareNudge API listening", "addr", listener.Addr().String(), "transport", a.cfg.Transport)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("api.serve: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownGrace)
		defer cancel()
		// Closing subscriptions first ends websocket handlers, which Shutdown would wait on.
		a.svc.Broadcaster().Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api.serve: HTTP shutdown incomplete", "error", err)
		}
		a.planner.Stop()
		if err := a.msg.Stop(); err != nil {
			slog.Warn("api.serve: messaging stop failed", "error", err)
		}
		a.handler.Wait()
		return nil
	})
	return g.Wait()
}

// prune drops closed expectations and inbound log records older than the retention.
func (a *app) prune(now time.Time) {
	cutoff := now.Add(-a.cfg.PruneRetention)
	if n := a.svc.Prune(cutoff); n > 0 {
		slog.Debug("api.prune: pruned closed expectations", "count", n)
	}
	inbound, ok := a.st.(store.InboundLog)
	if !ok {
		return
	}
	n, err := inbound.PruneInbound(cutoff)
	if err != nil {
		slog.Warn("api.prune: inbound log prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("api.prune: pruned inbound log", "count", n)
	}
}

func (a *app) close() {
	if a.svc != nil {
		a.svc.Stop()
	}
	if err := a.st.Close(); err != nil {
		slog.Warn("api.close: store close failed", "error", err)
	}
}

// newStore picks the backend from the DSN: none is in-memory, a PostgreSQL URL or
// keyword DSN is Postgres and anything else is an SQLite file.
func newStore(opts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Warn("api.newStore: no database configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(cfg.DSN) == store.DriverPostgres:
		return store.NewPostgresStore(opts...)
	default:
		return store.NewSQLiteStore(opts...)
	}
}

func newMessagingService(cfg Opts, twilioOpts []twiliosms.Option, waOpts []whatsapp.Option) (messaging.Service, error) {
	switch cfg.Transport {
	case TransportTwilio:
		client, err := twiliosms.NewClient(twilioOpts...)
		if err != nil {
			return nil, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.WebhookURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(client.AuthToken(), cfg.WebhookURL))
		}
		return messaging.NewTwilioService(client, opts...), nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want %s or %s)", cfg.Transport, TransportTwilio, TransportWhatsApp)
	}
}
