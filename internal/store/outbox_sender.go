package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc is the callback that performs the actual message send.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Defaults for OutboxSender.
const (
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxMaxAttempts    = 5

	outboxBaseBackoff = 10 * time.Second
	outboxMaxBackoff  = 10 * time.Minute
)

// OutboxSenderOpts holds configuration options for the OutboxSender.
type OutboxSenderOpts struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
	MaxAttempts    int
}

// OutboxSenderOption defines a configuration option for the OutboxSender.
type OutboxSenderOption func(*OutboxSenderOpts)

// WithOutboxPollInterval sets how often due messages are claimed.
func WithOutboxPollInterval(d time.Duration) OutboxSenderOption {
	return func(o *OutboxSenderOpts) {
		o.PollInterval = d
	}
}

// WithOutboxClaimLimit sets how many messages one poll claims.
func WithOutboxClaimLimit(n int) OutboxSenderOption {
	return func(o *OutboxSenderOpts) {
		o.ClaimLimit = n
	}
}

// WithOutboxMaxAttempts sets how many sends are tried before a message is abandoned.
func WithOutboxMaxAttempts(n int) OutboxSenderOption {
	return func(o *OutboxSenderOpts) {
		o.MaxAttempts = n
	}
}

// OutboxSender delivers queued acknowledgments. Failed sends back off exponentially
// and are abandoned after MaxAttempts.
type OutboxSender struct {
	repo     OutboxRepo
	sendFunc OutboxSendFunc
	cfg      OutboxSenderOpts
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, opts ...OutboxSenderOption) *OutboxSender {
	cfg := OutboxSenderOpts{
		PollInterval:   DefaultOutboxPollInterval,
		StaleThreshold: DefaultOutboxStaleThreshold,
		ClaimLimit:     DefaultOutboxClaimLimit,
		MaxAttempts:    DefaultOutboxMaxAttempts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOutboxPollInterval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultOutboxMaxAttempts
	}
	if cfg.ClaimLimit < 1 {
		cfg.ClaimLimit = DefaultOutboxClaimLimit
	}
	return &OutboxSender{repo: repo, sendFunc: sendFunc, cfg: cfg}
}

// RecoverStaleMessages requeues messages left in sending by a crash. It runs once
// at startup, before Run.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.cfg.StaleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is canceled. Messages queued before startup go out on the
// first poll.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.cfg.PollInterval)
	s.Poll(ctx, time.Now())

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx, time.Now())
		}
	}
}

// Poll claims and sends every message due at now. It returns the number sent.
func (s *OutboxSender) Poll(ctx context.Context, now time.Time) int {
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.cfg.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.Poll: sending message", "id", msg.ID, "profileID", msg.ProfileID, "kind", msg.Kind, "expectationID", msg.ExpectationID)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.Poll: send failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
			if msg.Attempts+1 >= s.cfg.MaxAttempts {
				if err := s.repo.AbandonOutboxMessage(msg.ID, err.Error()); err != nil {
					slog.Error("OutboxSender.Poll: abandon message error", "id", msg.ID, "error", err)
				}
				continue
			}
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), now.Add(outboxBackoff(msg.Attempts))); err != nil {
				slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
		}
		sent++
		slog.Debug("OutboxSender.Poll: message sent", "id", msg.ID, "profileID", msg.ProfileID)
	}
	return sent
}

// outboxBackoff doubles from 10s per failed attempt, capped at 10m.
func outboxBackoff(attempts int) time.Duration {
	if attempts > 6 {
		return outboxMaxBackoff
	}
	d := outboxBaseBackoff << attempts
	if d > outboxMaxBackoff {
		return outboxMaxBackoff
	}
	return d
}
