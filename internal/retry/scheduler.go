// Package retry re-sends unanswered requests on a fixed interval and drives the
// subject to its terminal unanswered state once attempts run out.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CareNudge/internal/clock"
	"github.com/BTreeMap/CareNudge/internal/expectation"
	"github.com/BTreeMap/CareNudge/internal/models"
)

// ErrMaxRetriesExceeded is the reason carried by terminal events of unanswered subjects.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Default policy values.
const (
	DefaultConfirmationInterval = 24 * time.Hour
	DefaultReminderInterval     = 2 * time.Hour
	DefaultMaxAttempts          = 3
)

// Policy controls retries for one subject type. MaxAttempts counts every send,
// including the first.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Resender re-sends the request an expectation tracks and returns the transport
// message reference.
type Resender interface {
	Resend(ctx context.Context, exp models.PendingExpectation) (string, error)
}

// Terminator drives a subject to its terminal unanswered state. It runs with the
// subject lock held.
type Terminator interface {
	Terminate(ctx context.Context, exp models.PendingExpectation, reason string) (models.StateChangeEvent, error)
}

// Publisher fans events out without blocking.
type Publisher interface {
	Publish(ev models.StateChangeEvent)
}

// Observer is notified of resends and exhausted subjects.
type Observer interface {
	ObserveResend(subjectType models.SubjectType)
	ObserveExhausted(subjectType models.SubjectType)
}

// Option defines a configuration option for the Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving retry timers.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithPolicy overrides the policy for one subject type.
func WithPolicy(subjectType models.SubjectType, p Policy) Option {
	return func(s *Scheduler) {
		s.policies[subjectType] = p
	}
}

// WithObserver sets the retry observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// Scheduler owns one timer per open expectation.
type Scheduler struct {
	store      *expectation.Store
	resender   Resender
	terminator Terminator
	publisher  Publisher
	observer   Observer
	clock      clock.Clock
	policies   map[models.SubjectType]Policy

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[models.ExpectationID]clock.Timer
	stopped bool
}

// NewScheduler creates a Scheduler. Call Stop to release its timers.
func NewScheduler(store *expectation.Store, resender Resender, terminator Terminator, publisher Publisher, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:      store,
		resender:   resender,
		terminator: terminator,
		publisher:  publisher,
		clock:      clock.Real(),
		policies: map[models.SubjectType]Policy{
			models.SubjectProfileConfirmation: {Interval: DefaultConfirmationInterval, MaxAttempts: DefaultMaxAttempts},
			models.SubjectTaskResponse:        {Interval: DefaultReminderInterval, MaxAttempts: DefaultMaxAttempts},
		},
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[models.ExpectationID]clock.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy applied to subjectType.
func (s *Scheduler) Policy(subjectType models.SubjectType) Policy {
	p, ok := s.policies[subjectType]
	if !ok || p.Interval <= 0 {
		p.Interval = DefaultReminderInterval
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// Schedule arms the retry timer of exp using its subject type's interval.
func (s *Scheduler) Schedule(exp models.PendingExpectation) {
	s.ScheduleRetry(exp.ID, s.Policy(exp.SubjectType).Interval)
}

// ScheduleRetry arms a timer that fires after the given delay. An existing timer for
// the same expectation is replaced.
func (s *Scheduler) ScheduleRetry(id models.ExpectationID, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		slog.Debug("Scheduler.ScheduleRetry: scheduler stopped, ignoring", "expectationID", id)
		return
	}
	if existing, ok := s.timers[id]; ok {
		existing.Stop()
	}
	var timer clock.Timer
	timer = s.clock.AfterFunc(after, func() {
		s.mu.Lock()
		if s.timers[id] == timer {
			delete(s.timers, id)
		}
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		s.fire(id)
	})
	s.timers[id] = timer
	slog.Debug("Scheduler.ScheduleRetry: retry armed", "expectationID", id, "after", after)
}

// Cancel stops the timer of id, if any.
func (s *Scheduler) Cancel(id models.ExpectationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		slog.Debug("Scheduler.Cancel: retry canceled", "expectationID", id)
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer. Later ScheduleRetry calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.cancel()
	slog.Info("Scheduler.Stop: retry scheduler stopped")
}

func (s *Scheduler) fire(id models.ExpectationID) {
	exp, err := s.store.Get(id)
	if err != nil {
		slog.Debug("Scheduler.fire: expectation gone", "expectationID", id, "error", err)
		return
	}
	if !exp.IsOpen() {
		slog.Debug("Scheduler.fire: expectation already closed", "expectationID", id, "status", exp.Status)
		return
	}

	policy := s.Policy(exp.SubjectType)
	if exp.Attempt >= policy.MaxAttempts {
		s.exhaust(exp)
		return
	}

	next, err := s.store.Reissue(id, policy.Interval)
	if err != nil {
		// Answered or canceled after the timer fired.
		slog.Debug("Scheduler.fire: reissue skipped", "expectationID", id, "error", err)
		return
	}
	if s.observer != nil {
		s.observer.ObserveResend(next.SubjectType)
	}
	ref, err := s.resender.Resend(s.ctx, next)
	if err != nil {
		slog.Error("Scheduler.fire: resend failed", "expectationID", next.ID, "attempt", next.Attempt, "error", err)
	} else if ref != "" {
		if err := s.store.SetMessageRef(next.ID, ref); err != nil {
			slog.Warn("Scheduler.fire: failed to record message ref", "expectationID", next.ID, "error", err)
		}
	}
	slog.Info("Scheduler.fire: request re-sent", "expectationID", next.ID, "subject", next.SubjectKey().String(), "attempt", next.Attempt, "maxAttempts", policy.MaxAttempts)
	s.ScheduleRetry(next.ID, policy.Interval)
}

// exhaust settles exp as timed out and publishes the subject's terminal event.
func (s *Scheduler) exhaust(exp models.PendingExpectation) {
	reason := ErrMaxRetriesExceeded.Error()
	var event models.StateChangeEvent
	_, settled, err := s.store.Settle(exp.ID, models.ExpectationExpired, models.CloseReasonTimeout, func(open models.PendingExpectation) error {
		ev, err := s.terminator.Terminate(s.ctx, open, reason)
		if err != nil {
			return err
		}
		s.publisher.Publish(ev)
		event = ev
		return nil
	})
	if err != nil {
		slog.Warn("Scheduler.exhaust: terminal transition failed, expiring expectation only", "expectationID", exp.ID, "error", err)
		if err := s.store.Expire(exp.ID); err != nil {
			slog.Error("Scheduler.exhaust: expire failed", "expectationID", exp.ID, "error", err)
		}
		return
	}
	if !settled {
		slog.Debug("Scheduler.exhaust: expectation settled elsewhere", "expectationID", exp.ID)
		return
	}
	if s.observer != nil {
		s.observer.ObserveExhausted(exp.SubjectType)
	}
	slog.Info("Scheduler.exhaust: retries exhausted", "expectationID", exp.ID, "subject", exp.SubjectKey().String(), "newState", event.NewState)
}
