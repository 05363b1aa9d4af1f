// Package correlate matches inbound replies to the open expectation they answer and
// applies the resulting state transition exactly once.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BTreeMap/CareNudge/internal/classify"
	"github.com/BTreeMap/CareNudge/internal/expectation"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/phone"
)

// Benign outcomes. Callers log them and must not retry.
var (
	ErrUnrecognizedSender   = errors.New("unrecognized sender")
	ErrNoPendingExpectation = errors.New("no pending expectation for sender")
)

// maxSettleAttempts bounds re-selection when a candidate is superseded between
// lookup and settlement.
const maxSettleAttempts = 3

// Outcome labels a correlation for metrics.
type Outcome string

const (
	OutcomeResolved     Outcome = "resolved"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeLate         Outcome = "late"
	OutcomeNoMatch      Outcome = "no_match"
	OutcomeUnrecognized Outcome = "unrecognized_sender"
	OutcomeRejected     Outcome = "rejected"
)

// Resolver applies a classified reply to the expectation's subject. It runs with
// the subject lock held.
type Resolver interface {
	Resolve(ctx context.Context, exp models.PendingExpectation, class models.ReplyClass, reply models.InboundReply) (models.StateChangeEvent, error)
}

// Publisher fans events out to observers without blocking.
type Publisher interface {
	Publish(ev models.StateChangeEvent)
}

// RetryCanceler stops the retry timer of an answered expectation.
type RetryCanceler interface {
	Cancel(id models.ExpectationID)
}

// Observer is notified of every correlation outcome.
type Observer interface {
	ObserveCorrelation(outcome Outcome)
}

// Result describes what a reply did.
type Result struct {
	Expectation    models.PendingExpectation
	Classification models.ReplyClass
	// Event is nil when the reply changed no state (Duplicate or Late).
	Event *models.StateChangeEvent
	// Duplicate is set when the expectation had already been answered.
	Duplicate bool
	// Late is set when the expectation had timed out. Only the expectation record
	// moves from expired to resolved; the profile stays failed or the task
	// occurrence stays missed, no SMSResponse is saved and no event is published.
	Late bool
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithRetryCanceler sets the retry scheduler notified after resolution.
func WithRetryCanceler(r RetryCanceler) Option {
	return func(e *Engine) {
		e.retries = r
	}
}

// WithObserver sets the correlation outcome observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// Engine correlates inbound replies.
type Engine struct {
	normalizer *phone.Normalizer
	store      *expectation.Store
	resolver   Resolver
	publisher  Publisher
	retries    RetryCanceler
	observer   Observer
}

// NewEngine creates an Engine.
func NewEngine(normalizer *phone.Normalizer, store *expectation.Store, resolver Resolver, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		normalizer: normalizer,
		store:      store,
		resolver:   resolver,
		publisher:  publisher,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Correlate matches reply to an open expectation, applies the transition and
// publishes the resulting event before returning.
func (e *Engine) Correlate(ctx context.Context, reply models.InboundReply) (Result, error) {
	sender, err := e.normalizer.Normalize(reply.From)
	if err != nil {
		e.observe(OutcomeUnrecognized)
		slog.Debug("Engine.Correlate: unrecognized sender", "from", reply.From, "error", err)
		return Result{}, fmt.Errorf("%w: %w", ErrUnrecognizedSender, err)
	}

	class := classify.Classify(reply.Body)
	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		candidates := e.store.FindOpenByPhone(sender.String())
		if len(candidates) == 0 {
			e.observe(OutcomeNoMatch)
			slog.Debug("Engine.Correlate: no pending expectation", "from", sender)
			return Result{Classification: class}, fmt.Errorf("%w: %s", ErrNoPendingExpectation, sender)
		}
		selected := Select(candidates)

		result, retry, err := e.settle(ctx, selected, class, reply)
		if err != nil {
			e.observe(OutcomeRejected)
			slog.Warn("Engine.Correlate: transition rejected", "expectationID", selected.ID, "subject", selected.SubjectKey().String(), "error", err)
			return Result{Expectation: selected, Classification: class}, err
		}
		if retry {
			slog.Debug("Engine.Correlate: candidate superseded, reselecting", "expectationID", selected.ID)
			continue
		}
		return result, nil
	}
	e.observe(OutcomeNoMatch)
	return Result{Classification: class}, fmt.Errorf("%w: %s (candidates kept changing)", ErrNoPendingExpectation, sender)
}

// settle resolves selected under its subject lock. retry is true when the candidate
// was superseded and a fresh lookup is needed.
func (e *Engine) settle(ctx context.Context, selected models.PendingExpectation, class models.ReplyClass, reply models.InboundReply) (Result, bool, error) {
	var event models.StateChangeEvent
	exp, settled, err := e.store.Settle(selected.ID, models.ExpectationResolved, models.CloseReasonAnswered, func(open models.PendingExpectation) error {
		ev, err := e.resolver.Resolve(ctx, open, class, reply)
		if err != nil {
			return err
		}
		e.publisher.Publish(ev)
		event = ev
		return nil
	})
	if err != nil {
		return Result{}, false, err
	}

	result := Result{Expectation: exp, Classification: class}
	switch {
	case settled:
		e.cancelRetry(exp.ID)
		e.observe(OutcomeResolved)
		result.Event = &event
		slog.Info("Engine.Correlate: reply resolved expectation", "expectationID", exp.ID, "subject", exp.SubjectKey().String(), "newState", event.NewState)
		return result, false, nil
	case exp.Status == models.ExpectationResolved:
		e.observe(OutcomeDuplicate)
		result.Duplicate = true
		slog.Debug("Engine.Correlate: expectation already resolved", "expectationID", exp.ID)
		return result, false, nil
	case exp.CloseReason == models.CloseReasonTimeout:
		if err := e.store.Resolve(exp.ID); err != nil {
			return Result{}, false, err
		}
		e.cancelRetry(exp.ID)
		e.observe(OutcomeLate)
		result.Late = true
		if current, err := e.store.Get(exp.ID); err == nil {
			result.Expectation = current
		}
		slog.Info("Engine.Correlate: late reply after expiry recorded", "expectationID", exp.ID, "subject", exp.SubjectKey().String())
		return result, false, nil
	default:
		return Result{}, true, nil
	}
}

func (e *Engine) cancelRetry(id models.ExpectationID) {
	if e.retries != nil {
		e.retries.Cancel(id)
	}
}

func (e *Engine) observe(o Outcome) {
	if e.observer != nil {
		e.observer.ObserveCorrelation(o)
	}
}

// Select picks the expectation a reply answers: profile confirmations come before
// task responses, and within a subject type the most recently issued wins.
func Select(candidates []models.PendingExpectation) models.PendingExpectation {
	sorted := make([]models.PendingExpectation, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if pa, pb := priority(a.SubjectType), priority(b.SubjectType); pa != pb {
			return pa < pb
		}
		if !a.IssuedAt.Equal(b.IssuedAt) {
			return a.IssuedAt.After(b.IssuedAt)
		}
		return a.Attempt > b.Attempt
	})
	return sorted[0]
}

func priority(t models.SubjectType) int {
	if t == models.SubjectProfileConfirmation {
		return 0
	}
	return 1
}
