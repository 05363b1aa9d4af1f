package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CareNudge/internal/clock"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/store"
	"github.com/BTreeMap/CareNudge/internal/util"
)

// ErrSubjectNotFound is returned when the profile or task behind an expectation is gone.
var ErrSubjectNotFound = errors.New("subject not found")

// DispatcherOption defines a configuration option for the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock sets the clock used to timestamp events.
func WithDispatcherClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// Dispatcher applies state machine transitions to persisted profiles and records
// the resulting responses. It is called with the subject lock held, so it must not
// call back into the expectation store.
type Dispatcher struct {
	store    store.Store
	clock    clock.Clock
	profiles ProfileMachine
	tasks    TaskMachine
}

// NewDispatcher creates a Dispatcher backed by st.
func NewDispatcher(st store.Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{store: st, clock: clock.Real()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve applies a correlated reply to the expectation's subject and returns the
// state change event, carrying the materialized response.
func (d *Dispatcher) Resolve(ctx context.Context, exp models.PendingExpectation, class models.ReplyClass, reply models.InboundReply) (models.StateChangeEvent, error) {
	switch exp.SubjectType {
	case models.SubjectProfileConfirmation:
		return d.resolveProfile(exp, class, reply)
	case models.SubjectTaskResponse:
		return d.resolveTask(exp, class, reply)
	default:
		return models.StateChangeEvent{}, fmt.Errorf("%w: unknown subject type %q", ErrInvalidTransition, exp.SubjectType)
	}
}

func (d *Dispatcher) resolveProfile(exp models.PendingExpectation, class models.ReplyClass, reply models.InboundReply) (models.StateChangeEvent, error) {
	profile, err := d.store.GetProfile(exp.SubjectID)
	if err != nil {
		return models.StateChangeEvent{}, fmt.Errorf("load profile %s: %w", exp.SubjectID, err)
	}
	if profile == nil {
		return models.StateChangeEvent{}, fmt.Errorf("%w: profile %s", ErrSubjectNotFound, exp.SubjectID)
	}

	next, err := d.profiles.OnReply(profile.Status, class)
	if err != nil {
		return models.StateChangeEvent{}, err
	}

	// The response is written last: a failed resolve leaves no gallery entry and the
	// profile in its prior status, so the reply can be correlated again.
	if err := d.store.UpdateProfileStatus(profile.ID, next); err != nil {
		return models.StateChangeEvent{}, fmt.Errorf("update profile %s: %w", profile.ID, err)
	}
	resp := d.response(exp, class, reply)
	if err := d.store.SaveResponse(*resp); err != nil {
		if rerr := d.store.UpdateProfileStatus(profile.ID, profile.Status); rerr != nil {
			slog.Error("Dispatcher.Resolve: profile status rollback failed", "profileID", profile.ID, "status", profile.Status, "error", rerr)
		}
		return models.StateChangeEvent{}, fmt.Errorf("save response: %w", err)
	}
	slog.Info("Dispatcher.Resolve: profile transitioned", "profileID", profile.ID, "from", profile.Status, "to", next, "classification", class)
	return d.Event(exp, models.SubjectState(next), string(class), resp), nil
}

func (d *Dispatcher) resolveTask(exp models.PendingExpectation, class models.ReplyClass, reply models.InboundReply) (models.StateChangeEvent, error) {
	next, err := d.tasks.OnReply(models.TaskStateAwaiting, reply)
	if err != nil {
		return models.StateChangeEvent{}, err
	}

	resp := d.response(exp, class, reply)
	resp.TaskID = exp.SubjectID
	if err := d.store.SaveResponse(*resp); err != nil {
		return models.StateChangeEvent{}, fmt.Errorf("save response: %w", err)
	}
	slog.Info("Dispatcher.Resolve: task occurrence completed", "taskID", exp.SubjectID, "profileID", exp.ProfileID, "occurrence", exp.OccurrenceAt, "has_photo", resp.PhotoRef != "")
	return d.Event(exp, next, string(class), resp), nil
}

// Terminate drives the subject to its terminal unanswered state: failed for a
// profile confirmation, missed for a task occurrence.
func (d *Dispatcher) Terminate(ctx context.Context, exp models.PendingExpectation, reason string) (models.StateChangeEvent, error) {
	switch exp.SubjectType {
	case models.SubjectProfileConfirmation:
		profile, err := d.store.GetProfile(exp.SubjectID)
		if err != nil {
			return models.StateChangeEvent{}, fmt.Errorf("load profile %s: %w", exp.SubjectID, err)
		}
		if profile == nil {
			return models.StateChangeEvent{}, fmt.Errorf("%w: profile %s", ErrSubjectNotFound, exp.SubjectID)
		}
		next, err := d.profiles.OnExhausted(profile.Status)
		if err != nil {
			return models.StateChangeEvent{}, err
		}
		if err := d.store.UpdateProfileStatus(profile.ID, next); err != nil {
			return models.StateChangeEvent{}, fmt.Errorf("update profile %s: %w", profile.ID, err)
		}
		slog.Info("Dispatcher.Terminate: profile confirmation failed", "profileID", profile.ID, "reason", reason)
		return d.Event(exp, models.SubjectState(next), reason, nil), nil
	case models.SubjectTaskResponse:
		next, err := d.tasks.OnExpired(models.TaskStateAwaiting)
		if err != nil {
			return models.StateChangeEvent{}, err
		}
		slog.Info("Dispatcher.Terminate: task occurrence missed", "taskID", exp.SubjectID, "occurrence", exp.OccurrenceAt, "reason", reason)
		return d.Event(exp, next, reason, nil), nil
	default:
		return models.StateChangeEvent{}, fmt.Errorf("%w: unknown subject type %q", ErrInvalidTransition, exp.SubjectType)
	}
}

// Restart returns a profile to pending and persists it.
func (d *Dispatcher) Restart(profile *models.Profile) error {
	next := d.profiles.Restart(profile.Status)
	if err := d.store.UpdateProfileStatus(profile.ID, next); err != nil {
		return fmt.Errorf("restart profile %s: %w", profile.ID, err)
	}
	profile.Status = next
	return nil
}

// Event builds a StateChangeEvent for the expectation's subject.
func (d *Dispatcher) Event(exp models.PendingExpectation, state models.SubjectState, reason string, resp *models.SMSResponse) models.StateChangeEvent {
	return models.StateChangeEvent{
		ID:            util.NewEventID(),
		SubjectType:   exp.SubjectType,
		SubjectID:     exp.SubjectID,
		ProfileID:     exp.ProfileID,
		ExpectationID: exp.ID,
		NewState:      state,
		Terminal:      IsTerminalState(state),
		Reason:        reason,
		Timestamp:     d.clock.Now(),
		Response:      resp,
	}
}

func (d *Dispatcher) response(exp models.PendingExpectation, class models.ReplyClass, reply models.InboundReply) *models.SMSResponse {
	received := reply.Received
	if received.IsZero() {
		received = d.clock.Now()
	}
	resp := &models.SMSResponse{
		ID:             util.NewResponseID(),
		ProfileID:      exp.ProfileID,
		ExpectationID:  exp.ID,
		TextContent:    reply.Body,
		Classification: class,
		ReceivedAt:     received,
	}
	if len(reply.MediaURLs) > 0 {
		resp.PhotoRef = reply.MediaURLs[0]
	}
	return resp
}

// IsTerminalState reports whether no reply-driven transition leaves state.
func IsTerminalState(state models.SubjectState) bool {
	switch state {
	case models.SubjectState(models.ProfileStatusConfirmed),
		models.SubjectState(models.ProfileStatusDeclined),
		models.SubjectState(models.ProfileStatusFailed),
		models.TaskStateCompleted,
		models.TaskStateMissed:
		return true
	}
	return false
}
