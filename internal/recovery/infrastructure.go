package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// Rearmer reopens the confirmation expectation of a pending profile.
type Rearmer interface {
	Rearm(profile models.Profile) (models.PendingExpectation, error)
}

// TaskSyncer schedules reminders for the given tasks.
type TaskSyncer interface {
	Sync(tasks []models.Task) int
}

// StaleRequeuer requeues outbox messages left in the sending state by a crash.
type StaleRequeuer interface {
	RecoverStaleMessages() error
}

// PendingProfiles rearms confirmation expectations for profiles still awaiting a reply.
type PendingProfiles struct {
	Rearmer Rearmer
}

func (PendingProfiles) Name() string { return "pending-profiles" }

// RecoverState rearms every pending profile. One bad profile does not stop the rest.
func (p PendingProfiles) RecoverState(_ context.Context, registry *Registry) error {
	profiles, err := registry.Store().ListProfiles("")
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	rearmed, failed := 0, 0
	for _, profile := range profiles {
		if profile.Status != models.ProfileStatusPending {
			continue
		}
		if _, err := p.Rearmer.Rearm(profile); err != nil {
			slog.Warn("PendingProfiles.RecoverState: rearm failed", "profileID", profile.ID, "error", err)
			failed++
			continue
		}
		rearmed++
	}
	slog.Info("PendingProfiles.RecoverState: confirmations rearmed", "rearmed", rearmed, "failed", failed)
	return nil
}

// ActiveTasks registers every active task with the reminder planner.
type ActiveTasks struct {
	Syncer TaskSyncer
}

func (ActiveTasks) Name() string { return "active-tasks" }

// RecoverState loads active tasks and schedules them.
func (a ActiveTasks) RecoverState(_ context.Context, registry *Registry) error {
	tasks, err := registry.Store().ListActiveTasks()
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}
	a.Syncer.Sync(tasks)
	return nil
}

// Outbox requeues acknowledgments interrupted mid-send.
type Outbox struct {
	Requeuer StaleRequeuer
}

func (Outbox) Name() string { return "outbox" }

// RecoverState requeues stale outbox messages.
func (o Outbox) RecoverState(_ context.Context, _ *Registry) error {
	return o.Requeuer.RecoverStaleMessages()
}
