// Package scheduler turns task schedules into reminder occurrences.
//
// Every active task is registered as a cron entry in its own time zone; each firing
// requests the reminder for that occurrence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// ErrInvalidSchedule is returned for schedules that do not produce a cron spec.
var ErrInvalidSchedule = errors.New("invalid task schedule")

// parser accepts the standard 5-field format with an optional CRON_TZ prefix, and
// descriptors such as @hourly for maintenance jobs.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Reminder requests the reminder for one occurrence of a task.
type Reminder interface {
	RequestTaskReminder(ctx context.Context, taskID string, occurrence time.Time) (models.PendingExpectation, error)
}

// Planner owns one cron entry per active task plus any maintenance jobs.
type Planner struct {
	cron     *cron.Cron
	reminder Reminder
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewPlanner creates a Planner. Call Start to begin firing.
func NewPlanner(reminder Reminder) *Planner {
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Planner{
		cron:     c,
		reminder: reminder,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]cron.EntryID),
	}
}

// CronSpec renders a schedule as a cron spec pinned to its time zone.
func CronSpec(s models.Schedule) (string, error) {
	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	expr := s.ToCronString()
	if expr == "" {
		return "", ErrInvalidSchedule
	}
	return "CRON_TZ=" + s.Location().String() + " " + expr, nil
}

// NextOccurrence returns the first occurrence of s strictly after from.
func NextOccurrence(s models.Schedule, from time.Time) (time.Time, error) {
	spec, err := CronSpec(s)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return sched.Next(from), nil
}

// Register (re)schedules task. Inactive tasks are only unregistered.
func (p *Planner) Register(task models.Task) error {
	p.Unregister(task.ID)
	if task.Status != models.TaskStatusActive {
		slog.Debug("Planner.Register: task not active, not scheduling", "taskID", task.ID, "status", task.Status)
		return nil
	}
	spec, err := CronSpec(task.Schedule)
	if err != nil {
		return err
	}

	taskID := task.ID
	id, err := p.cron.AddFunc(spec, func() { p.fire(taskID) })
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	p.mu.Lock()
	p.entries[taskID] = id
	p.mu.Unlock()
	slog.Info("Planner.Register: task scheduled", "taskID", taskID, "spec", spec)
	return nil
}

// Unregister removes the task's cron entry, if any.
func (p *Planner) Unregister(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.entries[taskID]; ok {
		p.cron.Remove(id)
		delete(p.entries, taskID)
		slog.Debug("Planner.Unregister: task unscheduled", "taskID", taskID)
	}
}

// Sync registers every task in tasks, logging the ones that fail.
func (p *Planner) Sync(tasks []models.Task) int {
	registered := 0
	for _, task := range tasks {
		if err := p.Register(task); err != nil {
			slog.Error("Planner.Sync: failed to schedule task", "taskID", task.ID, "error", err)
			continue
		}
		if task.Status == models.TaskStatusActive {
			registered++
		}
	}
	slog.Info("Planner.Sync: tasks scheduled", "count", registered)
	return registered
}

// AddMaintenance schedules a housekeeping job such as expectation pruning.
func (p *Planner) AddMaintenance(spec string, job func()) error {
	if _, err := p.cron.AddFunc(spec, job); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return nil
}

// Len returns the number of scheduled tasks.
func (p *Planner) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Start begins firing scheduled entries.
func (p *Planner) Start() {
	p.cron.Start()
	slog.Info("Planner started", "tasks", p.Len())
}

// Stop stops the cron loop and waits for running jobs to finish.
func (p *Planner) Stop() {
	p.cancel()
	<-p.cron.Stop().Done()
	slog.Info("Planner stopped")
}

func (p *Planner) fire(taskID string) {
	occurrence := time.Now().Truncate(time.Minute)
	exp, err := p.reminder.RequestTaskReminder(p.ctx, taskID, occurrence)
	if err != nil {
		slog.Warn("Planner.fire: reminder not sent", "taskID", taskID, "occurrence", occurrence, "error", err)
		return
	}
	slog.Debug("Planner.fire: reminder sent", "taskID", taskID, "expectationID", exp.ID)
}
