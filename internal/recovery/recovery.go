// Package recovery restores in-memory coordination state when CareNudge restarts.
//
// Pending expectations and task schedules live in memory; the durable store holds
// enough to rebuild them. Components register a Recoverable and the Manager runs
// each one at startup.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CareNudge/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *Registry) error
	// Name identifies the component in logs
	Name() string
}

// Registry provides services that components can use during recovery
type Registry struct {
	store store.Store
}

// NewRegistry creates a new recovery registry
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// Store provides access to the store for recovery operations
func (r *Registry) Store() store.Store {
	return r.store
}

// Manager orchestrates recovery of all registered components
type Manager struct {
	registry     *Registry
	recoverables []Recoverable
}

// NewManager creates a new recovery manager
func NewManager(st store.Store) *Manager {
	return &Manager{registry: NewRegistry(st)}
}

// Register adds components that can be recovered, run in registration order
func (m *Manager) Register(r ...Recoverable) {
	m.recoverables = append(m.recoverables, r...)
}

// RecoverAll runs every registered component, continuing past failures.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	var errs []error
	for _, r := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.RecoverState(ctx, m.registry); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			continue
		}
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", len(m.recoverables)-len(errs), "errors", len(errs))
	return errors.Join(errs...)
}
