// Package workorder owns the lifecycle state machine for every asynchronous
// job. The Manager is the only component in the system with mutable shared
// state: a concurrency-safe map of active orders backed by the persistence
// store for durability. No other component writes a work order.
package workorder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/storage"
)

// Store is the persistence surface the Manager requires. Implemented by
// *storage.DB; tests substitute an in-memory store. Guarded transition
// methods return storage.ErrStaleTransition when the status guard matches
// no row, and lookups return errors satisfying storage.ErrNotFound.
type Store interface {
	CreateWorkOrder(ctx context.Context, wo model.WorkOrder) error
	GetWorkOrder(ctx context.Context, id uuid.UUID) (model.WorkOrder, error)
	StartWorkOrder(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	UpdateWorkOrderProgress(ctx context.Context, id uuid.UUID, p model.Progress, message string) error
	CompleteWorkOrder(ctx context.Context, id uuid.UUID, result json.RawMessage, completedAt time.Time) error
	FailWorkOrder(ctx context.Context, id uuid.UUID, woErr model.WorkOrderError, completedAt time.Time) error
	CancelWorkOrder(ctx context.Context, id uuid.UUID, completedAt time.Time) error
	ListActiveWorkOrders(ctx context.Context) ([]model.WorkOrder, error)
	ListWorkOrderHistory(ctx context.Context, filter model.HistoryFilter) ([]model.WorkOrder, error)
	PurgeWorkOrdersBefore(ctx context.Context, cutoff time.Time) (int64, error)
	FailInterruptedWorkOrders(ctx context.Context) (int64, error)
}

// Event is published to the optional subscriber after each successful
// transition or progress update. Progress state remains the single source
// of truth; events are a presentation convenience for push transports.
type Event struct {
	ID       uuid.UUID             `json:"id"`
	Status   model.WorkOrderStatus `json:"status"`
	Progress *model.Progress       `json:"progress,omitempty"`
	Message  string                `json:"message,omitempty"`
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// entry tracks in-memory state for one active order: the per-id transition
// lock and the cancellation hook into its running job.
type entry struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	progress model.Progress
}

// Manager owns all work-order state transitions.
//
// Every public method is safe to call concurrently for different ids;
// calls for the same id are serialized by a per-id lock, so cancel and
// complete can never race into an inconsistent terminal state. The
// persisted status guard is authoritative: once a terminal transition is
// written, any later-arriving transition for that id is rejected.
type Manager struct {
	store     Store
	logger    *slog.Logger
	publisher Publisher

	mu     sync.Mutex
	active map[uuid.UUID]*entry
}

// NewManager creates a Manager. publisher may be nil.
func NewManager(store Store, logger *slog.Logger, publisher Publisher) *Manager {
	return &Manager{
		store:     store,
		logger:    logger,
		publisher: publisher,
		active:    make(map[uuid.UUID]*entry),
	}
}

// lookup returns the per-id entry, or nil once the order has reached a
// terminal state. It never inserts: only Create adds entries, so a
// released id can never come back as a live entry.
func (m *Manager) lookup(id uuid.UUID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// release drops the in-memory entry after a terminal transition,
// firing the registered cancel func so the job's context is always freed.
func (m *Manager) release(id uuid.UUID, e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) publish(ev Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}

// Create allocates an id and persists a new order in pending. The only
// failure mode is a storage write error, which is propagated.
func (m *Manager) Create(ctx context.Context, kind model.WorkOrderKind, label string) (model.WorkOrder, error) {
	wo := model.WorkOrder{
		ID:        uuid.New(),
		Kind:      kind,
		Label:     label,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateWorkOrder(ctx, wo); err != nil {
		return model.WorkOrder{}, err
	}
	m.mu.Lock()
	m.active[wo.ID] = &entry{}
	m.mu.Unlock()
	m.publish(Event{ID: wo.ID, Status: wo.Status})
	return wo, nil
}

// BindCancel registers the cancellation hook for an order's running job.
// Cancel invokes it to propagate cancellation into the in-flight scheduler
// run. Binding after termination fires the hook immediately.
func (m *Manager) BindCancel(id uuid.UUID, cancel context.CancelFunc) {
	e := m.lookup(id)
	if e == nil {
		cancel()
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// The entry may have been released between lookup and lock.
	m.mu.Lock()
	_, stillActive := m.active[id]
	m.mu.Unlock()
	if !stillActive {
		cancel()
		return
	}
	e.cancel = cancel
}

// Start transitions pending → running, setting started_at exactly once.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	e := m.lookup(id)
	if e == nil {
		return m.transitionErr(ctx, id, "start", storage.ErrStaleTransition)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	err := m.store.StartWorkOrder(ctx, id, time.Now().UTC())
	if err != nil {
		return m.transitionErr(ctx, id, "start", err)
	}
	m.publish(Event{ID: id, Status: model.StatusRunning})
	return nil
}

// UpdateProgress records progress while the order is running.
//
// Idempotent and monotonic: a regressing update is dropped, and an update
// arriving after termination returns ErrStaleUpdate without touching
// status or progress — a terminated order is never resurrected.
func (m *Manager) UpdateProgress(ctx context.Context, id uuid.UUID, current, total int, message string) error {
	if current > total || current < 0 {
		return ErrStaleUpdate
	}
	e := m.lookup(id)
	if e == nil {
		return ErrStaleUpdate
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if current < e.progress.Current {
		m.logger.Debug("workorder: dropping regressing progress update",
			"id", id, "current", current, "seen", e.progress.Current)
		return nil
	}

	p := model.Progress{Current: current, Total: total}
	if err := m.store.UpdateWorkOrderProgress(ctx, id, p, message); err != nil {
		if errors.Is(err, storage.ErrStaleTransition) {
			return ErrStaleUpdate
		}
		return err
	}
	e.progress = p
	m.publish(Event{ID: id, Status: model.StatusRunning, Progress: &p, Message: message})
	return nil
}

// Complete transitions running → completed and stores the result.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	e := m.lookup(id)
	if e == nil {
		return m.transitionErr(ctx, id, "complete", storage.ErrStaleTransition)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.store.CompleteWorkOrder(ctx, id, result, time.Now().UTC()); err != nil {
		return m.transitionErr(ctx, id, "complete", err)
	}
	m.release(id, e)
	m.publish(Event{ID: id, Status: model.StatusCompleted})
	return nil
}

// Fail transitions pending|running → failed and stores the error. Valid
// from pending to cover setup failures before any work started.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, woErr model.WorkOrderError) error {
	e := m.lookup(id)
	if e == nil {
		return m.transitionErr(ctx, id, "fail", storage.ErrStaleTransition)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.store.FailWorkOrder(ctx, id, woErr, time.Now().UTC()); err != nil {
		return m.transitionErr(ctx, id, "fail", err)
	}
	m.release(id, e)
	m.publish(Event{ID: id, Status: model.StatusFailed, Message: woErr.Reason})
	return nil
}

// Cancel transitions pending|running → cancelled and propagates the
// cancellation signal to the order's in-flight job.
//
// Idempotent: cancelling an already-terminal order is a no-op and reports
// initiated=false (the API layer maps that to a conflict).
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (initiated bool, err error) {
	e := m.lookup(id)
	if e == nil {
		// No live entry: the order is unknown or already terminal.
		wo, getErr := m.store.GetWorkOrder(ctx, id)
		if getErr != nil {
			return false, getErr
		}
		if wo.Status.Terminal() {
			return false, nil
		}
		// Non-terminal without an entry means a previous process left it
		// behind; there is no job to signal, so write the store directly.
		if err := m.store.CancelWorkOrder(ctx, id, time.Now().UTC()); err != nil {
			return false, err
		}
		m.publish(Event{ID: id, Status: model.StatusCancelled})
		return true, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.store.CancelWorkOrder(ctx, id, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrStaleTransition) {
			// Already terminal. Verify the order exists so a bogus id
			// still surfaces not-found.
			wo, getErr := m.store.GetWorkOrder(ctx, id)
			if getErr != nil {
				return false, getErr
			}
			if wo.Status.Terminal() {
				return false, nil
			}
		}
		return false, err
	}
	m.release(id, e)
	m.publish(Event{ID: id, Status: model.StatusCancelled})
	return true, nil
}

// transitionErr converts a stale guarded write into the typed
// InvalidTransitionError carrying the order's actual persisted status.
func (m *Manager) transitionErr(ctx context.Context, id uuid.UUID, op string, err error) error {
	if !errors.Is(err, storage.ErrStaleTransition) {
		return err
	}
	wo, getErr := m.store.GetWorkOrder(ctx, id)
	if getErr != nil {
		return getErr
	}
	return &InvalidTransitionError{ID: id, From: wo.Status, Op: op}
}

// Get retrieves one work order.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.WorkOrder, error) {
	return m.store.GetWorkOrder(ctx, id)
}

// ListActive returns all non-terminal orders.
func (m *Manager) ListActive(ctx context.Context) ([]model.WorkOrder, error) {
	return m.store.ListActiveWorkOrders(ctx)
}

// ListHistory returns terminal orders matching the filter.
func (m *Manager) ListHistory(ctx context.Context, filter model.HistoryFilter) ([]model.WorkOrder, error) {
	return m.store.ListWorkOrderHistory(ctx, filter)
}

// PurgeOlderThan removes terminal orders that completed more than d ago.
// The only path that destroys a work order.
func (m *Manager) PurgeOlderThan(ctx context.Context, d time.Duration) (int64, error) {
	return m.store.PurgeWorkOrdersBefore(ctx, time.Now().UTC().Add(-d))
}

// RecoverInterrupted fails every order a previous process left pending or
// running. Called once at startup, before any new job is accepted.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	n, err := m.store.FailInterruptedWorkOrders(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("workorder: recovered interrupted orders", "count", n)
	}
	return nil
}
