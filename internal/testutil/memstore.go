package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/storage"
)

// MemStore is an in-memory work-order store with the same guard semantics
// as the Postgres implementation: status-guarded transitions return
// storage.ErrStaleTransition when the guard matches no row. For unit tests
// that don't want a container.
type MemStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]model.WorkOrder
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[uuid.UUID]model.WorkOrder)}
}

func (s *MemStore) CreateWorkOrder(_ context.Context, wo model.WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[wo.ID]; ok {
		return fmt.Errorf("memstore: duplicate id %s", wo.ID)
	}
	s.orders[wo.ID] = wo
	return nil
}

func (s *MemStore) GetWorkOrder(_ context.Context, id uuid.UUID) (model.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wo, ok := s.orders[id]
	if !ok {
		return model.WorkOrder{}, fmt.Errorf("memstore: work order %s: %w", id, storage.ErrNotFound)
	}
	return wo, nil
}

// update applies fn to the order when guard passes; otherwise reports a
// stale transition, mirroring RowsAffected()==0 on a guarded UPDATE.
func (s *MemStore) update(id uuid.UUID, guard func(model.WorkOrder) bool, fn func(*model.WorkOrder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wo, ok := s.orders[id]
	if !ok || !guard(wo) {
		return storage.ErrStaleTransition
	}
	fn(&wo)
	s.orders[id] = wo
	return nil
}

func (s *MemStore) StartWorkOrder(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	return s.update(id,
		func(wo model.WorkOrder) bool { return wo.Status == model.StatusPending },
		func(wo *model.WorkOrder) {
			wo.Status = model.StatusRunning
			wo.StartedAt = &startedAt
		})
}

func (s *MemStore) UpdateWorkOrderProgress(_ context.Context, id uuid.UUID, p model.Progress, message string) error {
	return s.update(id,
		func(wo model.WorkOrder) bool { return wo.Status == model.StatusRunning },
		func(wo *model.WorkOrder) {
			wo.Progress = &p
			wo.Message = message
		})
}

func (s *MemStore) CompleteWorkOrder(_ context.Context, id uuid.UUID, result json.RawMessage, completedAt time.Time) error {
	return s.update(id,
		func(wo model.WorkOrder) bool { return wo.Status == model.StatusRunning },
		func(wo *model.WorkOrder) {
			wo.Status = model.StatusCompleted
			wo.Result = result
			wo.CompletedAt = &completedAt
		})
}

func (s *MemStore) FailWorkOrder(_ context.Context, id uuid.UUID, woErr model.WorkOrderError, completedAt time.Time) error {
	return s.update(id,
		func(wo model.WorkOrder) bool { return !wo.Status.Terminal() },
		func(wo *model.WorkOrder) {
			wo.Status = model.StatusFailed
			wo.Error = &woErr
			wo.CompletedAt = &completedAt
		})
}

func (s *MemStore) CancelWorkOrder(_ context.Context, id uuid.UUID, completedAt time.Time) error {
	return s.update(id,
		func(wo model.WorkOrder) bool { return !wo.Status.Terminal() },
		func(wo *model.WorkOrder) {
			wo.Status = model.StatusCancelled
			wo.CompletedAt = &completedAt
		})
}

func (s *MemStore) ListActiveWorkOrders(_ context.Context) ([]model.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkOrder
	for _, wo := range s.orders {
		if !wo.Status.Terminal() {
			out = append(out, wo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) ListWorkOrderHistory(_ context.Context, filter model.HistoryFilter) ([]model.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkOrder
	for _, wo := range s.orders {
		if !wo.Status.Terminal() {
			continue
		}
		if filter.Status != nil && wo.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && wo.CompletedAt != nil && wo.CompletedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, wo)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(*out[j].CompletedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) PurgeWorkOrdersBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, wo := range s.orders {
		if wo.Status.Terminal() && wo.CompletedAt != nil && wo.CompletedAt.Before(cutoff) {
			delete(s.orders, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemStore) FailInterruptedWorkOrders(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var failed int64
	for id, wo := range s.orders {
		if wo.Status == model.StatusPending || wo.Status == model.StatusRunning {
			wo.Status = model.StatusFailed
			wo.Error = &model.WorkOrderError{Reason: model.ReasonInterrupted}
			wo.CompletedAt = &now
			s.orders[id] = wo
			failed++
		}
	}
	return failed, nil
}
