package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiai-ai/shiai/internal/model"
)

const workOrderColumns = `id, kind, label, status, progress, message, created_at, started_at, completed_at, result, error`

// CreateWorkOrder inserts a new work order in its initial state.
func (db *DB) CreateWorkOrder(ctx context.Context, wo model.WorkOrder) error {
	progress, woErr, err := encodeJSONFields(wo)
	if err != nil {
		return err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO work_orders (id, kind, label, status, progress, message, created_at, started_at, completed_at, result, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		wo.ID, string(wo.Kind), wo.Label, string(wo.Status), progress, wo.Message,
		wo.CreatedAt, wo.StartedAt, wo.CompletedAt, []byte(wo.Result), woErr,
	)
	if err != nil {
		return fmt.Errorf("storage: create work order: %w", err)
	}
	return nil
}

// GetWorkOrder retrieves a work order by id. Reads are retried on transient
// Postgres failures per the configured policy.
func (db *DB) GetWorkOrder(ctx context.Context, id uuid.UUID) (model.WorkOrder, error) {
	var wo model.WorkOrder
	err := db.withReadRetry(ctx, func() error {
		row := db.pool.QueryRow(ctx,
			`SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1`, id)
		var scanErr error
		wo, scanErr = scanWorkOrder(row)
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkOrder{}, fmt.Errorf("storage: work order %s: %w", id, ErrNotFound)
		}
		return model.WorkOrder{}, fmt.Errorf("storage: get work order: %w", err)
	}
	return wo, nil
}

// StartWorkOrder transitions pending → running, setting started_at exactly
// once. Returns ErrStaleTransition when the order is not pending.
func (db *DB) StartWorkOrder(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_orders SET status = $1, started_at = $2
		 WHERE id = $3 AND status = $4`,
		string(model.StatusRunning), startedAt, id, string(model.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("storage: start work order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// UpdateWorkOrderProgress updates progress/message while the order is still
// running. Returns ErrStaleTransition once the order has left running, so a
// lagging update can never resurrect a terminated order.
func (db *DB) UpdateWorkOrderProgress(ctx context.Context, id uuid.UUID, p model.Progress, message string) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("storage: encode progress: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_orders SET progress = $1, message = $2
		 WHERE id = $3 AND status = $4`,
		progress, message, id, string(model.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CompleteWorkOrder transitions running → completed and stores the result.
func (db *DB) CompleteWorkOrder(ctx context.Context, id uuid.UUID, result json.RawMessage, completedAt time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_orders SET status = $1, result = $2, completed_at = $3
		 WHERE id = $4 AND status = $5`,
		string(model.StatusCompleted), []byte(result), completedAt,
		id, string(model.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: complete work order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// FailWorkOrder transitions pending|running → failed and stores the error.
// Valid from pending to cover setup failures before any work started.
func (db *DB) FailWorkOrder(ctx context.Context, id uuid.UUID, woErr model.WorkOrderError, completedAt time.Time) error {
	encoded, err := json.Marshal(woErr)
	if err != nil {
		return fmt.Errorf("storage: encode error: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_orders SET status = $1, error = $2, completed_at = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		string(model.StatusFailed), encoded, completedAt,
		id, string(model.StatusPending), string(model.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: fail work order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CancelWorkOrder transitions pending|running → cancelled.
func (db *DB) CancelWorkOrder(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_orders SET status = $1, completed_at = $2
		 WHERE id = $3 AND status IN ($4, $5)`,
		string(model.StatusCancelled), completedAt,
		id, string(model.StatusPending), string(model.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: cancel work order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ListActiveWorkOrders returns non-terminal work orders, oldest first.
func (db *DB) ListActiveWorkOrders(ctx context.Context) ([]model.WorkOrder, error) {
	var orders []model.WorkOrder
	err := db.withReadRetry(ctx, func() error {
		rows, err := db.pool.Query(ctx,
			`SELECT `+workOrderColumns+` FROM work_orders
			 WHERE status IN ($1, $2)
			 ORDER BY created_at ASC`,
			string(model.StatusPending), string(model.StatusRunning),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		orders, err = collectWorkOrders(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list active work orders: %w", err)
	}
	return orders, nil
}

// ListWorkOrderHistory returns terminal work orders matching the filter,
// newest first.
func (db *DB) ListWorkOrderHistory(ctx context.Context, filter model.HistoryFilter) ([]model.WorkOrder, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + workOrderColumns + ` FROM work_orders
		 WHERE status IN ($1, $2, $3)`
	args := []any{
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled),
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND completed_at >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY completed_at DESC LIMIT $%d", len(args))

	var orders []model.WorkOrder
	err := db.withReadRetry(ctx, func() error {
		rows, err := db.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		orders, err = collectWorkOrders(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list work order history: %w", err)
	}
	return orders, nil
}

// PurgeWorkOrdersBefore deletes terminal work orders completed before cutoff.
// Active orders are never purged.
func (db *DB) PurgeWorkOrdersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM work_orders
		 WHERE status IN ($1, $2, $3) AND completed_at < $4`,
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge work orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailInterruptedWorkOrders marks every order left pending or running by
// a previous process as failed with reason "interrupted". Called once at
// startup: a single process owns its jobs, so an order from before the
// restart has no goroutine and can never make progress.
func (db *DB) FailInterruptedWorkOrders(ctx context.Context) (int64, error) {
	encoded, err := json.Marshal(model.WorkOrderError{Reason: model.ReasonInterrupted})
	if err != nil {
		return 0, fmt.Errorf("storage: encode interrupted error: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE work_orders SET status = $1, error = $2, completed_at = $3
		 WHERE status IN ($4, $5)`,
		string(model.StatusFailed), encoded, time.Now().UTC(),
		string(model.StatusPending), string(model.StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: fail interrupted work orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

func encodeJSONFields(wo model.WorkOrder) (progress, woErr []byte, err error) {
	if wo.Progress != nil {
		progress, err = json.Marshal(wo.Progress)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: encode progress: %w", err)
		}
	}
	if wo.Error != nil {
		woErr, err = json.Marshal(wo.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: encode error: %w", err)
		}
	}
	return progress, woErr, nil
}

func scanWorkOrder(row pgx.Row) (model.WorkOrder, error) {
	var (
		wo       model.WorkOrder
		kind     string
		status   string
		progress []byte
		result   []byte
		woErr    []byte
	)
	err := row.Scan(
		&wo.ID, &kind, &wo.Label, &status, &progress, &wo.Message,
		&wo.CreatedAt, &wo.StartedAt, &wo.CompletedAt, &result, &woErr,
	)
	if err != nil {
		return model.WorkOrder{}, err
	}
	wo.Kind = model.WorkOrderKind(kind)
	wo.Status = model.WorkOrderStatus(status)
	if len(progress) > 0 {
		var p model.Progress
		if err := json.Unmarshal(progress, &p); err != nil {
			return model.WorkOrder{}, fmt.Errorf("decode progress: %w", err)
		}
		wo.Progress = &p
	}
	if len(result) > 0 {
		wo.Result = json.RawMessage(result)
	}
	if len(woErr) > 0 {
		var e model.WorkOrderError
		if err := json.Unmarshal(woErr, &e); err != nil {
			return model.WorkOrder{}, fmt.Errorf("decode error field: %w", err)
		}
		wo.Error = &e
	}
	return wo, nil
}

func collectWorkOrders(rows pgx.Rows) ([]model.WorkOrder, error) {
	var orders []model.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work order: %w", err)
		}
		orders = append(orders, wo)
	}
	return orders, rows.Err()
}
