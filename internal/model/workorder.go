// Package model defines the core domain types for Shiai.
//
// Types correspond directly to database columns and API payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkOrderStatus represents the lifecycle state of a work order.
type WorkOrderStatus string

const (
	StatusPending   WorkOrderStatus = "pending"
	StatusRunning   WorkOrderStatus = "running"
	StatusCompleted WorkOrderStatus = "completed"
	StatusFailed    WorkOrderStatus = "failed"
	StatusCancelled WorkOrderStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
// Once a terminal transition is persisted, no later transition is accepted.
func (s WorkOrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s WorkOrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorkOrderKind tags the type of asynchronous job a work order tracks.
// The set is open: unknown kinds are stored verbatim, but only the kinds
// below have an execution path in the jobs service.
type WorkOrderKind string

const (
	KindTournament       WorkOrderKind = "tournament"
	KindSingleGeneration WorkOrderKind = "single_generation"
	KindHealthCheck      WorkOrderKind = "health_check"
	KindConsolidation    WorkOrderKind = "consolidation"
)

// Progress tracks incremental completion of a running work order.
// Current never exceeds Total, and never decreases while running.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// WorkOrderError is the structured failure description stored on a failed order.
type WorkOrderError struct {
	Reason string   `json:"reason"`
	Detail []string `json:"detail,omitempty"`
}

// Failure reasons set by the engine itself (providers contribute their own).
const (
	ReasonInterrupted        = "interrupted"
	ReasonAllProvidersFailed = "all_providers_failed"
	ReasonBelowMinSuccess    = "below_min_success"
)

// WorkOrder is a persisted record of one asynchronous job and its lifecycle.
//
// Invariant: exactly one of Result/Error is non-nil once Status is
// completed/failed; both are nil otherwise. StartedAt and CompletedAt are
// each set exactly once.
type WorkOrder struct {
	ID          uuid.UUID       `json:"id"`
	Kind        WorkOrderKind   `json:"kind"`
	Label       string          `json:"label"`
	Status      WorkOrderStatus `json:"status"`
	Progress    *Progress       `json:"progress,omitempty"`
	Message     string          `json:"message,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *WorkOrderError `json:"error,omitempty"`
}

// Summary is the trimmed work-order view returned by list endpoints.
type Summary struct {
	ID        uuid.UUID       `json:"id"`
	Kind      WorkOrderKind   `json:"kind"`
	Label     string          `json:"label"`
	Status    WorkOrderStatus `json:"status"`
	Progress  *Progress       `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Summarize converts a full work order to its list view.
func (w WorkOrder) Summarize() Summary {
	return Summary{
		ID:        w.ID,
		Kind:      w.Kind,
		Label:     w.Label,
		Status:    w.Status,
		Progress:  w.Progress,
		Message:   w.Message,
		CreatedAt: w.CreatedAt,
	}
}

// HistoryFilter narrows ListWorkOrderHistory results.
type HistoryFilter struct {
	Status *WorkOrderStatus
	Since  *time.Time
	Limit  int
}
