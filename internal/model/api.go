package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateWorkOrderRequest is the request body for POST /v1/work-orders.
type CreateWorkOrderRequest struct {
	Kind    WorkOrderKind `json:"kind"`
	Label   string        `json:"label"`
	JobSpec JobSpec       `json:"job_spec"`
}

// CreateWorkOrderResponse is the response body for POST /v1/work-orders.
type CreateWorkOrderResponse struct {
	ID uuid.UUID `json:"id"`
}

// CancelWorkOrderResponse acknowledges an initiated cancellation.
type CancelWorkOrderResponse struct {
	ID     uuid.UUID       `json:"id"`
	Status WorkOrderStatus `json:"status"`
}

// PurgeHistoryResponse reports how many terminal work orders were removed.
type PurgeHistoryResponse struct {
	Purged int64 `json:"purged"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_sec"`
	Database  string `json:"database"`
}
