// Package provider defines the adapter boundary between the orchestration
// engine and AI text-generation backends.
//
// Each backend (cloud or local) is wrapped in an Adapter with a capability
// descriptor so the scheduler can degrade gracefully — e.g. skip cooperative
// cancellation signaling for adapters that cannot honor it — without any
// runtime type inspection.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shiai-ai/shiai/internal/model"
)

// Capabilities describes what an adapter's backend supports.
type Capabilities struct {
	SupportsCancellation bool
	SupportsStreaming    bool
}

// Adapter wraps one AI backend behind a uniform generation call.
//
// Generate returns the produced text or a *provider.Error classifying the
// failure as transient (eligible for scheduler-level retry) or permanent
// (never retried). Implementations must honor ctx cancellation when their
// capabilities claim SupportsCancellation.
type Adapter interface {
	ID() string
	Capabilities() Capabilities
	Generate(ctx context.Context, gc model.GenerationContext, strategyTag string) (string, error)
}

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind int

const (
	// Transient failures (rate limits, timeouts, 5xx) may be retried.
	Transient ErrorKind = iota
	// Permanent failures (bad credentials, invalid request) never are.
	Permanent
)

// Error is a classified provider failure, confined to a single candidate.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Kind == Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retriable provider failure.
func NewTransient(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: Transient, Err: err}
}

// NewPermanent wraps err as a non-retriable provider failure.
func NewPermanent(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: Permanent, Err: err}
}

// IsTransient reports whether err is a provider error eligible for retry.
// Untyped errors are treated as transient so a misclassified failure costs
// at most the configured retry budget.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	return true
}

// classifyStatus maps an HTTP status code from a backend API to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 408 || status == 429:
		return Transient
	case status >= 500:
		return Transient
	default:
		return Permanent
	}
}

// renderPrompt folds an optional strategy tag into the system/prompt pair.
// The engine does not own prompt content; the tag is surfaced as a single
// directive line the persona layer upstream is expected to have defined.
func renderPrompt(gc model.GenerationContext, strategyTag string) (system, prompt string) {
	system = gc.System
	if tag := strings.TrimSpace(strategyTag); tag != "" {
		if system != "" {
			system += "\n"
		}
		system += "Strategy: " + tag
	}
	return system, gc.Prompt
}

// Registry holds the configured adapters keyed by provider id. Built once
// at startup; read-only afterwards, safe for concurrent use.
type Registry struct {
	order    []string
	adapters map[string]Adapter
}

// NewRegistry creates a registry from the given adapters, preserving order.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.ID()]; dup {
			continue
		}
		r.adapters[a.ID()] = a
		r.order = append(r.order, a.ID())
	}
	return r
}

// Get returns the adapter for id, if configured.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns the configured provider ids in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
