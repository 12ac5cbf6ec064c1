package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for job specs. These keep a single oversized prompt
// from filling Postgres TEXT columns or blowing provider token budgets.
const (
	MaxLabelLen  = 200
	MaxPromptLen = 64 * 1024 // 64 KB
	MaxSystemLen = 16 * 1024 // 16 KB
	MaxPairs     = 32
)

// GenerationContext is the prompt payload handed to a provider adapter.
// Opaque to the scheduler; only adapters interpret it.
type GenerationContext struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
}

// JobSpec describes the work a work order should perform. The exact fields
// consumed depend on the work-order kind.
type JobSpec struct {
	Context GenerationContext `json:"context"`

	// Pairs is the ordered set of provider/strategy pairs for a tournament.
	// A single_generation job uses only Pairs[0].
	Pairs []PairRef `json:"pairs,omitempty"`

	// CallTimeout bounds each provider call. Zero means the server default.
	CallTimeout Duration `json:"call_timeout,omitempty"`

	// Deadline bounds the whole run. Zero means no global deadline.
	Deadline Duration `json:"deadline,omitempty"`

	// RetryTransient is the per-candidate retry budget for transient
	// provider errors. Default 0: tournaments prefer breadth over retry.
	RetryTransient int `json:"retry_transient,omitempty"`

	// MinSuccess, when > 0, fails the work order if fewer candidates
	// succeed. Zero keeps the default partial-success-completes behavior.
	MinSuccess int `json:"min_success,omitempty"`

	// SourceOrderID references a prior tournament for consolidation jobs.
	SourceOrderID string `json:"source_order_id,omitempty"`

	// TopK is how many ranked candidates a consolidation job merges.
	// Zero means 3.
	TopK int `json:"top_k,omitempty"`
}

// Duration is a time.Duration that marshals as a Go duration string
// (e.g. "30s") in JSON job specs.
type Duration time.Duration

// MarshalJSON renders the duration as a quoted Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON accepts a quoted Go duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ValidationError rejects a malformed job spec before any work order is
// persisted.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return "invalid job spec: " + e.Field + ": " + e.Msg
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// ValidateJobSpec checks a job spec against the requirements of its kind.
// Returns a *ValidationError describing the first problem found.
func ValidateJobSpec(kind WorkOrderKind, label string, spec JobSpec) error {
	if strings.TrimSpace(label) == "" {
		return invalid("label", "is required")
	}
	if len(label) > MaxLabelLen {
		return invalid("label", fmt.Sprintf("exceeds maximum length of %d characters", MaxLabelLen))
	}
	if len(spec.Context.Prompt) > MaxPromptLen {
		return invalid("context.prompt", fmt.Sprintf("exceeds maximum length of %d bytes", MaxPromptLen))
	}
	if len(spec.Context.System) > MaxSystemLen {
		return invalid("context.system", fmt.Sprintf("exceeds maximum length of %d bytes", MaxSystemLen))
	}
	if spec.RetryTransient < 0 {
		return invalid("retry_transient", "must not be negative")
	}
	if spec.CallTimeout < 0 || spec.Deadline < 0 {
		return invalid("call_timeout", "durations must not be negative")
	}

	switch kind {
	case KindTournament:
		if len(spec.Pairs) == 0 {
			return invalid("pairs", "at least one provider/strategy pair is required")
		}
		if len(spec.Pairs) > MaxPairs {
			return invalid("pairs", fmt.Sprintf("at most %d pairs are allowed", MaxPairs))
		}
		if strings.TrimSpace(spec.Context.Prompt) == "" {
			return invalid("context.prompt", "is required")
		}
		seen := make(map[PairRef]bool, len(spec.Pairs))
		for i, p := range spec.Pairs {
			if strings.TrimSpace(p.ProviderID) == "" {
				return invalid(fmt.Sprintf("pairs[%d].provider_id", i), "is required")
			}
			if seen[p] {
				return invalid(fmt.Sprintf("pairs[%d]", i), "duplicate provider/strategy pair")
			}
			seen[p] = true
		}
		if spec.MinSuccess < 0 || spec.MinSuccess > len(spec.Pairs) {
			return invalid("min_success", "must be between 0 and the number of pairs")
		}

	case KindSingleGeneration:
		if len(spec.Pairs) != 1 {
			return invalid("pairs", "exactly one provider/strategy pair is required")
		}
		if strings.TrimSpace(spec.Pairs[0].ProviderID) == "" {
			return invalid("pairs[0].provider_id", "is required")
		}
		if strings.TrimSpace(spec.Context.Prompt) == "" {
			return invalid("context.prompt", "is required")
		}

	case KindConsolidation:
		if strings.TrimSpace(spec.SourceOrderID) == "" {
			return invalid("source_order_id", "is required")
		}
		if len(spec.Pairs) != 1 {
			return invalid("pairs", "exactly one provider/strategy pair is required")
		}
		if spec.TopK < 0 {
			return invalid("top_k", "must not be negative")
		}

	case KindHealthCheck:
		// No spec fields required.

	default:
		return invalid("kind", fmt.Sprintf("unknown kind %q", kind))
	}
	return nil
}
