// Package tournament implements the fan-out scheduler for multi-provider
// generation runs. One execution unit per provider/strategy pair, all
// coordinated by a single scheduler instance per job; per-candidate
// failures never escape the run — they are captured as failed candidates
// so the caller always gets a full, input-ordered candidate set.
package tournament

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/provider"
	"github.com/shiai-ai/shiai/internal/rubric"
	"github.com/shiai-ai/shiai/internal/scoring"
)

var tracer = otel.Tracer("shiai/tournament")

// DefaultCallTimeout bounds a single provider call when neither the
// job spec nor the scheduler's configuration sets one.
const DefaultCallTimeout = 90 * time.Second

// maxFailureReasonLen keeps provider error strings from bloating the
// persisted candidate record.
const maxFailureReasonLen = 200

// ProgressFunc receives {resolved, total} after each candidate resolves,
// in completion order.
type ProgressFunc func(current, total int)

// RunSpec describes one tournament run.
type RunSpec struct {
	// Pairs is the ordered, duplicate-free set of provider/strategy pairs.
	// Output candidate order matches Pairs order.
	Pairs []model.PairRef

	// Context is the prompt payload, opaque to the scheduler.
	Context model.GenerationContext

	// CallTimeout bounds each provider call. Zero means the scheduler's
	// configured default.
	CallTimeout time.Duration

	// Deadline bounds the whole run. Zero means no global deadline.
	Deadline time.Duration

	// RetryTransient is the per-candidate retry budget for transient
	// provider errors. Zero: tournaments prefer breadth over retry.
	RetryTransient int

	// OnProgress, when non-nil, is invoked after each candidate resolves.
	OnProgress ProgressFunc
}

// Scheduler runs tournaments against a fixed provider registry and rubric.
// Stateless between runs; safe for concurrent use.
type Scheduler struct {
	registry    *provider.Registry
	rubric      *rubric.Config
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewScheduler creates a Scheduler. callTimeout is the per-provider-call
// bound applied to runs whose spec doesn't set one; zero or negative
// falls back to DefaultCallTimeout.
func NewScheduler(registry *provider.Registry, cfg *rubric.Config, callTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Scheduler{registry: registry, rubric: cfg, callTimeout: callTimeout, logger: logger}
}

// Run executes all pairs concurrently and returns the full candidate set.
//
// The result always has len(Candidates) == len(spec.Pairs), in input order.
// An all-failed run is a normal, reportable result — never an error.
// Cancellation of ctx is cooperative: no new provider calls are issued and
// in-flight calls are signalled through their contexts; unresolved
// candidates are recorded as cancelled.
func (s *Scheduler) Run(ctx context.Context, spec RunSpec) model.TournamentResult {
	ctx, span := tracer.Start(ctx, "tournament.run")
	defer span.End()
	span.SetAttributes(attribute.Int("tournament.pairs", len(spec.Pairs)))

	if spec.CallTimeout <= 0 {
		spec.CallTimeout = s.callTimeout
	}

	runCtx := ctx
	if spec.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Deadline)
		defer cancel()
	}

	total := len(spec.Pairs)
	candidates := make([]model.TournamentCandidate, total)

	// Single synchronization point for the candidate collection and the
	// progress counter, so a progress emission can never race a
	// terminal-state check on a torn view.
	var mu sync.Mutex
	resolved := 0

	g, gctx := errgroup.WithContext(runCtx)
	for i, pair := range spec.Pairs {
		g.Go(func() error {
			cand := s.runCandidate(gctx, spec, pair)
			mu.Lock()
			candidates[i] = cand
			resolved++
			if spec.OnProgress != nil {
				spec.OnProgress(resolved, total)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // execution units never return errors

	result := model.TournamentResult{Candidates: candidates}
	succeeded := 0
	for _, c := range candidates {
		if c.Succeeded {
			succeeded++
		}
	}
	result.Partial = succeeded > 0 && succeeded < total

	if succeeded > 0 {
		reports := make([]*model.ScoreReport, total)
		for i, c := range candidates {
			if !c.Succeeded {
				continue
			}
			r := scoring.Score(model.PairRef{ProviderID: c.ProviderID, StrategyTag: c.StrategyTag}, c.RawText, s.rubric)
			reports[i] = &r
		}
		result.Reports = reports
		if w := scoring.Winner(reports); w >= 0 {
			result.WinnerIndex = &w
		}
	}

	span.SetAttributes(
		attribute.Int("tournament.succeeded", succeeded),
		attribute.Bool("tournament.partial", result.Partial),
	)
	return result
}

// runCandidate executes one provider/strategy pair, including its retry
// budget. Always returns a fully populated candidate; never panics out.
func (s *Scheduler) runCandidate(ctx context.Context, spec RunSpec, pair model.PairRef) model.TournamentCandidate {
	cand := model.TournamentCandidate{
		ProviderID:  pair.ProviderID,
		StrategyTag: pair.StrategyTag,
	}
	start := time.Now()
	defer func() { cand.LatencyMS = time.Since(start).Milliseconds() }()

	// Cancellation observed before issuing the call.
	if err := ctx.Err(); err != nil {
		cand.FailureReason = contextFailureReason(ctx)
		return cand
	}

	adapter, ok := s.registry.Get(pair.ProviderID)
	if !ok {
		cand.FailureReason = "unknown_provider"
		return cand
	}

	var lastErr error
	for attempt := 0; attempt <= spec.RetryTransient; attempt++ {
		if err := ctx.Err(); err != nil {
			cand.FailureReason = contextFailureReason(ctx)
			return cand
		}

		text, err := s.generateOnce(ctx, adapter, spec, pair.StrategyTag)
		if err == nil {
			cand.RawText = text
			cand.Succeeded = true
			return cand
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Run-level deadline/cancel wins over the per-call timeout.
			if reason := contextFailureReason(ctx); reason != "" {
				cand.FailureReason = reason
			} else {
				cand.FailureReason = model.FailureTimeout
			}
			return cand
		}
		if !provider.IsTransient(err) {
			// Permanent errors short-circuit the candidate immediately.
			break
		}
		s.logger.Debug("tournament: transient provider failure",
			"provider", pair.ProviderID, "strategy", pair.StrategyTag,
			"attempt", attempt, "error", err)
	}

	cand.FailureReason = truncate(lastErr.Error(), maxFailureReasonLen)
	return cand
}

// generateOnce issues one provider call under the per-call timeout.
// Adapters that cannot honor cooperative cancellation get a context
// detached from the run's cancel signal but still bounded by the timeout,
// so a misbehaving backend can never block the run indefinitely.
func (s *Scheduler) generateOnce(ctx context.Context, adapter provider.Adapter, spec RunSpec, strategyTag string) (string, error) {
	callCtx := ctx
	if !adapter.Capabilities().SupportsCancellation {
		callCtx = context.WithoutCancel(ctx)
	}
	callCtx, cancel := context.WithTimeout(callCtx, spec.CallTimeout)
	defer cancel()
	return adapter.Generate(callCtx, spec.Context, strategyTag)
}

// contextFailureReason maps the run context's termination cause to a
// candidate failure reason, or "" if the context is still live.
func contextFailureReason(ctx context.Context) string {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return model.FailureDeadlineExceeded
	case context.Canceled:
		return model.FailureCancelled
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
