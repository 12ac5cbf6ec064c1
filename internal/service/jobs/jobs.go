// Package jobs runs work orders to completion. It owns the submit path
// (validate, persist, launch) and the per-kind execution logic; the
// lifecycle state machine itself lives in internal/workorder.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/provider"
	"github.com/shiai-ai/shiai/internal/tournament"
	"github.com/shiai-ai/shiai/internal/workorder"
)

const defaultConsolidationTopK = 3

// Pinger reports database liveness for health-check jobs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runner executes work orders. One Runner per process; each submitted
// order runs on its own goroutine, detached from the submitting request.
type Runner struct {
	manager   *workorder.Manager
	scheduler *tournament.Scheduler
	registry  *provider.Registry
	pinger    Pinger
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(manager *workorder.Manager, scheduler *tournament.Scheduler, registry *provider.Registry, pinger Pinger, logger *slog.Logger) *Runner {
	return &Runner{
		manager:   manager,
		scheduler: scheduler,
		registry:  registry,
		pinger:    pinger,
		logger:    logger,
	}
}

// Submit validates the spec, persists a pending work order, and launches
// its execution. The returned order is in status pending; callers observe
// later states through the read endpoints or the event stream.
//
// Validation failures return a *model.ValidationError.
func (r *Runner) Submit(ctx context.Context, kind model.WorkOrderKind, label string, spec model.JobSpec) (model.WorkOrder, error) {
	if err := model.ValidateJobSpec(kind, label, spec); err != nil {
		return model.WorkOrder{}, err
	}
	if kind == model.KindConsolidation {
		if err := r.validateSource(ctx, spec); err != nil {
			return model.WorkOrder{}, err
		}
	}

	wo, err := r.manager.Create(ctx, kind, label)
	if err != nil {
		return model.WorkOrder{}, fmt.Errorf("jobs: submit: %w", err)
	}

	// The job outlives the submitting request: keep the request's values
	// (trace context) but drop its cancellation, then arm our own cancel
	// so the work order can be cancelled by id.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.manager.BindCancel(wo.ID, cancel)
	go r.run(runCtx, wo, spec)

	return wo, nil
}

// validateSource checks that a consolidation job references a completed
// tournament with a stored result.
func (r *Runner) validateSource(ctx context.Context, spec model.JobSpec) error {
	id, err := uuid.Parse(spec.SourceOrderID)
	if err != nil {
		return &model.ValidationError{Field: "spec.source_order_id", Msg: "must be a valid UUID"}
	}
	src, err := r.manager.Get(ctx, id)
	if err != nil {
		return &model.ValidationError{Field: "spec.source_order_id", Msg: "work order not found"}
	}
	if src.Kind != model.KindTournament || src.Status != model.StatusCompleted || len(src.Result) == 0 {
		return &model.ValidationError{Field: "spec.source_order_id", Msg: "must reference a completed tournament"}
	}
	return nil
}

// run drives one work order from pending to a terminal state. All
// persistence inside uses a cancel-free context: once a run has produced
// an outcome, recording it must not be interrupted by the job's own
// cancellation.
func (r *Runner) run(ctx context.Context, wo model.WorkOrder, spec model.JobSpec) {
	store := context.WithoutCancel(ctx)
	log := r.logger.With("work_order_id", wo.ID, "kind", wo.Kind)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job panicked", "panic", rec)
			r.fail(store, wo.ID, model.WorkOrderError{
				Reason: "internal_error",
				Detail: []string{fmt.Sprint(rec)},
			})
		}
	}()

	if err := r.manager.Start(store, wo.ID); err != nil {
		// Lost the race with a cancel that landed before the first
		// transition; the terminal state is already persisted.
		if workorder.IsTerminalRace(err) {
			log.Debug("job superseded before start", "error", err)
			return
		}
		log.Error("job start failed", "error", err)
		return
	}

	switch wo.Kind {
	case model.KindTournament:
		r.runTournament(ctx, store, wo.ID, spec, log)
	case model.KindSingleGeneration:
		r.runSingleGeneration(ctx, store, wo.ID, spec, log)
	case model.KindHealthCheck:
		r.runHealthCheck(ctx, store, wo.ID, log)
	case model.KindConsolidation:
		r.runConsolidation(ctx, store, wo.ID, spec, log)
	default:
		r.fail(store, wo.ID, model.WorkOrderError{
			Reason: "internal_error",
			Detail: []string{fmt.Sprintf("unknown kind %q", wo.Kind)},
		})
	}
}

func (r *Runner) runTournament(ctx, store context.Context, id uuid.UUID, spec model.JobSpec, log *slog.Logger) {
	res := r.scheduler.Run(ctx, tournament.RunSpec{
		Pairs:          spec.Pairs,
		Context:        spec.Context,
		CallTimeout:    time.Duration(spec.CallTimeout),
		Deadline:       time.Duration(spec.Deadline),
		RetryTransient: spec.RetryTransient,
		OnProgress: func(current, total int) {
			msg := fmt.Sprintf("%d/%d candidates resolved", current, total)
			if err := r.manager.UpdateProgress(store, id, current, total, msg); err != nil {
				log.Debug("progress update dropped", "error", err)
			}
		},
	})

	if ctx.Err() == context.Canceled {
		// Cancel already persisted the terminal state.
		log.Info("job cancelled mid-flight", "resolved", len(res.Candidates))
		return
	}
	r.finishRun(store, id, spec, res, log)
}

func (r *Runner) runSingleGeneration(ctx, store context.Context, id uuid.UUID, spec model.JobSpec, log *slog.Logger) {
	res := r.scheduler.Run(ctx, tournament.RunSpec{
		Pairs:          spec.Pairs[:1],
		Context:        spec.Context,
		CallTimeout:    time.Duration(spec.CallTimeout),
		Deadline:       time.Duration(spec.Deadline),
		RetryTransient: spec.RetryTransient,
	})
	if ctx.Err() == context.Canceled {
		log.Info("job cancelled mid-flight")
		return
	}
	r.finishRun(store, id, spec, res, log)
}

// finishRun maps a tournament result to the order's terminal state.
// A partial run completes unless the spec demands a success floor;
// an all-failed run always fails with per-candidate detail.
func (r *Runner) finishRun(store context.Context, id uuid.UUID, spec model.JobSpec, res model.TournamentResult, log *slog.Logger) {
	succ := res.Succeeded()
	switch {
	case succ == 0:
		r.fail(store, id, model.WorkOrderError{
			Reason: model.ReasonAllProvidersFailed,
			Detail: res.FailureDetail(),
		})
	case spec.MinSuccess > 0 && succ < spec.MinSuccess:
		r.fail(store, id, model.WorkOrderError{
			Reason: model.ReasonBelowMinSuccess,
			Detail: append(
				[]string{fmt.Sprintf("%d of %d candidates succeeded, need %d", succ, len(res.Candidates), spec.MinSuccess)},
				res.FailureDetail()...,
			),
		})
	default:
		raw, err := json.Marshal(res)
		if err != nil {
			log.Error("result marshal failed", "error", err)
			r.fail(store, id, model.WorkOrderError{
				Reason: "internal_error",
				Detail: []string{err.Error()},
			})
			return
		}
		r.complete(store, id, raw, log)
	}
}

// HealthReport is the stored result of a health_check work order.
type HealthReport struct {
	Database  string            `json:"database"`
	Providers map[string]string `json:"providers"`
}

func (r *Runner) runHealthCheck(ctx, store context.Context, id uuid.UUID, log *slog.Logger) {
	report := HealthReport{Database: "ok", Providers: make(map[string]string)}
	if err := r.pinger.Ping(ctx); err != nil {
		report.Database = err.Error()
	}
	for _, pid := range r.registry.IDs() {
		adapter, _ := r.registry.Get(pid)
		status := "configured"
		if probe, ok := adapter.(interface{ Reachable(context.Context) bool }); ok {
			if probe.Reachable(ctx) {
				status = "reachable"
			} else {
				status = "unreachable"
			}
		}
		report.Providers[pid] = status
	}
	if ctx.Err() == context.Canceled {
		log.Info("job cancelled mid-flight")
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		r.fail(store, id, model.WorkOrderError{Reason: "internal_error", Detail: []string{err.Error()}})
		return
	}
	r.complete(store, id, raw, log)
}

func (r *Runner) runConsolidation(ctx, store context.Context, id uuid.UUID, spec model.JobSpec, log *slog.Logger) {
	merged, err := r.consolidationContext(store, spec)
	if err != nil {
		r.fail(store, id, model.WorkOrderError{
			Reason: "source_unavailable",
			Detail: []string{err.Error()},
		})
		return
	}

	res := r.scheduler.Run(ctx, tournament.RunSpec{
		Pairs:          spec.Pairs[:1],
		Context:        merged,
		CallTimeout:    time.Duration(spec.CallTimeout),
		Deadline:       time.Duration(spec.Deadline),
		RetryTransient: spec.RetryTransient,
	})
	if ctx.Err() == context.Canceled {
		log.Info("job cancelled mid-flight")
		return
	}
	r.finishRun(store, id, spec, res, log)
}

// consolidationContext loads the source tournament and builds the merge
// prompt from its top-ranked candidates.
func (r *Runner) consolidationContext(ctx context.Context, spec model.JobSpec) (model.GenerationContext, error) {
	id, err := uuid.Parse(spec.SourceOrderID)
	if err != nil {
		return model.GenerationContext{}, fmt.Errorf("parse source order id: %w", err)
	}
	src, err := r.manager.Get(ctx, id)
	if err != nil {
		return model.GenerationContext{}, fmt.Errorf("load source order: %w", err)
	}
	var srcRes model.TournamentResult
	if err := json.Unmarshal(src.Result, &srcRes); err != nil {
		return model.GenerationContext{}, fmt.Errorf("decode source result: %w", err)
	}

	topK := spec.TopK
	if topK <= 0 {
		topK = defaultConsolidationTopK
	}
	texts := rankedTexts(srcRes, topK)
	if len(texts) == 0 {
		return model.GenerationContext{}, fmt.Errorf("source order %s has no scored candidates", id)
	}

	var b strings.Builder
	b.WriteString(spec.Context.Prompt)
	b.WriteString("\n\nMerge the strongest elements of the following drafts into a single response:\n")
	for i, t := range texts {
		fmt.Fprintf(&b, "\n--- Draft %d ---\n%s\n", i+1, t)
	}
	return model.GenerationContext{Prompt: b.String(), System: spec.Context.System}, nil
}

// rankedTexts returns the texts of the top-k scored candidates, highest
// total score first; ties keep input order.
func rankedTexts(res model.TournamentResult, k int) []string {
	type ranked struct {
		idx   int
		score float64
	}
	var order []ranked
	for i, rep := range res.Reports {
		if rep == nil || i >= len(res.Candidates) || !res.Candidates[i].Succeeded {
			continue
		}
		order = append(order, ranked{idx: i, score: rep.TotalScore})
	}
	sort.SliceStable(order, func(a, b int) bool { return order[a].score > order[b].score })
	if len(order) > k {
		order = order[:k]
	}
	texts := make([]string, 0, len(order))
	for _, o := range order {
		texts = append(texts, res.Candidates[o.idx].RawText)
	}
	return texts
}

func (r *Runner) complete(ctx context.Context, id uuid.UUID, result json.RawMessage, log *slog.Logger) {
	if err := r.manager.Complete(ctx, id, result); err != nil {
		if workorder.IsTerminalRace(err) {
			log.Debug("completion superseded", "error", err)
			return
		}
		log.Error("job completion failed", "error", err)
	}
}

func (r *Runner) fail(ctx context.Context, id uuid.UUID, woErr model.WorkOrderError) {
	if err := r.manager.Fail(ctx, id, woErr); err != nil {
		if workorder.IsTerminalRace(err) {
			r.logger.Debug("failure record superseded", "work_order_id", id, "error", err)
			return
		}
		r.logger.Error("job failure record failed", "work_order_id", id, "error", err)
	}
}

// RetentionLoop purges terminal work orders older than maxAge every
// interval, until ctx is cancelled. Run it on its own goroutine.
func (r *Runner) RetentionLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := r.manager.PurgeOlderThan(ctx, maxAge)
			if err != nil {
				r.logger.Error("retention purge failed", "error", err)
				continue
			}
			if purged > 0 {
				r.logger.Info("retention purge", "purged", purged, "max_age", maxAge)
			}
		}
	}
}
