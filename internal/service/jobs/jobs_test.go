package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/provider"
	"github.com/shiai-ai/shiai/internal/rubric"
	"github.com/shiai-ai/shiai/internal/service/jobs"
	"github.com/shiai-ai/shiai/internal/testutil"
	"github.com/shiai-ai/shiai/internal/tournament"
	"github.com/shiai-ai/shiai/internal/workorder"
)

type fakeAdapter struct {
	id string
	fn func(ctx context.Context, gc model.GenerationContext, tag string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsCancellation: true}
}

func (a *fakeAdapter) Generate(ctx context.Context, gc model.GenerationContext, tag string) (string, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, gc.Prompt)
	a.mu.Unlock()
	return a.fn(ctx, gc, tag)
}

func (a *fakeAdapter) lastPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.prompts) == 0 {
		return ""
	}
	return a.prompts[len(a.prompts)-1]
}

func goodAdapter(id string) *fakeAdapter {
	return &fakeAdapter{id: id, fn: func(context.Context, model.GenerationContext, string) (string, error) {
		return "The ferry horn sounded twice. Nobody on the dock looked up.", nil
	}}
}

func badAdapter(id string) *fakeAdapter {
	return &fakeAdapter{id: id, fn: func(context.Context, model.GenerationContext, string) (string, error) {
		return "", provider.NewPermanent(id, errors.New("invalid api key"))
	}}
}

// reachableAdapter adds the optional liveness probe used by health checks.
type reachableAdapter struct {
	*fakeAdapter
	up bool
}

func (a *reachableAdapter) Reachable(context.Context) bool { return a.up }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

const testRubric = `
categories:
  - name: variety
    weight: 100
    detector: sentence_variety
`

type fixture struct {
	runner  *jobs.Runner
	manager *workorder.Manager
}

func newFixture(t *testing.T, pinger jobs.Pinger, adapters ...provider.Adapter) *fixture {
	t.Helper()
	logger := testutil.TestLogger()
	manager := workorder.NewManager(testutil.NewMemStore(), logger, nil)

	cfg, err := rubric.Parse([]byte(testRubric))
	require.NoError(t, err)

	registry := provider.NewRegistry(adapters...)
	scheduler := tournament.NewScheduler(registry, cfg, 0, logger)
	return &fixture{
		runner:  jobs.NewRunner(manager, scheduler, registry, pinger, logger),
		manager: manager,
	}
}

func (f *fixture) waitTerminal(t *testing.T, id uuid.UUID) model.WorkOrder {
	t.Helper()
	var wo model.WorkOrder
	require.Eventually(t, func() bool {
		var err error
		wo, err = f.manager.Get(context.Background(), id)
		return err == nil && wo.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return wo
}

func tournamentSpec(pairs ...model.PairRef) model.JobSpec {
	return model.JobSpec{
		Context: model.GenerationContext{Prompt: "write the opening scene"},
		Pairs:   pairs,
	}
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t, fakePinger{}, goodAdapter("good"))

	_, err := f.runner.Submit(context.Background(), model.KindTournament, "", tournamentSpec(model.PairRef{ProviderID: "good"}))
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "label", verr.Field)

	// Nothing was persisted for the rejected submission.
	active, err := f.manager.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestTournamentRunsToCompletion(t *testing.T) {
	f := newFixture(t, fakePinger{}, goodAdapter("good"))

	wo, err := f.runner.Submit(context.Background(), model.KindTournament, "duel",
		tournamentSpec(
			model.PairRef{ProviderID: "good", StrategyTag: "baseline"},
			model.PairRef{ProviderID: "good", StrategyTag: "noir"},
		))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, wo.Status)

	done := f.waitTerminal(t, wo.ID)
	require.Equal(t, model.StatusCompleted, done.Status)
	require.NotNil(t, done.Progress)
	assert.Equal(t, 2, done.Progress.Current)
	assert.Equal(t, 2, done.Progress.Total)

	var res model.TournamentResult
	require.NoError(t, json.Unmarshal(done.Result, &res))
	require.Len(t, res.Candidates, 2)
	assert.False(t, res.Partial)
	assert.Equal(t, "baseline", res.Candidates[0].StrategyTag)
	require.NotNil(t, res.WinnerIndex)
	require.Len(t, res.Reports, 2)
}

func TestTournamentPartialSuccessCompletes(t *testing.T) {
	f := newFixture(t, fakePinger{}, goodAdapter("good"), badAdapter("bad"))

	wo, err := f.runner.Submit(context.Background(), model.KindTournament, "mixed",
		tournamentSpec(
			model.PairRef{ProviderID: "good"},
			model.PairRef{ProviderID: "bad"},
		))
	require.NoError(t, err)

	done := f.waitTerminal(t, wo.ID)
	require.Equal(t, model.StatusCompleted, done.Status)

	var res model.TournamentResult
	require.NoError(t, json.Unmarshal(done.Result, &res))
	assert.True(t, res.Partial)
	assert.True(t, res.Candidates[0].Succeeded)
	assert.False(t, res.Candidates[1].Succeeded)
	assert.Contains(t, res.Candidates[1].FailureReason, "invalid api key")
}

func TestTournamentBelowMinSuccessFails(t *testing.T) {
	f := newFixture(t, fakePinger{}, goodAdapter("good"), badAdapter("bad"))

	spec := tournamentSpec(
		model.PairRef{ProviderID: "good"},
		model.PairRef{ProviderID: "bad"},
	)
	spec.MinSuccess = 2

	wo, err := f.runner.Submit(context.Background(), model.KindTournament, "floor", spec)
	require.NoError(t, err)

	done := f.waitTerminal(t, wo.ID)
	require.Equal(t, model.StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, model.ReasonBelowMinSuccess, done.Error.Reason)
	assert.Contains(t, done.Error.Detail[0], "1 of 2 candidates succeeded, need 2")
}

func TestTournamentAllProvidersFailed(t *testing.T) {
	f := newFixture(t, fakePinger{}, badAdapter("bad"))

	wo, err := f.runner.Submit(context.Background(), model.KindTournament, "doomed",
		tournamentSpec(
			model.PairRef{ProviderID: "bad", StrategyTag: "a"},
			model.PairRef{ProviderID: "bad", StrategyTag: "b"},
		))
	require.NoError(t, err)

	done := f.waitTerminal(t, wo.ID)
	require.Equal(t, model.StatusFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, model.ReasonAllProvidersFailed, done.Error.Reason)
	assert.Len(t, done.Error.Detail, 2)
}

func TestSingleGenerationCompletes(t *testing.T) {
	f := newFixture(t, fakePinger{}, goodAdapter("good"))

	wo, err := f.runner.Submit(context.Background(), model.KindSingleGeneration, "solo",
		tournamentSpec(model.PairRef{ProviderID: "good"}))
	require.NoError(t, err)

	done := f.waitTerminal(t, wo.ID)
	require.Equal(t, model.StatusCompleted, done.Status)

	var res model.TournamentResult
	require.NoError(t, json.Unmarshal(done.Result, &res))
	require.Len(t, res.Candidates, 1)
	assert.True(t, res.Candidates[0].Succeeded)
}

func TestCancelStopsRunningJob(t *testing.T) {
	started := make(chan struct{})
	blocking := &fakeAdapter{id: "slow", fn: func(ctx context.Context, _ model.GenerationContext, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	f := newFixture(t, fakePinger{}, blocking)

	wo, err := f.runner.Submit(context.Background(), model.KindTournament, "to cancel",
		tournamentSpec(model.PairRef{ProviderID: "slow"}))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never reached the provider")
	}

	initiated, err := f.manager.Cancel(context.Background(), wo.ID)
	require.NoError(t, err)
	assert.True(t, initiated)

	done := f.waitTerminal(t, wo.ID)
	assert.Equal(t, model.StatusCancelled, done.Status)

	// The unwinding job must not overwrite the cancelled state.
	time.Sleep(50 * time.Millisecond)
	done, err = f.manager.Get(context.Background(), wo.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, done.Status)
}

func TestHealthCheckReportsProviders(t *testing.T) {
	up := &reachableAdapter{fakeAdapter: goodAdapter("local"), up: true}
	down := &reachableAdapter{fakeAdapter: goodAdapter("remote"), up: false}
	plain := goodAdapter("cloud")
	f := newFixture(t, fakePinger{err: errors.New("connection refused")}, up, down, plain)

	wo, err := f.runner.Submit(context.Background(), model.KindHealthCheck, "probe", model.JobSpec{})
	require.NoError(t, err)

	done := f.waitTerminal(t, wo.ID)
	require.Equal(t, model.StatusCompleted, done.Status)

	var report jobs.HealthReport
	require.NoError(t, json.Unmarshal(done.Result, &report))
	assert.Contains(t, report.Database, "connection refused")
	assert.Equal(t, "reachable", report.Providers["local"])
	assert.Equal(t, "unreachable", report.Providers["remote"])
	assert.Equal(t, "configured", report.Providers["cloud"])
}

func TestConsolidationMergesTopCandidates(t *testing.T) {
	merger := goodAdapter("good")
	f := newFixture(t, fakePinger{}, merger)
	ctx := context.Background()

	src, err := f.runner.Submit(ctx, model.KindTournament, "source",
		tournamentSpec(
			model.PairRef{ProviderID: "good", StrategyTag: "a"},
			model.PairRef{ProviderID: "good", StrategyTag: "b"},
		))
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, f.waitTerminal(t, src.ID).Status)

	spec := model.JobSpec{
		Context:       model.GenerationContext{Prompt: "produce the final draft"},
		Pairs:         []model.PairRef{{ProviderID: "good", StrategyTag: "merge"}},
		SourceOrderID: src.ID.String(),
		TopK:          2,
	}
	wo, err := f.runner.Submit(ctx, model.KindConsolidation, "merge", spec)
	require.NoError(t, err)

	done := f.waitTerminal(t, wo.ID)
	require.Equal(t, model.StatusCompleted, done.Status)

	prompt := merger.lastPrompt()
	assert.Contains(t, prompt, "produce the final draft")
	assert.Contains(t, prompt, "Merge the strongest elements")
	assert.Contains(t, prompt, "--- Draft 1 ---")
	assert.Contains(t, prompt, "--- Draft 2 ---")
}

func TestConsolidationRejectsBadSource(t *testing.T) {
	f := newFixture(t, fakePinger{}, goodAdapter("good"))
	ctx := context.Background()

	base := model.JobSpec{
		Context: model.GenerationContext{Prompt: "merge"},
		Pairs:   []model.PairRef{{ProviderID: "good"}},
	}

	// Pending source: not a completed tournament yet.
	pending, err := f.manager.Create(ctx, model.KindTournament, "pending source")
	require.NoError(t, err)

	for name, sourceID := range map[string]string{
		"not a uuid":   "definitely-not-a-uuid",
		"missing":      uuid.NewString(),
		"not terminal": pending.ID.String(),
	} {
		spec := base
		spec.SourceOrderID = sourceID
		_, err := f.runner.Submit(ctx, model.KindConsolidation, "merge", spec)
		var verr *model.ValidationError
		require.ErrorAs(t, err, &verr, name)
		assert.Equal(t, "spec.source_order_id", verr.Field, name)
	}
}

func TestRetentionLoopPurges(t *testing.T) {
	f := newFixture(t, fakePinger{}, goodAdapter("good"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wo, err := f.manager.Create(ctx, model.KindTournament, "old")
	require.NoError(t, err)
	_, err = f.manager.Cancel(ctx, wo.ID)
	require.NoError(t, err)

	go f.runner.RetentionLoop(ctx, 10*time.Millisecond, time.Nanosecond)

	require.Eventually(t, func() bool {
		orders, err := f.manager.ListHistory(context.Background(), model.HistoryFilter{})
		return err == nil && len(orders) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
