package storage_test

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/storage"
	"github.com/shiai-ai/shiai/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
}

func createOrder(t *testing.T, kind model.WorkOrderKind, label string) model.WorkOrder {
	t.Helper()
	wo := model.WorkOrder{
		ID:        uuid.New(),
		Kind:      kind,
		Label:     label,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateWorkOrder(context.Background(), wo))
	return wo
}

func TestWorkOrderRoundTrip(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	wo := createOrder(t, model.KindTournament, "round trip")

	got, err := testDB.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, wo.ID, got.ID)
	assert.Equal(t, model.KindTournament, got.Kind)
	assert.Equal(t, "round trip", got.Label)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.Progress)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
}

func TestGetWorkOrderNotFound(t *testing.T) {
	requireDB(t)

	_, err := testDB.GetWorkOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWorkOrderLifecycleTransitions(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	wo := createOrder(t, model.KindTournament, "lifecycle")
	startedAt := time.Now().UTC()

	require.NoError(t, testDB.StartWorkOrder(ctx, wo.ID, startedAt))
	require.NoError(t, testDB.UpdateWorkOrderProgress(ctx, wo.ID,
		model.Progress{Current: 2, Total: 5}, "2/5 candidates resolved"))

	got, err := testDB.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 2, got.Progress.Current)
	assert.Equal(t, "2/5 candidates resolved", got.Message)

	result := json.RawMessage(`{"candidates":[],"partial":false}`)
	require.NoError(t, testDB.CompleteWorkOrder(ctx, wo.ID, result, time.Now().UTC()))

	got, err = testDB.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, string(result), string(got.Result))
	assert.Nil(t, got.Error)
}

func TestGuardedTransitionsRejectStaleWrites(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	wo := createOrder(t, model.KindTournament, "guards")

	// Not running yet: completion and progress are stale.
	err := testDB.CompleteWorkOrder(ctx, wo.ID, json.RawMessage(`{}`), now)
	assert.ErrorIs(t, err, storage.ErrStaleTransition)
	err = testDB.UpdateWorkOrderProgress(ctx, wo.ID, model.Progress{Current: 1, Total: 2}, "")
	assert.ErrorIs(t, err, storage.ErrStaleTransition)

	require.NoError(t, testDB.StartWorkOrder(ctx, wo.ID, now))

	// Double start is stale.
	assert.ErrorIs(t, testDB.StartWorkOrder(ctx, wo.ID, now), storage.ErrStaleTransition)

	require.NoError(t, testDB.CancelWorkOrder(ctx, wo.ID, now))

	// Every mutation after a terminal transition is stale.
	assert.ErrorIs(t, testDB.CancelWorkOrder(ctx, wo.ID, now), storage.ErrStaleTransition)
	assert.ErrorIs(t, testDB.CompleteWorkOrder(ctx, wo.ID, json.RawMessage(`{}`), now), storage.ErrStaleTransition)
	assert.ErrorIs(t, testDB.FailWorkOrder(ctx, wo.ID, model.WorkOrderError{Reason: "late"}, now), storage.ErrStaleTransition)
	assert.ErrorIs(t, testDB.UpdateWorkOrderProgress(ctx, wo.ID, model.Progress{Current: 2, Total: 2}, ""), storage.ErrStaleTransition)

	got, err := testDB.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Nil(t, got.Error)
}

func TestFailWorkOrderFromPending(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	wo := createOrder(t, model.KindHealthCheck, "setup failure")
	woErr := model.WorkOrderError{
		Reason: model.ReasonAllProvidersFailed,
		Detail: []string{"anthropic/baseline: timeout", "openai/noir: invalid api key"},
	}
	require.NoError(t, testDB.FailWorkOrder(ctx, wo.ID, woErr, time.Now().UTC()))

	got, err := testDB.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, woErr, *got.Error)
}

func TestListActiveOrdersOldestFirst(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	first := createOrder(t, model.KindTournament, "list-active-first")
	time.Sleep(5 * time.Millisecond)
	second := createOrder(t, model.KindTournament, "list-active-second")
	terminal := createOrder(t, model.KindTournament, "list-active-terminal")
	require.NoError(t, testDB.CancelWorkOrder(ctx, terminal.ID, time.Now().UTC()))

	orders, err := testDB.ListActiveWorkOrders(ctx)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, wo := range orders {
		if wo.ID == first.ID || wo.ID == second.ID || wo.ID == terminal.ID {
			ids = append(ids, wo.ID)
		}
	}
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, ids)
}

func TestListHistoryFiltersAndOrdering(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	completedOrder := createOrder(t, model.KindTournament, "history-completed")
	require.NoError(t, testDB.StartWorkOrder(ctx, completedOrder.ID, time.Now().UTC()))
	require.NoError(t, testDB.CompleteWorkOrder(ctx, completedOrder.ID, json.RawMessage(`{}`), time.Now().UTC()))

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)

	cancelledOrder := createOrder(t, model.KindTournament, "history-cancelled")
	require.NoError(t, testDB.CancelWorkOrder(ctx, cancelledOrder.ID, time.Now().UTC()))

	status := model.StatusCancelled
	orders, err := testDB.ListWorkOrderHistory(ctx, model.HistoryFilter{Status: &status})
	require.NoError(t, err)
	for _, wo := range orders {
		assert.Equal(t, model.StatusCancelled, wo.Status)
	}

	orders, err = testDB.ListWorkOrderHistory(ctx, model.HistoryFilter{Since: &cutoff})
	require.NoError(t, err)
	seen := map[uuid.UUID]bool{}
	for _, wo := range orders {
		seen[wo.ID] = true
	}
	assert.True(t, seen[cancelledOrder.ID])
	assert.False(t, seen[completedOrder.ID])

	orders, err = testDB.ListWorkOrderHistory(ctx, model.HistoryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	// Newest first.
	orders, err = testDB.ListWorkOrderHistory(ctx, model.HistoryFilter{})
	require.NoError(t, err)
	for i := 1; i < len(orders); i++ {
		assert.False(t, orders[i].CompletedAt.After(*orders[i-1].CompletedAt))
	}
}

func TestPurgeSparesActiveOrders(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	active := createOrder(t, model.KindTournament, "purge-active")
	old := createOrder(t, model.KindTournament, "purge-old")
	require.NoError(t, testDB.CancelWorkOrder(ctx, old.ID, time.Now().UTC().Add(-48*time.Hour)))

	purged, err := testDB.PurgeWorkOrdersBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))

	_, err = testDB.GetWorkOrder(ctx, old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetWorkOrder(ctx, active.ID)
	assert.NoError(t, err)
}

func TestFailInterruptedWorkOrders(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	running := createOrder(t, model.KindTournament, "interrupted-running")
	require.NoError(t, testDB.StartWorkOrder(ctx, running.ID, time.Now().UTC()))
	pending := createOrder(t, model.KindTournament, "interrupted-pending")

	done := createOrder(t, model.KindTournament, "already-done")
	require.NoError(t, testDB.StartWorkOrder(ctx, done.ID, time.Now().UTC()))
	require.NoError(t, testDB.CompleteWorkOrder(ctx, done.ID, json.RawMessage(`{}`), time.Now().UTC()))

	n, err := testDB.FailInterruptedWorkOrders(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))

	// Both the running order and the never-started pending order lost
	// their goroutines with the old process; the sweep fails both.
	for _, id := range []uuid.UUID{running.ID, pending.ID} {
		got, err := testDB.GetWorkOrder(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, model.ReasonInterrupted, got.Error.Reason)
	}

	got, err := testDB.GetWorkOrder(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}
