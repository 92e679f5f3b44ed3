package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/engine"
	"github.com/mkarlic/stepflow/registry"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/types"
	"github.com/mkarlic/stepflow/workflow"
)

type fixture struct {
	coord *Coordinator
	store runstore.Store
	reg   *registry.Registry
	lib   *workflow.Library
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := runstore.NewMemoryStore()
	reg := registry.New(zap.NewNop())
	lib := workflow.NewLibrary()

	engines := make(map[runstore.Strategy]engine.Engine)
	for _, strategy := range []runstore.Strategy{runstore.StrategySequential, runstore.StrategyStateful} {
		eng, err := engine.New(strategy, engine.Config{
			Registry:          reg,
			Store:             store,
			Logger:            zap.NewNop(),
			CapabilityRecheck: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		engines[strategy] = eng
	}

	coord, err := New(Config{
		Library: lib,
		Store:   store,
		Logger:  zap.NewNop(),
		Engines: engines,
	})
	require.NoError(t, err)
	return &fixture{coord: coord, store: store, reg: reg, lib: lib}
}

func (f *fixture) addWorkflow(t *testing.T, name string, capability string) {
	t.Helper()
	def, err := workflow.NewBuilder(name, "v1").
		Step("a", capability).WithRetry(workflow.RetryPolicy{
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	}).Done().
		Build()
	require.NoError(t, err)
	f.lib.Add(def)
}

func waitTerminal(t *testing.T, coord *Coordinator, runID string) *runstore.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, _, err := coord.Get(context.Background(), runID)
		require.NoError(t, err)
		if run.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status", runID)
	return nil
}

func TestCoordinator_StartToCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("c.ok", registry.Func("ok", func(ctx context.Context, input any) (any, error) {
		return "done", nil
	})))
	f.addWorkflow(t, "simple", "c.ok")

	for _, strategy := range []runstore.Strategy{runstore.StrategySequential, runstore.StrategyStateful} {
		run, err := f.coord.Start(context.Background(), "simple", "v1", "in", strategy)
		require.NoError(t, err)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, strategy, run.Strategy)

		final := waitTerminal(t, f.coord, run.ID)
		assert.Equal(t, runstore.RunStatusSucceeded, final.Status)

		_, records, err := f.coord.Get(context.Background(), run.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "done", records[0].Output)
	}
}

func TestCoordinator_StartUnknownWorkflow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.coord.Start(context.Background(), "ghost", "v1", nil, "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCoordinator_DuplicateRunConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	require.NoError(t, f.reg.Register("c.block", registry.Func("block", func(ctx context.Context, input any) (any, error) {
		<-release
		return "ok", nil
	})))
	f.addWorkflow(t, "guarded", "c.block")

	first, err := f.coord.Start(context.Background(), "guarded", "v1", nil, runstore.StrategyStateful)
	require.NoError(t, err)

	_, err = f.coord.Start(context.Background(), "guarded", "v1", nil, runstore.StrategyStateful)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRunConflict))
	var cErr *types.Error
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, first.ID, cErr.RunID)

	close(release)
	waitTerminal(t, f.coord, first.ID)

	// A terminal run no longer blocks a new start.
	second, err := f.coord.Start(context.Background(), "guarded", "v1", nil, runstore.StrategyStateful)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	waitTerminal(t, f.coord, second.ID)
}

func TestCoordinator_StartParallelWithDistinctKeys(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	require.NoError(t, f.reg.Register("c.block", registry.Func("block", func(ctx context.Context, input any) (any, error) {
		<-release
		return "ok", nil
	})))
	f.addWorkflow(t, "keyed", "c.block")

	base, err := f.coord.Start(context.Background(), "keyed", "v1", nil, runstore.StrategyStateful)
	require.NoError(t, err)

	// Distinct keys coexist with the keyless run and with each other.
	tenantA, err := f.coord.StartParallel(context.Background(), "keyed", "v1", "tenant-a", nil, runstore.StrategyStateful)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantA.RunKey)
	assert.Equal(t, "keyed@v1#tenant-a", tenantA.Identity())

	tenantB, err := f.coord.StartParallel(context.Background(), "keyed", "v1", "tenant-b", nil, runstore.StrategyStateful)
	require.NoError(t, err)
	assert.NotEqual(t, tenantA.ID, tenantB.ID)

	// The same key still conflicts with itself.
	_, err = f.coord.StartParallel(context.Background(), "keyed", "v1", "tenant-a", nil, runstore.StrategyStateful)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRunConflict))

	// And the keyless identity still guards itself.
	_, err = f.coord.Start(context.Background(), "keyed", "v1", nil, runstore.StrategyStateful)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRunConflict))

	close(release)
	for _, id := range []string{base.ID, tenantA.ID, tenantB.ID} {
		final := waitTerminal(t, f.coord, id)
		assert.Equal(t, runstore.RunStatusSucceeded, final.Status)
	}
}

func TestCoordinator_KeyedRunDoesNotBlockKeylessStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	require.NoError(t, f.reg.Register("c.block", registry.Func("block", func(ctx context.Context, input any) (any, error) {
		<-release
		return "ok", nil
	})))
	f.addWorkflow(t, "mixed", "c.block")

	keyed, err := f.coord.StartParallel(context.Background(), "mixed", "v1", "backfill", nil, runstore.StrategyStateful)
	require.NoError(t, err)

	// A keyed stateful run sits active in the store, but it must not
	// satisfy the keyless identity's conflict check.
	keyless, err := f.coord.Start(context.Background(), "mixed", "v1", nil, runstore.StrategyStateful)
	require.NoError(t, err)
	assert.Empty(t, keyless.RunKey)

	close(release)
	waitTerminal(t, f.coord, keyed.ID)
	waitTerminal(t, f.coord, keyless.ID)
}

func TestCoordinator_StartParallelRequiresKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.coord.StartParallel(context.Background(), "any", "v1", "", nil, "")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestCoordinator_ConcurrentStartsOneWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	require.NoError(t, f.reg.Register("c.block", registry.Func("block", func(ctx context.Context, input any) (any, error) {
		<-release
		return "ok", nil
	})))
	f.addWorkflow(t, "raced", "c.block")

	const starters = 8
	var created, conflicted int32
	var wg sync.WaitGroup
	var winner atomic.Value
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := f.coord.Start(context.Background(), "raced", "v1", nil, runstore.StrategyStateful)
			if err == nil {
				atomic.AddInt32(&created, 1)
				winner.Store(run.ID)
				return
			}
			if types.IsCode(err, types.ErrRunConflict) {
				atomic.AddInt32(&conflicted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&created))
	assert.Equal(t, int32(starters-1), atomic.LoadInt32(&conflicted))

	close(release)
	waitTerminal(t, f.coord, winner.Load().(string))
}

func TestCoordinator_Cancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, f.reg.Register("c.slow", registry.Func("slow", func(ctx context.Context, input any) (any, error) {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		return "ok", nil
	})))

	def, err := workflow.NewBuilder("cancellable", "v1").
		Step("a", "c.slow").Done().
		Step("b", "c.slow").DependsOn("a").Done().
		Build()
	require.NoError(t, err)
	f.lib.Add(def)

	run, err := f.coord.Start(context.Background(), "cancellable", "v1", nil, runstore.StrategyStateful)
	require.NoError(t, err)

	<-started
	require.NoError(t, f.coord.Cancel(context.Background(), run.ID))

	final := waitTerminal(t, f.coord, run.ID)
	assert.Equal(t, runstore.RunStatusCancelled, final.Status)

	// Cancelling a terminal run is a no-op.
	assert.NoError(t, f.coord.Cancel(context.Background(), run.ID))

	// Unknown runs report not found.
	err = f.coord.Cancel(context.Background(), "ghost")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCoordinator_GetNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, _, err := f.coord.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCoordinator_ListMergesStrategies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("c.ok", registry.Func("ok", func(ctx context.Context, input any) (any, error) {
		return "done", nil
	})))
	f.addWorkflow(t, "alpha", "c.ok")
	f.addWorkflow(t, "beta", "c.ok")

	seqRun, err := f.coord.Start(context.Background(), "alpha", "v1", nil, runstore.StrategySequential)
	require.NoError(t, err)
	stateRun, err := f.coord.Start(context.Background(), "beta", "v1", nil, runstore.StrategyStateful)
	require.NoError(t, err)
	waitTerminal(t, f.coord, seqRun.ID)
	waitTerminal(t, f.coord, stateRun.ID)

	runs, err := f.coord.List(context.Background(), runstore.RunFilter{})
	require.NoError(t, err)
	ids := make(map[string]bool, len(runs))
	for _, r := range runs {
		ids[r.ID] = true
	}
	assert.True(t, ids[seqRun.ID])
	assert.True(t, ids[stateRun.ID])

	byWorkflow, err := f.coord.List(context.Background(), runstore.RunFilter{Workflow: "alpha"})
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)
	assert.Equal(t, seqRun.ID, byWorkflow[0].ID)
}

func TestCoordinator_RecoverAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("c.ok", registry.Func("ok", func(ctx context.Context, input any) (any, error) {
		return "recovered", nil
	})))
	f.addWorkflow(t, "durable", "c.ok")

	// State a crash would leave behind: a running stateful run with its
	// only step still mid-flight.
	ctx := context.Background()
	interrupted := &runstore.Run{
		ID:              "run-interrupted",
		WorkflowName:    "durable",
		WorkflowVersion: "v1",
		Status:          runstore.RunStatusRunning,
		Strategy:        runstore.StrategyStateful,
		CreatedAt:       time.Now().Add(-time.Minute),
	}
	now := time.Now()
	require.NoError(t, f.store.CreateRun(ctx, interrupted, []*runstore.StepRecord{
		{RunID: interrupted.ID, StepID: "a", Status: runstore.StepStatusRunning, Attempts: 1, StartedAt: &now},
	}))

	resumed, err := f.coord.RecoverAll(ctx)
	require.NoError(t, err)

	// The memory store does not report resumable runs (nothing survives
	// a restart in memory), so drive Resume directly as well.
	if resumed == 0 {
		_, err = f.coord.Resume(ctx, interrupted.ID)
		require.NoError(t, err)
	}

	final := waitTerminal(t, f.coord, interrupted.ID)
	assert.Equal(t, runstore.RunStatusSucceeded, final.Status)

	_, records, err := f.coord.Get(ctx, interrupted.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "recovered", records[0].Output)
	assert.Equal(t, 1, records[0].Attempts)
}

func TestCoordinator_ResumeRejectsUnknownRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.coord.Resume(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCoordinator_Shutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("c.slow", registry.Func("slow", func(ctx context.Context, input any) (any, error) {
		time.Sleep(30 * time.Millisecond)
		return "ok", nil
	})))
	f.addWorkflow(t, "shutdownable", "c.slow")

	_, err := f.coord.Start(context.Background(), "shutdownable", "v1", nil, runstore.StrategyStateful)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, f.coord.Shutdown(ctx))
}
