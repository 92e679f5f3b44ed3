// Package coordinator is the public entry point for starting, cancelling,
// and inspecting workflow runs. It enforces the at-most-one-active-run
// invariant per workflow identity and owns the background goroutines that
// drive the engines.
package coordinator

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/engine"
	"github.com/mkarlic/stepflow/events"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/types"
	"github.com/mkarlic/stepflow/workflow"
)

// Config carries the coordinator's collaborators.
type Config struct {
	Library  *workflow.Library
	Store    runstore.Store
	Bus      *events.Bus
	Logger   *zap.Logger
	Engines  map[runstore.Strategy]engine.Engine
	Strategy runstore.Strategy // default when the caller picks none
}

// Coordinator starts and tracks runs across both engine strategies.
type Coordinator struct {
	library         *workflow.Library
	store           runstore.Store
	bus             *events.Bus
	logger          *zap.Logger
	engines         map[runstore.Strategy]engine.Engine
	defaultStrategy runstore.Strategy

	// identityMu serializes the check-then-create window per workflow
	// identity. It is never held across an engine call or store I/O
	// beyond that window.
	identityMu sync.Mutex
	identities map[string]*sync.Mutex

	// mu guards the active-run bookkeeping below.
	mu      sync.Mutex
	active  map[string]string             // identity -> run ID
	cancels map[string]context.CancelFunc // run ID -> cancel
	wg      sync.WaitGroup
}

// New builds a coordinator. Engines for both strategies must be supplied.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Library == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "coordinator requires a workflow library")
	}
	if cfg.Store == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "coordinator requires a run store")
	}
	for _, strategy := range []runstore.Strategy{runstore.StrategySequential, runstore.StrategyStateful} {
		if cfg.Engines[strategy] == nil {
			return nil, types.NewErrorf(types.ErrInvalidRequest, "coordinator requires a %s engine", strategy)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(0, nil)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = runstore.StrategyStateful
	}
	return &Coordinator{
		library:         cfg.Library,
		store:           cfg.Store,
		bus:             cfg.Bus,
		logger:          cfg.Logger.With(zap.String("component", "coordinator")),
		engines:         cfg.Engines,
		defaultStrategy: cfg.Strategy,
		identities:      make(map[string]*sync.Mutex),
		active:          make(map[string]string),
		cancels:         make(map[string]context.CancelFunc),
	}, nil
}

// identityLock returns the mutex guarding one workflow identity.
func (c *Coordinator) identityLock(identity string) *sync.Mutex {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	mu, ok := c.identities[identity]
	if !ok {
		mu = &sync.Mutex{}
		c.identities[identity] = mu
	}
	return mu
}

// Start creates a run and begins executing it in the background. It
// returns a conflict error naming the active run when one already exists
// for the same workflow identity.
func (c *Coordinator) Start(ctx context.Context, workflowName, workflowVersion string, initialInput any, strategy runstore.Strategy) (*runstore.Run, error) {
	return c.start(ctx, workflowName, workflowVersion, "", initialInput, strategy)
}

// StartParallel starts a run under a caller-chosen logical key, opting
// out of the one-active-run rule for the base workflow identity. Runs
// sharing the same key still conflict with each other.
func (c *Coordinator) StartParallel(ctx context.Context, workflowName, workflowVersion, runKey string, initialInput any, strategy runstore.Strategy) (*runstore.Run, error) {
	if runKey == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "parallel start requires a run key")
	}
	return c.start(ctx, workflowName, workflowVersion, runKey, initialInput, strategy)
}

func (c *Coordinator) start(ctx context.Context, workflowName, workflowVersion, runKey string, initialInput any, strategy runstore.Strategy) (*runstore.Run, error) {
	if strategy == "" {
		strategy = c.defaultStrategy
	}
	eng, ok := c.engines[strategy]
	if !ok {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown engine strategy %q", strategy)
	}
	var def *workflow.Definition
	if workflowVersion == "" {
		def, ok = c.library.Latest(workflowName)
	} else {
		def, ok = c.library.Get(workflowName, workflowVersion)
	}
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "workflow %s@%s not found", workflowName, workflowVersion)
	}
	workflowName, workflowVersion = def.Name(), def.Version()

	identity := def.Identity()
	if runKey != "" {
		identity += "#" + runKey
	}
	lock := c.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	if conflictID, found := c.activeRunID(ctx, identity, workflowName, workflowVersion, runKey); found {
		return nil, types.NewErrorf(types.ErrRunConflict,
			"workflow %s already has an active run", identity).WithRunID(conflictID)
	}

	var opts []runstore.RunOption
	if runKey != "" {
		opts = append(opts, runstore.WithRunKey(runKey))
	}
	run, err := eng.NewRun(ctx, def, initialInput, opts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.active[identity] = run.ID
	c.cancels[run.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.execute(runCtx, eng, def, run.ID, identity, false)

	return run, nil
}

// execute drives one run in the background and releases its bookkeeping
// when it reaches a terminal status.
func (c *Coordinator) execute(ctx context.Context, eng engine.Engine, def *workflow.Definition, runID, identity string, resume bool) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.active[identity] == runID {
			delete(c.active, identity)
		}
		if cancel, ok := c.cancels[runID]; ok {
			delete(c.cancels, runID)
			cancel()
		}
		c.mu.Unlock()
	}()

	var err error
	if resume {
		_, err = eng.Resume(ctx, def, runID)
	} else {
		_, err = eng.Execute(ctx, def, runID)
	}
	if err != nil {
		c.logger.Error("run execution aborted",
			zap.String("run_id", runID),
			zap.String("workflow", identity),
			zap.Error(err),
		)
	}
}

// activeRunID checks both local bookkeeping and the durable store for an
// active run of the given identity. The local map covers sequential runs
// the durable store never sees.
func (c *Coordinator) activeRunID(ctx context.Context, identity, name, version, runKey string) (string, bool) {
	c.mu.Lock()
	runID, ok := c.active[identity]
	c.mu.Unlock()
	if ok {
		return runID, true
	}

	// The store answers base-identity lookups only; keyed runs conflict
	// solely within their own key, tracked by the local map above.
	if runKey != "" {
		return "", false
	}
	run, err := c.store.ActiveRun(ctx, name, version)
	if err == nil {
		return run.ID, true
	}
	return "", false
}

// Cancel requests cooperative cancellation of a run. Cancelling a run
// that is already terminal is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	cancel, ok := c.cancels[runID]
	c.mu.Unlock()
	if ok {
		c.logger.Info("cancelling run", zap.String("run_id", runID))
		cancel()
		return nil
	}

	// Not running here: confirm it exists at all before reporting ok.
	run, _, err := c.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return nil
	}
	// Known but not driven by this process: an interrupted stateful run
	// awaiting recovery. Mark it cancelled directly.
	if err := c.store.UpdateRunStatus(ctx, runID, runstore.RunStatusCancelled, "run cancelled"); err != nil {
		return types.NewError(types.ErrStoreError, "cancelling run").WithCause(err).WithRunID(runID)
	}
	return nil
}

// Get returns a run with its step records, whichever engine owns it.
func (c *Coordinator) Get(ctx context.Context, runID string) (*runstore.Run, []*runstore.StepRecord, error) {
	var lastErr error
	for _, eng := range []engine.Engine{
		c.engines[runstore.StrategyStateful],
		c.engines[runstore.StrategySequential],
	} {
		run, records, err := eng.Snapshot(ctx, runID)
		if err == nil {
			return run, records, nil
		}
		lastErr = err
		if !types.IsCode(err, types.ErrNotFound) {
			return nil, nil, err
		}
	}
	return nil, nil, lastErr
}

// List returns runs from both engines merged newest first.
func (c *Coordinator) List(ctx context.Context, filter runstore.RunFilter) ([]*runstore.Run, error) {
	stateful, err := c.engines[runstore.StrategyStateful].ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	sequential, err := c.engines[runstore.StrategySequential].ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}

	merged := append(stateful, sequential...)
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if filter.Limit > 0 && len(merged) > filter.Limit {
		merged = merged[:filter.Limit]
	}
	return merged, nil
}

// Resume continues one interrupted stateful run in the background.
func (c *Coordinator) Resume(ctx context.Context, runID string) (*runstore.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err == runstore.ErrNotFound {
		return nil, types.NewErrorf(types.ErrNotFound, "run %s not found", runID).WithRunID(runID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreError, "loading run").WithCause(err).WithRunID(runID)
	}
	if run.Strategy != runstore.StrategyStateful {
		return nil, types.NewErrorf(types.ErrNotResumable,
			"run %s uses the %s strategy and cannot be resumed", runID, run.Strategy).WithRunID(runID)
	}
	if run.IsTerminal() {
		return run, nil
	}
	def, ok := c.library.Get(run.WorkflowName, run.WorkflowVersion)
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound,
			"workflow %s not loaded, cannot resume run %s", run.Identity(), runID).WithRunID(runID)
	}

	identity := run.Identity()
	lock := c.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	if activeID, busy := c.active[identity]; busy {
		c.mu.Unlock()
		if activeID == runID {
			return run, nil
		}
		return nil, types.NewErrorf(types.ErrRunConflict,
			"workflow %s already has an active run", identity).WithRunID(activeID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.active[identity] = run.ID
	c.cancels[run.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.execute(runCtx, c.engines[runstore.StrategyStateful], def, run.ID, identity, true)

	return run, nil
}

// RecoverAll resumes every interrupted stateful run found in the store.
// Called once at startup, after workflows are loaded. Returns the number
// of runs resumed.
func (c *Coordinator) RecoverAll(ctx context.Context) (int, error) {
	runs, err := c.store.GetResumableRuns(ctx)
	if err != nil {
		return 0, types.NewError(types.ErrStoreError, "listing resumable runs").WithCause(err)
	}

	resumed := 0
	for _, run := range runs {
		if _, err := c.Resume(ctx, run.ID); err != nil {
			c.logger.Warn("skipping unresumable run",
				zap.String("run_id", run.ID),
				zap.String("workflow", run.Identity()),
				zap.Error(err),
			)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		c.logger.Info("recovered interrupted runs", zap.Int("count", resumed))
	}
	return resumed, nil
}

// Wait blocks until every background run this coordinator started has
// finished. Used by tests and graceful shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown cancels all active runs and waits for their loops to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
