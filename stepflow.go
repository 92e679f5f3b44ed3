// Package stepflow provides a top-level convenience entry point for
// embedding the workflow engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/mkarlic/stepflow"
//
//	sf, err := stepflow.New()
//	sf.RegisterFunc("fetch.orders", fetchOrders)
//	sf.MustAddWorkflow(workflow.NewBuilder("nightly-etl", "v1").
//	    Step("fetch", "fetch.orders").Done().
//	    Build())
//	run, err := sf.Run(ctx, "nightly-etl", "v1", nil)
//
// This wires a run store, both execution strategies, an event bus, and a
// coordinator behind one handle. Applications that need finer control
// over the components should assemble the coordinator, engine, and
// runstore packages directly, the way cmd/stepflow does.
package stepflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/coordinator"
	"github.com/mkarlic/stepflow/engine"
	"github.com/mkarlic/stepflow/events"
	"github.com/mkarlic/stepflow/registry"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/workflow"
)

// Option configures the runner created by [New].
type Option func(*options)

type options struct {
	store              runstore.Store
	logger             *zap.Logger
	strategy           runstore.Strategy
	bufferSize         int
	maxConcurrentSteps int64
}

// WithStore sets the run store. Defaults to an in-memory store, which
// makes stateful runs durable only for the process lifetime.
func WithStore(store runstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithLogger sets the zap logger shared by all components.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDefaultStrategy sets the strategy used when Run is not told one.
func WithDefaultStrategy(strategy runstore.Strategy) Option {
	return func(o *options) { o.strategy = strategy }
}

// WithEventBuffer sets the per-subscriber event channel capacity.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// WithMaxConcurrentSteps bounds concurrent step execution across runs.
func WithMaxConcurrentSteps(n int64) Option {
	return func(o *options) { o.maxConcurrentSteps = n }
}

// Runner bundles the registry, workflow library, event bus, and
// coordinator into one embeddable handle.
type Runner struct {
	registry *registry.Registry
	library  *workflow.Library
	bus      *events.Bus
	store    runstore.Store
	coord    *coordinator.Coordinator
}

// New creates a ready-to-use runner.
func New(opts ...Option) (*Runner, error) {
	o := options{
		logger:     zap.NewNop(),
		strategy:   runstore.StrategyStateful,
		bufferSize: events.DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = runstore.NewMemoryStore()
	}

	reg := registry.New(o.logger)
	bus := events.NewBus(o.bufferSize, o.logger)
	library := workflow.NewLibrary()

	engineCfg := engine.Config{
		Registry:           reg,
		Bus:                bus,
		Logger:             o.logger,
		Store:              o.store,
		MaxConcurrentSteps: o.maxConcurrentSteps,
	}
	sequential, err := engine.New(runstore.StrategySequential, engineCfg)
	if err != nil {
		return nil, err
	}
	stateful, err := engine.New(runstore.StrategyStateful, engineCfg)
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(coordinator.Config{
		Library:  library,
		Store:    o.store,
		Bus:      bus,
		Logger:   o.logger,
		Strategy: o.strategy,
		Engines: map[runstore.Strategy]engine.Engine{
			runstore.StrategySequential: sequential,
			runstore.StrategyStateful:   stateful,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Runner{
		registry: reg,
		library:  library,
		bus:      bus,
		store:    o.store,
		coord:    coord,
	}, nil
}

// RegisterFunc registers a capability backed by a plain function.
func (r *Runner) RegisterFunc(capability string, fn func(ctx context.Context, input any) (any, error)) error {
	return r.registry.Register(capability, registry.Func(capability, fn))
}

// Register registers a capability backed by an agent implementation.
func (r *Runner) Register(capability string, agent registry.Agent) error {
	return r.registry.Register(capability, agent)
}

// AddWorkflow adds a validated definition to the library.
func (r *Runner) AddWorkflow(def *workflow.Definition) {
	r.library.Add(def)
}

// MustAddWorkflow adds the definition from a Build result, panicking on
// a validation error. Intended for static definitions at startup.
func (r *Runner) MustAddWorkflow(def *workflow.Definition, err error) {
	if err != nil {
		panic(err)
	}
	r.library.Add(def)
}

// LoadWorkflows loads every definition file in dir into the library and
// returns how many were added.
func (r *Runner) LoadWorkflows(dir string) (int, error) {
	return r.library.LoadDir(dir)
}

// Start begins a run in the background and returns it immediately.
// An empty version resolves to the latest registered version, and an
// empty strategy uses the runner's default.
func (r *Runner) Start(ctx context.Context, name, version string, input any, strategy runstore.Strategy) (*runstore.Run, error) {
	return r.coord.Start(ctx, name, version, input, strategy)
}

// StartParallel starts a run under a logical key, letting runs with
// distinct keys execute in parallel for the same workflow identity.
func (r *Runner) StartParallel(ctx context.Context, name, version, runKey string, input any, strategy runstore.Strategy) (*runstore.Run, error) {
	return r.coord.StartParallel(ctx, name, version, runKey, input, strategy)
}

// Run starts a run and blocks until it reaches a terminal status,
// returning the final run state.
func (r *Runner) Run(ctx context.Context, name, version string, input any) (*runstore.Run, error) {
	// Subscribe before starting so the completion event cannot be
	// missed.
	sub := r.bus.Subscribe()
	defer r.bus.Unsubscribe(sub)

	run, err := r.coord.Start(ctx, name, version, input, "")
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				// Dropped as a slow subscriber; fall back to polling.
				return r.pollUntilTerminal(ctx, run.ID)
			}
			if ev.Type == events.EventRunCompleted && ev.RunID == run.ID {
				final, _, err := r.coord.Get(ctx, run.ID)
				return final, err
			}
		}
	}
}

func (r *Runner) pollUntilTerminal(ctx context.Context, runID string) (*runstore.Run, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, _, err := r.coord.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of an active run.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	return r.coord.Cancel(ctx, runID)
}

// Get returns a run and its step records.
func (r *Runner) Get(ctx context.Context, runID string) (*runstore.Run, []*runstore.StepRecord, error) {
	return r.coord.Get(ctx, runID)
}

// List lists runs matching the filter, newest first.
func (r *Runner) List(ctx context.Context, filter runstore.RunFilter) ([]*runstore.Run, error) {
	return r.coord.List(ctx, filter)
}

// Resume continues an interrupted stateful run.
func (r *Runner) Resume(ctx context.Context, runID string) (*runstore.Run, error) {
	return r.coord.Resume(ctx, runID)
}

// Subscribe returns a subscription receiving every run and step event.
// The caller must Unsubscribe when done.
func (r *Runner) Subscribe() *events.Subscription {
	return r.bus.Subscribe()
}

// Unsubscribe detaches a subscription obtained from Subscribe.
func (r *Runner) Unsubscribe(sub *events.Subscription) {
	r.bus.Unsubscribe(sub)
}

// Coordinator exposes the underlying coordinator for advanced use.
func (r *Runner) Coordinator() *coordinator.Coordinator {
	return r.coord
}

// Close cancels active runs, waits for them to drain, and releases the
// bus and store.
func (r *Runner) Close(ctx context.Context) error {
	err := r.coord.Shutdown(ctx)
	r.bus.Close()
	if cerr := r.store.Close(); err == nil {
		err = cerr
	}
	return err
}
