// Package engine schedules and executes workflow runs.
//
// An Engine drives one run at a time per call but is safe for concurrent
// use, so the coordinator can execute many runs in parallel against the
// same instance. Two strategies exist behind the one interface: the
// sequential engine keeps all run state in process memory and cannot be
// resumed, while the stateful engine writes every transition through to a
// durable store before scheduling continues, making runs resumable after
// a crash.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mkarlic/stepflow/events"
	"github.com/mkarlic/stepflow/registry"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/types"
	"github.com/mkarlic/stepflow/workflow"
)

const (
	// DefaultMaxConcurrentSteps bounds step fan-out across all runs
	// sharing one engine.
	DefaultMaxConcurrentSteps = 16

	// DefaultCapabilityRecheck is how often the scheduler re-polls the
	// registry for a capability that was unresolved at dispatch time.
	DefaultCapabilityRecheck = 500 * time.Millisecond
)

// Engine executes workflow runs under one strategy.
type Engine interface {
	// Strategy reports which execution strategy this engine implements.
	Strategy() runstore.Strategy

	// NewRun creates a run with pending step records for every step of
	// the definition. It does not start execution.
	NewRun(ctx context.Context, def *workflow.Definition, initialInput any, opts ...runstore.RunOption) (*runstore.Run, error)

	// Execute drives a run created by NewRun to a terminal status and
	// returns the final run. Cancelling ctx stops new dispatches; steps
	// already in flight complete naturally and their results are
	// recorded.
	Execute(ctx context.Context, def *workflow.Definition, runID string) (*runstore.Run, error)

	// Resume continues an interrupted run from its persisted state.
	// Only stateful runs are resumable.
	Resume(ctx context.Context, def *workflow.Definition, runID string) (*runstore.Run, error)

	// Snapshot returns the current run and step records.
	Snapshot(ctx context.Context, runID string) (*runstore.Run, []*runstore.StepRecord, error)

	// ListRuns lists this engine's runs, newest first.
	ListRuns(ctx context.Context, filter runstore.RunFilter) ([]*runstore.Run, error)
}

// Config carries the collaborators an engine needs.
type Config struct {
	Registry *registry.Registry
	Bus      *events.Bus
	Logger   *zap.Logger
	Tracer   trace.Tracer

	// Store receives write-through state for the stateful strategy.
	// The sequential engine ignores it and uses a private memory store.
	Store runstore.Store

	// MaxConcurrentSteps bounds concurrent agent invocations across all
	// runs. Zero means DefaultMaxConcurrentSteps.
	MaxConcurrentSteps int64

	// DefaultStepTimeout applies to steps that declare no timeout of
	// their own. Zero means no timeout.
	DefaultStepTimeout time.Duration

	// CapabilityRecheck is the poll interval for unresolved
	// capabilities. Zero means DefaultCapabilityRecheck.
	CapabilityRecheck time.Duration
}

// New builds an engine for the given strategy.
func New(strategy runstore.Strategy, cfg Config) (Engine, error) {
	if cfg.Registry == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "engine requires a registry")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(0, nil)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/mkarlic/stepflow/engine")
	}
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	if cfg.CapabilityRecheck <= 0 {
		cfg.CapabilityRecheck = DefaultCapabilityRecheck
	}

	switch strategy {
	case runstore.StrategySequential:
		return newSequentialEngine(cfg), nil
	case runstore.StrategyStateful:
		if cfg.Store == nil {
			return nil, types.NewError(types.ErrInvalidRequest, "stateful engine requires a store")
		}
		return newStatefulEngine(cfg), nil
	default:
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown engine strategy %q", strategy)
	}
}

func newCore(strategy runstore.Strategy, store runstore.Store, cfg Config) *core {
	return &core{
		strategy:       strategy,
		store:          store,
		registry:       cfg.Registry,
		bus:            cfg.Bus,
		tracer:         cfg.Tracer,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrentSteps),
		defaultTimeout: cfg.DefaultStepTimeout,
		recheck:        cfg.CapabilityRecheck,
		logger: cfg.Logger.With(
			zap.String("component", "engine"),
			zap.String("strategy", string(strategy)),
		),
	}
}
