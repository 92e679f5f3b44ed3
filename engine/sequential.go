package engine

import (
	"context"

	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/types"
	"github.com/mkarlic/stepflow/workflow"
)

// sequentialEngine keeps all run state in a private in-process store.
// Runs are visible through Snapshot while the process lives but do not
// survive a restart, so Resume always refuses.
type sequentialEngine struct {
	*core
}

func newSequentialEngine(cfg Config) *sequentialEngine {
	return &sequentialEngine{
		core: newCore(runstore.StrategySequential, runstore.NewMemoryStore(), cfg),
	}
}

func (e *sequentialEngine) Resume(ctx context.Context, def *workflow.Definition, runID string) (*runstore.Run, error) {
	return nil, types.NewErrorf(types.ErrNotResumable,
		"run %s uses the sequential strategy and cannot be resumed", runID).WithRunID(runID)
}
