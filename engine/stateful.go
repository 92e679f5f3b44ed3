package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/types"
	"github.com/mkarlic/stepflow/workflow"
)

// statefulEngine writes every transition through to the durable store
// before the scheduling loop proceeds, so a crashed process can
// reconstruct the exact run state and continue.
type statefulEngine struct {
	*core
}

func newStatefulEngine(cfg Config) *statefulEngine {
	return &statefulEngine{
		core: newCore(runstore.StrategyStateful, cfg.Store, cfg),
	}
}

// Resume reloads an interrupted run and drives it to completion. A step
// that was mid-flight when the process died is rolled back to pending
// with its attempt count rewound, so the re-executed attempt lands on the
// same number it had before the crash.
func (e *statefulEngine) Resume(ctx context.Context, def *workflow.Definition, runID string) (*runstore.Run, error) {
	run, records, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Strategy != runstore.StrategyStateful {
		return nil, types.NewErrorf(types.ErrNotResumable,
			"run %s uses the %s strategy and cannot be resumed", runID, run.Strategy).WithRunID(runID)
	}
	if run.IsTerminal() {
		return run, nil
	}
	if run.Identity() != def.Identity() {
		return nil, types.NewErrorf(types.ErrInvalidRequest,
			"run %s belongs to %s, not %s", runID, run.Identity(), def.Identity()).WithRunID(runID)
	}

	rolledBack := 0
	for _, rec := range records {
		switch rec.Status {
		case runstore.StepStatusRunning, runstore.StepStatusEligible:
			attempt := rec.Attempts
			if rec.Status == runstore.StepStatusRunning && attempt > 0 {
				attempt--
			}
			if err := e.applyStep(run, rec, runstore.StepMutation{
				Attempt: attempt,
				Status:  runstore.StepStatusPending,
				Error:   rec.LastError,
			}); err != nil {
				return nil, err
			}
			rolledBack++
		}
	}
	e.logger.Info("resuming run",
		zap.String("run_id", runID),
		zap.Int("rolled_back_steps", rolledBack),
	)
	return e.drive(ctx, def, run, records)
}
