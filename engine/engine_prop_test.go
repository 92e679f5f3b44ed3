package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/registry"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/workflow"
)

func TestProperty_AttemptCountNeverExceedsMax(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40

	properties := gopter.NewProperties(parameters)

	properties.Property("attempts stay within max_attempts for any failure count", prop.ForAll(
		func(maxAttempts int, failures int) bool {
			reg := registry.New(zap.NewNop())
			var mu sync.Mutex
			calls := 0
			_ = reg.Register("prop.cap", registry.Func("prop", func(ctx context.Context, input any) (any, error) {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n <= failures {
					return nil, errors.New("induced failure")
				}
				return "ok", nil
			}))

			retry := workflow.RetryPolicy{
				MaxAttempts: maxAttempts,
				BackoffBase: time.Millisecond,
				BackoffCap:  2 * time.Millisecond,
			}
			def, err := workflow.NewBuilder("prop", "v1").
				Step("s", "prop.cap").WithRetry(retry).Done().
				Build()
			if err != nil {
				return false
			}

			eng, err := New(runstore.StrategyStateful, Config{
				Registry:          reg,
				Store:             runstore.NewMemoryStore(),
				Logger:            zap.NewNop(),
				CapabilityRecheck: 5 * time.Millisecond,
			})
			if err != nil {
				return false
			}

			ctx := context.Background()
			run, err := eng.NewRun(ctx, def, nil)
			if err != nil {
				return false
			}
			final, err := eng.Execute(ctx, def, run.ID)
			if err != nil {
				return false
			}

			_, recs, err := eng.Snapshot(ctx, run.ID)
			if err != nil || len(recs) != 1 {
				return false
			}
			rec := recs[0]

			if rec.Attempts > maxAttempts {
				t.Logf("attempts %d exceeded max %d", rec.Attempts, maxAttempts)
				return false
			}
			if !rec.Status.IsTerminal() {
				t.Logf("step left non-terminal: %s", rec.Status)
				return false
			}
			if failures >= maxAttempts {
				return rec.Status == runstore.StepStatusFailed &&
					rec.Attempts == maxAttempts &&
					final.Status == runstore.RunStatusFailed
			}
			return rec.Status == runstore.StepStatusSucceeded &&
				rec.Attempts == failures+1 &&
				final.Status == runstore.RunStatusSucceeded
		},
		gen.IntRange(1, 4),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

func TestProperty_DependenciesCompleteBeforeDispatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("a step is only invoked after all dependencies finished", prop.ForAll(
		func(width int, depth int) bool {
			// Layered DAG: every step in layer n depends on all steps in
			// layer n-1, which makes the expected ordering easy to state.
			var finished sync.Map
			var violatedMu sync.Mutex
			violated := false

			reg := registry.New(zap.NewNop())
			builder := workflow.NewBuilder("layered", "v1")

			var prevLayer []string
			for d := 0; d < depth; d++ {
				var layer []string
				for w := 0; w < width; w++ {
					id := fmt.Sprintf("l%dw%d", d, w)
					layer = append(layer, id)
					deps := prevLayer
					stepID := id
					_ = reg.Register("cap."+id, registry.Func(id, func(ctx context.Context, input any) (any, error) {
						for _, dep := range deps {
							if _, ok := finished.Load(dep); !ok {
								violatedMu.Lock()
								violated = true
								violatedMu.Unlock()
							}
						}
						time.Sleep(time.Millisecond)
						finished.Store(stepID, true)
						return stepID, nil
					}))
					sb := builder.Step(id, "cap."+id)
					if len(prevLayer) > 0 {
						sb = sb.DependsOn(prevLayer...)
					}
					builder = sb.Done()
				}
				prevLayer = layer
			}

			def, err := builder.Build()
			if err != nil {
				return false
			}

			eng, err := New(runstore.StrategySequential, Config{
				Registry: reg,
				Logger:   zap.NewNop(),
			})
			if err != nil {
				return false
			}

			ctx := context.Background()
			run, err := eng.NewRun(ctx, def, nil)
			if err != nil {
				return false
			}
			final, err := eng.Execute(ctx, def, run.ID)
			if err != nil {
				return false
			}

			violatedMu.Lock()
			defer violatedMu.Unlock()
			return !violated && final.Status == runstore.RunStatusSucceeded
		},
		gen.IntRange(1, 3),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}
