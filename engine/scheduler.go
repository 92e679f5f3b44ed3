package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mkarlic/stepflow/events"
	"github.com/mkarlic/stepflow/registry"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/types"
	"github.com/mkarlic/stepflow/workflow"
)

// core is the scheduling loop shared by both strategies. The store seam
// is what separates them: sequential uses a private memory store, stateful
// writes through to durable storage.
type core struct {
	strategy       runstore.Strategy
	store          runstore.Store
	registry       *registry.Registry
	bus            *events.Bus
	tracer         trace.Tracer
	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	recheck        time.Duration
	logger         *zap.Logger
}

func (c *core) Strategy() runstore.Strategy { return c.strategy }

// NewRun creates a run with one pending step record per definition step.
func (c *core) NewRun(ctx context.Context, def *workflow.Definition, initialInput any, opts ...runstore.RunOption) (*runstore.Run, error) {
	run := &runstore.Run{
		ID:              runstore.NewRunID(),
		WorkflowName:    def.Name(),
		WorkflowVersion: def.Version(),
		Status:          runstore.RunStatusPending,
		Strategy:        c.strategy,
		InitialInput:    initialInput,
		CreatedAt:       time.Now(),
	}
	for _, opt := range opts {
		opt(run)
	}
	records := make([]*runstore.StepRecord, 0, def.Len())
	for _, id := range def.StepIDs() {
		records = append(records, &runstore.StepRecord{
			RunID:  run.ID,
			StepID: id,
			Status: runstore.StepStatusPending,
		})
	}
	if err := c.store.CreateRun(ctx, run, records); err != nil {
		return nil, types.NewError(types.ErrStoreError, "creating run").WithCause(err).WithRunID(run.ID)
	}

	c.bus.Publish(events.Event{
		Type:            events.EventRunCreated,
		RunID:           run.ID,
		WorkflowName:    run.WorkflowName,
		WorkflowVersion: run.WorkflowVersion,
		Strategy:        string(run.Strategy),
		RunStatus:       string(run.Status),
	})
	c.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Identity()),
	)
	return run, nil
}

// Execute drives a run to a terminal status.
func (c *core) Execute(ctx context.Context, def *workflow.Definition, runID string) (*runstore.Run, error) {
	run, records, err := c.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.IsTerminal() {
		return run, nil
	}
	if run.WorkflowName != def.Name() || run.WorkflowVersion != def.Version() {
		return nil, types.NewErrorf(types.ErrInvalidRequest,
			"run %s belongs to %s, not %s", runID, run.Identity(), def.Identity()).WithRunID(runID)
	}
	return c.drive(ctx, def, run, records)
}

// Snapshot returns the current run and step records.
func (c *core) Snapshot(ctx context.Context, runID string) (*runstore.Run, []*runstore.StepRecord, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err == runstore.ErrNotFound {
		return nil, nil, types.NewErrorf(types.ErrNotFound, "run %s not found", runID).WithRunID(runID)
	}
	if err != nil {
		return nil, nil, types.NewError(types.ErrStoreError, "loading run").WithCause(err).WithRunID(runID)
	}
	list, err := c.store.GetStepRecords(ctx, runID)
	if err != nil {
		return nil, nil, types.NewError(types.ErrStoreError, "loading step records").WithCause(err).WithRunID(runID)
	}
	return run, list, nil
}

// ListRuns lists this engine's runs, newest first.
func (c *core) ListRuns(ctx context.Context, filter runstore.RunFilter) ([]*runstore.Run, error) {
	runs, err := c.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, types.NewError(types.ErrStoreError, "listing runs").WithCause(err)
	}
	return runs, nil
}

func (c *core) load(ctx context.Context, runID string) (*runstore.Run, map[string]*runstore.StepRecord, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err == runstore.ErrNotFound {
		return nil, nil, types.NewErrorf(types.ErrNotFound, "run %s not found", runID).WithRunID(runID)
	}
	if err != nil {
		return nil, nil, types.NewError(types.ErrStoreError, "loading run").WithCause(err).WithRunID(runID)
	}
	list, err := c.store.GetStepRecords(ctx, runID)
	if err != nil {
		return nil, nil, types.NewError(types.ErrStoreError, "loading step records").WithCause(err).WithRunID(runID)
	}
	records := make(map[string]*runstore.StepRecord, len(list))
	for _, rec := range list {
		records[rec.StepID] = rec
	}
	return run, records, nil
}

// stepResult is what an invocation goroutine reports back to the loop.
type stepResult struct {
	stepID    string
	attempt   int
	output    any
	err       error
	startedAt time.Time
	endedAt   time.Time
}

// drive runs the scheduling loop until every step record is terminal or
// the run is cancelled. It owns all writes for the run; invocation
// goroutines only report results over the channel.
func (c *core) drive(ctx context.Context, def *workflow.Definition, run *runstore.Run, records map[string]*runstore.StepRecord) (*runstore.Run, error) {
	if err := c.setRunStatus(run, runstore.RunStatusRunning, ""); err != nil {
		return nil, err
	}

	results := make(chan stepResult)
	retryAt := make(map[string]time.Time)
	inFlight := 0
	cancelled := ctx.Err() != nil
	doneC := ctx.Done()
	if cancelled {
		doneC = nil
	}

	for {
		if !cancelled {
			dispatched, err := c.dispatchPass(ctx, def, run, records, retryAt, results)
			inFlight += dispatched
			if err != nil {
				go drainInFlight(results, inFlight)
				return nil, err
			}
		}

		if inFlight == 0 && (cancelled || allTerminal(records)) {
			break
		}

		// With nothing in flight the loop still wakes periodically so
		// an elapsed backoff or a late capability registration gets a
		// fresh pass.
		var timer *time.Timer
		var timerC <-chan time.Time
		if !cancelled {
			wake := c.recheck
			if next, ok := earliestRetry(retryAt); ok {
				if until := time.Until(next); until < wake {
					wake = until
				}
			}
			if wake < time.Millisecond {
				wake = time.Millisecond
			}
			timer = time.NewTimer(wake)
			timerC = timer.C
		}

		select {
		case res := <-results:
			inFlight--
			if err := c.handleResult(def, run, records, retryAt, res); err != nil {
				stopTimer(timer)
				go drainInFlight(results, inFlight)
				return nil, err
			}
		case <-timerC:
		case <-doneC:
			cancelled = true
			doneC = nil
			c.logger.Info("run cancellation requested",
				zap.String("run_id", run.ID),
				zap.Int("in_flight", inFlight),
			)
		}
		stopTimer(timer)
	}

	status, lastErr := finalStatus(def, records, cancelled)
	if err := c.setRunStatus(run, status, lastErr); err != nil {
		return nil, err
	}

	c.bus.Publish(events.Event{
		Type:            events.EventRunCompleted,
		RunID:           run.ID,
		WorkflowName:    run.WorkflowName,
		WorkflowVersion: run.WorkflowVersion,
		Strategy:        string(run.Strategy),
		RunStatus:       string(run.Status),
		Duration:        run.Duration(),
	})
	c.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Duration("duration", run.Duration()),
	)
	return run.Clone(), nil
}

// dispatchPass marks newly eligible steps and dispatches every eligible
// step whose capability resolves and whose backoff has elapsed. Returns
// the number of invocations started.
func (c *core) dispatchPass(ctx context.Context, def *workflow.Definition, run *runstore.Run, records map[string]*runstore.StepRecord, retryAt map[string]time.Time, results chan<- stepResult) (int, error) {
	dispatched := 0
	now := time.Now()

	for _, step := range def.Steps() {
		rec := records[step.ID]
		if rec.Status != runstore.StepStatusPending && rec.Status != runstore.StepStatusEligible {
			continue
		}
		if !depsSatisfied(step, records) {
			continue
		}
		if at, waiting := retryAt[step.ID]; waiting && now.Before(at) {
			continue
		}

		if rec.Status == runstore.StepStatusPending {
			if err := c.applyStep(run, rec, runstore.StepMutation{
				Attempt: rec.Attempts,
				Status:  runstore.StepStatusEligible,
				Error:   rec.LastError,
			}); err != nil {
				return dispatched, err
			}
		}

		agent, err := c.registry.Resolve(step.Capability)
		if err != nil {
			// Transient: the step stays eligible and the next pass
			// retries resolution without consuming an attempt.
			c.logger.Debug("capability unresolved, will recheck",
				zap.String("run_id", run.ID),
				zap.String("step_id", step.ID),
				zap.String("capability", step.Capability),
			)
			continue
		}

		input, err := step.Input.Resolve(step, run.InitialInput, succeededOutputs(step, records))
		if err != nil {
			// A bad mapping is not retryable; fail the step outright.
			if err := c.resolveFailure(def, run, records, retryAt, rec, step, rec.Attempts+1, err, now, now); err != nil {
				return dispatched, err
			}
			continue
		}

		delete(retryAt, step.ID)
		attempt := rec.Attempts + 1
		started := time.Now()
		if err := c.applyStep(run, rec, runstore.StepMutation{
			Attempt:   attempt,
			Status:    runstore.StepStatusRunning,
			StartedAt: &started,
		}); err != nil {
			return dispatched, err
		}

		dispatched++
		go c.invoke(run, step, agent, input, attempt, started, results)
	}
	return dispatched, nil
}

// invoke runs one agent attempt and reports the outcome. The invocation
// context carries the step timeout but not the run's cancel signal, so
// cancelling a run lets in-flight work finish naturally.
func (c *core) invoke(run *runstore.Run, step workflow.Step, agent registry.Agent, input any, attempt int, started time.Time, results chan<- stepResult) {
	_ = c.sem.Acquire(context.Background(), 1)
	defer c.sem.Release(1)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	invokeCtx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		invokeCtx, cancel = context.WithTimeout(invokeCtx, timeout)
		defer cancel()
	}

	invokeCtx, span := c.tracer.Start(invokeCtx, "step.execute",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("step.id", step.ID),
			attribute.String("step.capability", step.Capability),
			attribute.Int("step.attempt", attempt),
		))
	defer span.End()

	output, err := c.invokeGuarded(invokeCtx, agent, input, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	results <- stepResult{
		stepID:    step.ID,
		attempt:   attempt,
		output:    output,
		err:       err,
		startedAt: started,
		endedAt:   time.Now(),
	}
}

// invokeGuarded calls the agent in its own goroutine so a step that
// ignores its context still times out from the scheduler's perspective.
// The abandoned goroutine is left to finish on its own.
func (c *core) invokeGuarded(ctx context.Context, agent registry.Agent, input any, timeout time.Duration) (any, error) {
	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: types.NewErrorf(types.ErrStepExecution, "agent panicked: %v", r)}
			}
		}()
		output, err := agent.Invoke(ctx, input)
		done <- outcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		return out.output, out.err
	case <-ctx.Done():
		return nil, types.NewErrorf(types.ErrTimeout, "step timed out after %s", timeout)
	}
}

// handleResult applies one attempt's outcome: success, another retry, or
// permanent failure with its skip cascade.
func (c *core) handleResult(def *workflow.Definition, run *runstore.Run, records map[string]*runstore.StepRecord, retryAt map[string]time.Time, res stepResult) error {
	rec := records[res.stepID]
	step, _ := def.Step(res.stepID)

	if res.err == nil {
		return c.applyStep(run, rec, runstore.StepMutation{
			Attempt:   res.attempt,
			Status:    runstore.StepStatusSucceeded,
			Output:    res.output,
			StartedAt: &res.startedAt,
			EndedAt:   &res.endedAt,
		})
	}

	policy := step.Retry.Normalized()
	if res.attempt < policy.MaxAttempts {
		delay := policy.Backoff(res.attempt)
		retryAt[res.stepID] = time.Now().Add(delay)
		c.logger.Warn("step attempt failed, will retry",
			zap.String("run_id", run.ID),
			zap.String("step_id", res.stepID),
			zap.Int("attempt", res.attempt),
			zap.Duration("backoff", delay),
			zap.Error(res.err),
		)
		return c.applyStep(run, rec, runstore.StepMutation{
			Attempt:   res.attempt,
			Status:    runstore.StepStatusPending,
			Error:     res.err.Error(),
			StartedAt: &res.startedAt,
			EndedAt:   &res.endedAt,
		})
	}

	return c.resolveFailure(def, run, records, retryAt, rec, step, res.attempt, res.err, res.startedAt, res.endedAt)
}

// resolveFailure records a step's permanent failure. Optional steps are
// skipped so the rest of the graph continues; a required step's failure
// skips every step that transitively depends on it.
func (c *core) resolveFailure(def *workflow.Definition, run *runstore.Run, records map[string]*runstore.StepRecord, retryAt map[string]time.Time, rec *runstore.StepRecord, step workflow.Step, attempt int, cause error, startedAt, endedAt time.Time) error {
	delete(retryAt, step.ID)

	status := runstore.StepStatusFailed
	if step.Optional {
		status = runstore.StepStatusSkipped
	}
	if err := c.applyStep(run, rec, runstore.StepMutation{
		Attempt:   attempt,
		Status:    status,
		Error:     cause.Error(),
		StartedAt: &startedAt,
		EndedAt:   &endedAt,
	}); err != nil {
		return err
	}
	c.logger.Warn("step exhausted retries",
		zap.String("run_id", run.ID),
		zap.String("step_id", step.ID),
		zap.String("status", string(status)),
		zap.Int("attempts", attempt),
		zap.Error(cause),
	)
	if step.Optional {
		return nil
	}

	msg := fmt.Sprintf("dependency %s failed", step.ID)
	for _, depID := range def.TransitiveDependents(step.ID) {
		dep := records[depID]
		if dep.Status.IsTerminal() || dep.Status == runstore.StepStatusRunning {
			continue
		}
		delete(retryAt, depID)
		if err := c.applyStep(run, dep, runstore.StepMutation{
			Attempt: dep.Attempts,
			Status:  runstore.StepStatusSkipped,
			Error:   msg,
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyStep writes a mutation through the store, mirrors it on the local
// record, and publishes the transition.
func (c *core) applyStep(run *runstore.Run, rec *runstore.StepRecord, m runstore.StepMutation) error {
	previous := rec.Status
	if err := c.store.ApplyStepMutation(context.Background(), run.ID, rec.StepID, m); err != nil {
		return types.NewError(types.ErrStoreError, "applying step mutation").
			WithCause(err).WithRunID(run.ID).WithStepID(rec.StepID)
	}
	m.Apply(rec)

	var dur time.Duration
	if rec.StartedAt != nil && rec.EndedAt != nil {
		dur = rec.EndedAt.Sub(*rec.StartedAt)
	}
	c.bus.Publish(events.Event{
		Type:            events.EventStepStatusChanged,
		RunID:           run.ID,
		WorkflowName:    run.WorkflowName,
		WorkflowVersion: run.WorkflowVersion,
		Strategy:        string(run.Strategy),
		StepID:          rec.StepID,
		StepStatus:      string(rec.Status),
		Previous:        string(previous),
		Attempt:         rec.Attempts,
		Error:           rec.LastError,
		Duration:        dur,
	})
	return nil
}

// setRunStatus writes a run status transition and publishes it.
func (c *core) setRunStatus(run *runstore.Run, status runstore.RunStatus, errMsg string) error {
	previous := run.Status
	if previous == status {
		return nil
	}
	if err := c.store.UpdateRunStatus(context.Background(), run.ID, status, errMsg); err != nil {
		return types.NewError(types.ErrStoreError, "updating run status").
			WithCause(err).WithRunID(run.ID)
	}
	run.Status = status
	run.LastError = errMsg
	if status.IsTerminal() && run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}

	c.bus.Publish(events.Event{
		Type:            events.EventRunStatusChanged,
		RunID:           run.ID,
		WorkflowName:    run.WorkflowName,
		WorkflowVersion: run.WorkflowVersion,
		Strategy:        string(run.Strategy),
		RunStatus:       string(status),
		Previous:        string(previous),
		Error:           errMsg,
	})
	return nil
}

// depsSatisfied reports whether every dependency of a step has reached a
// state that lets the step proceed. Skipped covers optional failures;
// a required dependency's failure skips this step via the cascade before
// it could ever become eligible.
func depsSatisfied(step workflow.Step, records map[string]*runstore.StepRecord) bool {
	for _, depID := range step.DependsOn {
		dep, ok := records[depID]
		if !ok {
			return false
		}
		switch dep.Status {
		case runstore.StepStatusSucceeded, runstore.StepStatusSkipped:
		default:
			return false
		}
	}
	return true
}

// succeededOutputs collects the outputs of a step's succeeded
// dependencies. Skipped dependencies have no entry.
func succeededOutputs(step workflow.Step, records map[string]*runstore.StepRecord) map[string]any {
	outputs := make(map[string]any, len(step.DependsOn))
	for _, depID := range step.DependsOn {
		if dep, ok := records[depID]; ok && dep.Status == runstore.StepStatusSucceeded {
			outputs[depID] = dep.Output
		}
	}
	return outputs
}

func allTerminal(records map[string]*runstore.StepRecord) bool {
	for _, rec := range records {
		if !rec.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// finalStatus derives the run's terminal status from its step records.
// A run is cancelled only when cancellation was requested and some step
// never resolved; a cancelled run whose steps all finished naturally is
// reported by what actually happened.
func finalStatus(def *workflow.Definition, records map[string]*runstore.StepRecord, cancelled bool) (runstore.RunStatus, string) {
	for _, step := range def.Steps() {
		rec := records[step.ID]
		if rec.Status == runstore.StepStatusFailed && !step.Optional {
			return runstore.RunStatusFailed,
				fmt.Sprintf("step %s failed after %d attempts: %s", step.ID, rec.Attempts, rec.LastError)
		}
	}
	if cancelled && !allTerminal(records) {
		return runstore.RunStatusCancelled, "run cancelled"
	}
	return runstore.RunStatusSucceeded, ""
}

func earliestRetry(retryAt map[string]time.Time) (time.Time, bool) {
	var earliest time.Time
	for _, at := range retryAt {
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest, !earliest.IsZero()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// drainInFlight receives the outstanding step results after drive
// aborts, so the invoke goroutines blocked on the unbuffered results
// channel can exit and release their semaphore slots.
func drainInFlight(results <-chan stepResult, inFlight int) {
	for ; inFlight > 0; inFlight-- {
		<-results
	}
}
