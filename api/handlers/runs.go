package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/coordinator"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/types"
)

// RunsHandler exposes run triggering and inspection.
type RunsHandler struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

// NewRunsHandler creates the runs handler.
func NewRunsHandler(coord *coordinator.Coordinator, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		coord:  coord,
		logger: logger.With(zap.String("handler", "runs")),
	}
}

// Register mounts the run routes on mux.
func (h *RunsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.HandleStart)
	mux.HandleFunc("GET /api/v1/runs", h.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", h.HandleResume)
}

// StartRunRequest is the POST /api/v1/runs payload.
type StartRunRequest struct {
	Workflow string `json:"workflow"`
	Version  string `json:"version,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	// RunKey opts out of the one-active-run rule: runs with distinct
	// keys may execute in parallel for the same workflow identity.
	RunKey string `json:"run_key,omitempty"`
	Input  any    `json:"input,omitempty"`
}

// RunDetail is a run together with its step records.
type RunDetail struct {
	Run   *runstore.Run          `json:"run"`
	Steps []*runstore.StepRecord `json:"steps,omitempty"`
}

// HandleStart triggers a new run. A second active run of the same
// workflow identity yields 409 with the conflicting run's ID.
func (h *RunsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Workflow == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "workflow is required"), h.logger)
		return
	}

	strategy := runstore.Strategy(req.Strategy)
	if req.Strategy != "" && strategy != runstore.StrategySequential && strategy != runstore.StrategyStateful {
		WriteError(w, types.NewErrorf(types.ErrInvalidRequest, "unknown strategy %q", req.Strategy), h.logger)
		return
	}

	var run *runstore.Run
	var err error
	if req.RunKey != "" {
		run, err = h.coord.StartParallel(r.Context(), req.Workflow, req.Version, req.RunKey, req.Input, strategy)
	} else {
		run, err = h.coord.Start(r.Context(), req.Workflow, req.Version, req.Input, strategy)
	}
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Identity()),
		zap.String("strategy", string(run.Strategy)),
	)
	WriteCreated(w, run)
}

// HandleGet returns one run with its step records.
func (h *RunsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, steps, err := h.coord.Get(r.Context(), runID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, RunDetail{Run: run, Steps: steps})
}

// HandleList returns runs newest first, filtered by the workflow,
// status, created_after, created_before, and limit query parameters.
func (h *RunsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	runs, err := h.coord.List(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, runs)
}

// HandleCancel requests cooperative cancellation of a run. In-flight
// steps finish naturally; cancel of a terminal run is a no-op.
func (h *RunsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := h.coord.Cancel(r.Context(), runID); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	h.logger.Info("run cancellation requested", zap.String("run_id", runID))
	WriteSuccess(w, map[string]string{"run_id": runID, "status": "cancelling"})
}

// HandleResume resumes an interrupted stateful run.
func (h *RunsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := h.coord.Resume(r.Context(), runID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

func filterFromQuery(r *http.Request) (runstore.RunFilter, error) {
	q := r.URL.Query()
	filter := runstore.RunFilter{
		Workflow: q.Get("workflow"),
		Status:   runstore.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, types.NewErrorf(types.ErrInvalidRequest, "invalid limit %q", v)
		}
		filter.Limit = limit
	}
	if v := q.Get("created_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, types.NewErrorf(types.ErrInvalidRequest, "invalid created_after %q", v)
		}
		filter.CreatedAfter = ts
	}
	if v := q.Get("created_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, types.NewErrorf(types.ErrInvalidRequest, "invalid created_before %q", v)
		}
		filter.CreatedBefore = ts
	}
	return filter, nil
}
