package handlers

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/types"
	"github.com/mkarlic/stepflow/workflow"
)

// WorkflowsHandler exposes the loaded workflow definitions.
type WorkflowsHandler struct {
	library *workflow.Library
	logger  *zap.Logger
}

// NewWorkflowsHandler creates the workflows handler.
func NewWorkflowsHandler(library *workflow.Library, logger *zap.Logger) *WorkflowsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowsHandler{
		library: library,
		logger:  logger.With(zap.String("handler", "workflows")),
	}
}

// Register mounts the workflow routes on mux.
func (h *WorkflowsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workflows", h.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{name}/{version}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/validate", h.HandleValidate)
}

// WorkflowSummary is the serialized view of a definition.
type WorkflowSummary struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Steps   []workflow.Step `json:"steps"`
}

func summarize(def *workflow.Definition) WorkflowSummary {
	return WorkflowSummary{
		Name:    def.Name(),
		Version: def.Version(),
		Steps:   def.Steps(),
	}
}

// HandleList returns every loaded definition.
func (h *WorkflowsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs := h.library.List()
	out := make([]WorkflowSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, summarize(def))
	}
	WriteSuccess(w, out)
}

// HandleGet returns one definition by name and version.
func (h *WorkflowsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := r.PathValue("version")
	def, ok := h.library.Get(name, version)
	if !ok {
		WriteError(w, types.NewErrorf(types.ErrNotFound, "workflow %s@%s not found", name, version), h.logger)
		return
	}
	WriteSuccess(w, summarize(def))
}

// HandleValidate parses and validates a YAML definition without
// registering it. Structural problems come back as 422 with the
// validator's message.
func (h *WorkflowsHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "reading request body").WithCause(err), h.logger)
		return
	}
	def, err := workflow.ParseDefinition(body)
	if err != nil {
		WriteError(w, types.NewError(types.ErrDefinitionInvalid, err.Error()), h.logger)
		return
	}
	WriteSuccess(w, summarize(def))
}
