package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/coordinator"
	"github.com/mkarlic/stepflow/engine"
	"github.com/mkarlic/stepflow/events"
	"github.com/mkarlic/stepflow/registry"
	"github.com/mkarlic/stepflow/runstore"
	"github.com/mkarlic/stepflow/workflow"
)

type apiFixture struct {
	srv   *httptest.Server
	coord *coordinator.Coordinator
	store runstore.Store
	reg   *registry.Registry
	lib   *workflow.Library
	bus   *events.Bus
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := runstore.NewMemoryStore()
	reg := registry.New(zap.NewNop())
	lib := workflow.NewLibrary()
	bus := events.NewBus(events.DefaultBufferSize, zap.NewNop())
	t.Cleanup(bus.Close)

	engines := make(map[runstore.Strategy]engine.Engine)
	for _, strategy := range []runstore.Strategy{runstore.StrategySequential, runstore.StrategyStateful} {
		eng, err := engine.New(strategy, engine.Config{
			Registry:          reg,
			Store:             store,
			Bus:               bus,
			Logger:            zap.NewNop(),
			CapabilityRecheck: 10 * time.Millisecond,
		})
		require.NoError(t, err)
		engines[strategy] = eng
	}

	coord, err := coordinator.New(coordinator.Config{
		Library: lib,
		Store:   store,
		Bus:     bus,
		Logger:  zap.NewNop(),
		Engines: engines,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewRunsHandler(coord, zap.NewNop()).Register(mux)
	NewWorkflowsHandler(lib, zap.NewNop()).Register(mux)
	NewEventsHandler(bus, zap.NewNop()).Register(mux)
	NewHealthHandler(store, zap.NewNop()).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, coord: coord, store: store, reg: reg, lib: lib, bus: bus}
}

func (f *apiFixture) addWorkflow(t *testing.T, name, capability string) {
	t.Helper()
	def, err := workflow.NewBuilder(name, "v1").
		Step("a", capability).Done().
		Build()
	require.NoError(t, err)
	f.lib.Add(def)
}

func (f *apiFixture) registerEcho(t *testing.T, capability string) {
	t.Helper()
	require.NoError(t, f.reg.Register(capability, registry.Func("echo", func(ctx context.Context, input any) (any, error) {
		return input, nil
	})))
}

// postJSON posts a JSON body and decodes the envelope.
func (f *apiFixture) postJSON(t *testing.T, path string, body any) (*http.Response, Response) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp, decodeEnvelope(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, Response) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope Response
	require.NoError(t, json.Unmarshal(body, &envelope), "body: %s", body)
	return envelope
}

// reparse re-marshals envelope data into a typed value.
func reparse(t *testing.T, data any, dst any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func (f *apiFixture) waitTerminal(t *testing.T, runID string) *runstore.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, _, err := f.coord.Get(context.Background(), runID)
		require.NoError(t, err)
		if run.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status", runID)
	return nil
}
