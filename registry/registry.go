// Package registry maps capability names to the agents that provide them.
//
// Workflow steps name a capability rather than a concrete agent, so the
// binding between a step and the code that executes it is late: the engine
// resolves the capability at dispatch time, and a capability registered
// after a run started becomes usable by that run without restarting it.
package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mkarlic/stepflow/types"
)

// Agent executes one capability. Invoke receives the step input resolved
// from the run's dependency outputs and returns the step output.
type Agent interface {
	Name() string
	Invoke(ctx context.Context, input any) (any, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc struct {
	AgentName string
	Fn        func(ctx context.Context, input any) (any, error)
}

// Name returns the agent name.
func (f AgentFunc) Name() string { return f.AgentName }

// Invoke calls the wrapped function.
func (f AgentFunc) Invoke(ctx context.Context, input any) (any, error) {
	return f.Fn(ctx, input)
}

// Func wraps fn as an Agent named name.
func Func(name string, fn func(ctx context.Context, input any) (any, error)) Agent {
	return AgentFunc{AgentName: name, Fn: fn}
}

// Registry is a concurrency-safe capability table. Registrations and
// deregistrations may happen while runs are in flight.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]Agent),
		logger: logger.With(zap.String("component", "registry")),
	}
}

// Register binds an agent to a capability name. Registering the same
// capability again replaces the previous binding.
func (r *Registry) Register(capability string, agent Agent) error {
	if capability == "" {
		return types.NewError(types.ErrInvalidRequest, "capability name must not be empty")
	}
	if agent == nil {
		return types.NewError(types.ErrInvalidRequest, "agent must not be nil")
	}

	r.mu.Lock()
	_, replaced := r.agents[capability]
	r.agents[capability] = agent
	r.mu.Unlock()

	r.logger.Info("capability registered",
		zap.String("capability", capability),
		zap.String("agent", agent.Name()),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// Deregister removes a capability binding. Removing an unknown capability
// is a no-op.
func (r *Registry) Deregister(capability string) {
	r.mu.Lock()
	_, existed := r.agents[capability]
	delete(r.agents, capability)
	r.mu.Unlock()

	if existed {
		r.logger.Info("capability deregistered", zap.String("capability", capability))
	}
}

// Resolve returns the agent bound to a capability. An unbound capability
// yields ErrCapabilityUnresolved, which callers treat as transient.
func (r *Registry) Resolve(capability string) (Agent, error) {
	r.mu.RLock()
	agent, ok := r.agents[capability]
	r.mu.RUnlock()

	if !ok {
		return nil, types.NewErrorf(types.ErrCapabilityUnresolved,
			"no agent registered for capability %q", capability)
	}
	return agent, nil
}

// Has reports whether a capability is currently bound.
func (r *Registry) Has(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[capability]
	return ok
}

// Capabilities returns all bound capability names, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of bound capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
