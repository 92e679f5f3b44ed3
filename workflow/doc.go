// Package workflow defines the immutable workflow model: named steps,
// their dependency DAG, per-step retry policies and input mappings,
// plus the validator that rejects malformed definitions before any run
// starts.
//
// A Definition is built once per workflow source (YAML file or the
// fluent Builder), validated eagerly, and shared read-only across all
// runs. Capability existence is deliberately not checked here: agents
// may register after workflows are loaded, so resolution happens at
// dispatch time in the engine.
package workflow
