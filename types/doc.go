// Package types provides shared type definitions for the stepflow engine.
//
// types is the lowest-level public package and depends on no internal
// package. It defines the unified error taxonomy used by workflow,
// engine, coordinator, and api so that error codes survive package
// boundaries without import cycles.
package types
