// Package scheduler drives workflow runs: it dispatches every step whose
// dependencies are satisfied with bounded parallelism, wraps each step in
// the fault-tolerance chain, checkpoints progress, and recovers
// interrupted runs from their last intact checkpoint.
package scheduler
