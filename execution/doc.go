// Package execution holds the per-run execution context: the shared store
// of workflow inputs, step outputs, and metadata, plus the template and
// condition-expression engines that read from it.
package execution
