// Package workflow defines the immutable workflow model and its dependency
// graph. A Workflow is parsed once from a YAML or JSON definition, validated,
// and turned into a read-only Graph that the scheduler queries for ready
// steps. All execution state lives elsewhere; this package guarantees only
// structural invariants (unique step ids, resolvable dependencies, no
// cycles).
package workflow
