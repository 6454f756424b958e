// Package types defines the shared error taxonomy and lifecycle enums used
// across the stepflow engine. It has no dependencies on other stepflow
// packages so that every layer can consume it without import cycles.
package types
