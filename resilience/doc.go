// Package resilience implements the fault-tolerance chain wrapped around
// step execution: retry with strategy-shaped backoff, circuit breakers
// keyed by downstream collaborator, and the dead-letter sink that captures
// steps whose retry budget ran out.
package resilience
