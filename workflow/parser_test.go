package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/types"
)

const sampleYAML = `
name: research-pipeline
version: "1.2"
timeout_seconds: 300
metadata:
  owner: platform
steps:
  - id: fetch
    type: action
    config:
      url: "https://example.com/doc"
    output: [document]
  - id: summarize
    type: llm
    depends_on: [fetch]
    condition: 'steps.fetch.document != ""'
    config:
      prompt: "Summarize: {{steps.fetch.document}}"
    output: [summary]
    retry:
      max_attempts: 5
      backoff: exponential
      initial_delay_ms: 200
      max_delay_ms: 10000
      jitter: true
    timeout_seconds: 60
    continue_on_error: true
    dead_letter: true
    dependency_key: openai
    fallback:
      summary: "unavailable"
`

func TestParse_YAML(t *testing.T) {
	t.Parallel()

	wf, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, "research-pipeline", wf.Name)
	assert.Equal(t, "1.2", wf.Version)
	assert.Equal(t, 5*time.Minute, wf.Timeout)
	assert.Equal(t, "platform", wf.Metadata["owner"])
	require.Len(t, wf.Steps, 2)

	step := wf.Steps[1]
	assert.Equal(t, "summarize", step.ID)
	assert.Equal(t, []string{"fetch"}, step.DependsOn)
	assert.Equal(t, time.Minute, step.Timeout)
	assert.True(t, step.ContinueOnError)
	assert.True(t, step.DeadLetter)
	assert.Equal(t, "openai", step.DependencyKey)
	assert.Equal(t, "unavailable", step.Fallback["summary"])

	require.NotNil(t, step.Retry)
	assert.Equal(t, 5, step.Retry.MaxAttempts)
	assert.Equal(t, BackoffExponential, step.Retry.Backoff)
	assert.Equal(t, 200*time.Millisecond, step.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, step.Retry.MaxDelay)
	assert.True(t, step.Retry.Jitter)
}

func TestParse_JSON(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"name": "json-flow",
		"version": "1.0",
		"steps": [
			{"id": "a", "type": "transform"},
			{"id": "b", "type": "transform", "depends_on": ["a"]}
		]
	}`)

	wf, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "json-flow", wf.Name)
	assert.Len(t, wf.Steps, 2)
}

func TestParse_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("steps: [unbalanced"))
	require.Error(t, err)
	assert.Equal(t, types.ErrDefinition, types.GetErrorCode(err))
}

func TestParse_InvalidDefinition(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("name: broken\nsteps:\n  - id: a\n    type: t\n    depends_on: [ghost]\n"))
	require.Error(t, err)
	assert.Equal(t, types.ErrDefinition, types.GetErrorCode(err))
}

func TestParse_UnknownBackoff(t *testing.T) {
	t.Parallel()

	data := []byte(`
name: bad-backoff
steps:
  - id: a
    type: t
    retry:
      max_attempts: 2
      backoff: fibonacci
`)
	_, err := Parse(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backoff strategy")
}

func TestParse_RetryDefaults(t *testing.T) {
	t.Parallel()

	data := []byte(`
name: defaults
steps:
  - id: a
    type: t
    retry:
      max_attempts: 2
`)
	wf, err := Parse(data)
	require.NoError(t, err)
	require.NotNil(t, wf.Steps[0].Retry)
	assert.Equal(t, BackoffExponential, wf.Steps[0].Retry.Backoff)
	assert.Equal(t, DefaultRetryPolicy().InitialDelay, wf.Steps[0].Retry.InitialDelay)
	assert.Equal(t, DefaultRetryPolicy().MaxDelay, wf.Steps[0].Retry.MaxDelay)
}

func TestParseFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	wf, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "research-pipeline", wf.Name)

	_, err = ParseFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, types.ErrDefinition, types.GetErrorCode(err))
}
