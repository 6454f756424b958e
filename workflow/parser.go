package workflow

import (
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/stepflow/types"
)

// definition is the on-disk workflow format. Delays are expressed in
// integer milliseconds and the workflow timeout in seconds, matching the
// definition files the engine consumes.
type definition struct {
	Name           string           `yaml:"name" json:"name"`
	Version        string           `yaml:"version" json:"version"`
	TimeoutSeconds int              `yaml:"timeout_seconds" json:"timeout_seconds"`
	Metadata       map[string]any   `yaml:"metadata" json:"metadata"`
	Steps          []stepDefinition `yaml:"steps" json:"steps"`
}

type stepDefinition struct {
	ID              string           `yaml:"id" json:"id"`
	Type            string           `yaml:"type" json:"type"`
	Config          map[string]any   `yaml:"config" json:"config"`
	DependsOn       []string         `yaml:"depends_on" json:"depends_on"`
	Condition       string           `yaml:"condition" json:"condition"`
	Output          []string         `yaml:"output" json:"output"`
	Retry           *retryDefinition `yaml:"retry" json:"retry"`
	TimeoutSeconds  int              `yaml:"timeout_seconds" json:"timeout_seconds"`
	ContinueOnError bool             `yaml:"continue_on_error" json:"continue_on_error"`
	DeadLetter      bool             `yaml:"dead_letter" json:"dead_letter"`
	DependencyKey   string           `yaml:"dependency_key" json:"dependency_key"`
	Fallback        map[string]any   `yaml:"fallback" json:"fallback"`
}

type retryDefinition struct {
	MaxAttempts    int    `yaml:"max_attempts" json:"max_attempts"`
	Backoff        string `yaml:"backoff" json:"backoff"`
	InitialDelayMs int    `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelayMs     int    `yaml:"max_delay_ms" json:"max_delay_ms"`
	Jitter         bool   `yaml:"jitter" json:"jitter"`
}

// ParseFile reads a workflow definition from a YAML or JSON file.
func ParseFile(filename string) (*Workflow, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, types.Errorf(types.ErrDefinition, "read workflow file %s", filename).WithCause(err)
	}
	return Parse(data)
}

// Parse decodes a workflow definition. JSON input is accepted because JSON
// is a subset of YAML.
func Parse(data []byte) (*Workflow, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrDefinition, "parse workflow definition").WithCause(err)
	}

	wf := &Workflow{
		ID:       uuid.NewString(),
		Name:     def.Name,
		Version:  def.Version,
		Timeout:  time.Duration(def.TimeoutSeconds) * time.Second,
		Metadata: def.Metadata,
		Steps:    make([]Step, 0, len(def.Steps)),
	}

	for _, sd := range def.Steps {
		step := Step{
			ID:              sd.ID,
			Type:            sd.Type,
			Config:          sd.Config,
			DependsOn:       sd.DependsOn,
			Condition:       sd.Condition,
			Output:          sd.Output,
			Timeout:         time.Duration(sd.TimeoutSeconds) * time.Second,
			ContinueOnError: sd.ContinueOnError,
			DeadLetter:      sd.DeadLetter,
			DependencyKey:   sd.DependencyKey,
			Fallback:        sd.Fallback,
		}
		if sd.Retry != nil {
			policy, err := parseRetry(sd.ID, sd.Retry)
			if err != nil {
				return nil, err
			}
			step.Retry = policy
		}
		wf.Steps = append(wf.Steps, step)
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

func parseRetry(stepID string, rd *retryDefinition) (*RetryPolicy, error) {
	backoff := BackoffStrategy(rd.Backoff)
	switch backoff {
	case "":
		backoff = BackoffExponential
	case BackoffExponential, BackoffLinear, BackoffConstant:
	default:
		return nil, types.Errorf(types.ErrDefinition, "step %s: unknown backoff strategy %q", stepID, rd.Backoff)
	}

	policy := &RetryPolicy{
		MaxAttempts:  rd.MaxAttempts,
		Backoff:      backoff,
		InitialDelay: time.Duration(rd.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(rd.MaxDelayMs) * time.Millisecond,
		Jitter:       rd.Jitter,
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.InitialDelay == 0 {
		policy.InitialDelay = DefaultRetryPolicy().InitialDelay
	}
	if policy.MaxDelay == 0 {
		policy.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	return policy, nil
}
