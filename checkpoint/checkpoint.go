package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/BaSui01/stepflow/execution"
	"github.com/BaSui01/stepflow/resilience"
	"github.com/BaSui01/stepflow/types"
)

// Checkpoint is a consistent snapshot of one run: its status, every step's
// state, the execution context, and the circuit-breaker states observed at
// snapshot time. Versions are monotonically increasing per run; each
// checkpoint links to its parent so the chain can be audited.
type Checkpoint struct {
	RunID         string    `json:"run_id"`
	WorkflowID    string    `json:"workflow_id"`
	WorkflowName  string    `json:"workflow_name"`
	Version       int       `json:"version"`
	ParentVersion int       `json:"parent_version"`
	CreatedAt     time.Time `json:"created_at"`

	RunStatus  types.RunStatus             `json:"run_status"`
	StepStates map[string]types.StepState  `json:"step_states"`
	Context    execution.Snapshot          `json:"context"`
	Breakers   []resilience.BreakerSnapshot `json:"breakers,omitempty"`

	// Checksum covers every other field; a mismatch on load marks the
	// checkpoint as corrupted.
	Checksum string `json:"checksum"`
}

// Seal computes and stamps the checksum. Must be called after the last
// mutation and before the checkpoint is persisted.
func (c *Checkpoint) Seal() error {
	sum, err := c.digest()
	if err != nil {
		return err
	}
	c.Checksum = sum
	return nil
}

// Verify recomputes the checksum and reports whether the checkpoint is
// intact.
func (c *Checkpoint) Verify() error {
	if c.Checksum == "" {
		return types.Errorf(types.ErrCorruption, "checkpoint %s v%d has no checksum", c.RunID, c.Version)
	}
	sum, err := c.digest()
	if err != nil {
		return err
	}
	if sum != c.Checksum {
		return types.Errorf(types.ErrCorruption, "checkpoint %s v%d checksum mismatch", c.RunID, c.Version)
	}
	return nil
}

// CompletedSteps returns the IDs of steps that finished successfully, the
// set a recovered run never re-executes.
func (c *Checkpoint) CompletedSteps() map[string]bool {
	done := make(map[string]bool)
	for id, state := range c.StepStates {
		if state.Status == types.StepSucceeded {
			done[id] = true
		}
	}
	return done
}

func (c *Checkpoint) digest() (string, error) {
	shadow := *c
	shadow.Checksum = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return "", types.NewError(types.ErrPersistence, "marshal checkpoint for checksum").WithCause(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
