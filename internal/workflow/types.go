package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/geolink/internal/links"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further steps will execute.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrRunNotFound is returned by stores for unknown run ids.
	ErrRunNotFound = errors.New("workflow run not found")
	// ErrRunExists is returned by Create for duplicate run ids.
	ErrRunExists = errors.New("workflow run already exists")
	// ErrUnknownWorkflow is returned for unregistered definitions.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrRunActive is returned when a run is already executing in this process.
	ErrRunActive = errors.New("workflow run already executing")
	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("workflow engine closed")
)

// Checkpoint is the persisted cursor of one run: the index of the next step
// to execute plus the JSON output of every completed step.
type Checkpoint struct {
	RunID     string                     `json:"run_id"`
	Workflow  string                     `json:"workflow"`
	Input     json.RawMessage            `json:"input"`
	Cursor    int                        `json:"cursor"`
	Outputs   map[string]json.RawMessage `json:"outputs"`
	Status    Status                     `json:"status"`
	Error     string                     `json:"error,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.Input = append(json.RawMessage(nil), c.Input...)
	out.Outputs = make(map[string]json.RawMessage, len(c.Outputs))
	for k, v := range c.Outputs {
		out.Outputs[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// CheckpointStore persists run checkpoints.
type CheckpointStore interface {
	Create(ctx context.Context, cp Checkpoint) error
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (Checkpoint, error)
	ListIncomplete(ctx context.Context) ([]Checkpoint, error)
}

// Backoff shapes the delay between retries.
type Backoff string

// Backoff kinds.
const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy bounds how often a failed step is re-executed. Limit counts
// retries, so a step runs at most Limit+1 times.
type RetryPolicy struct {
	Limit   int
	Delay   time.Duration
	Backoff Backoff
}

// DefaultRetryPolicy is used by steps that do not declare one.
var DefaultRetryPolicy = RetryPolicy{Limit: 5, Delay: time.Second, Backoff: BackoffExponential}

// NoRetry treats the first failure as final.
var NoRetry = RetryPolicy{Limit: 0}

// delay returns the wait before retry number n (1-based).
func (p RetryPolicy) delay(n int) time.Duration {
	if p.Delay <= 0 || n <= 0 {
		return 0
	}
	switch p.Backoff {
	case BackoffLinear:
		return p.Delay * time.Duration(n)
	case BackoffExponential:
		return time.Duration(float64(p.Delay) * math.Pow(2, float64(n-1)))
	default:
		return p.Delay
	}
}

// StepFunc executes one step. Its return value is JSON encoded into the
// checkpoint. Step functions may run more than once and must tolerate that.
type StepFunc func(ctx context.Context, run *Run) (any, error)

// Step is one unit of a Definition.
type Step struct {
	Name string
	// Retry defaults to DefaultRetryPolicy when nil.
	Retry   *RetryPolicy
	Timeout time.Duration
	Run     StepFunc
}

func (s Step) policy() RetryPolicy {
	if s.Retry == nil {
		return DefaultRetryPolicy
	}
	return *s.Retry
}

// Definition is an ordered list of steps registered under a name.
type Definition struct {
	Name  string
	Steps []Step
}

// Validate checks the definition is runnable.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" || step.Run == nil {
			return fmt.Errorf("workflow %s has a step without name or func", d.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("workflow %s has duplicate step %s", d.Name, step.Name)
		}
		if step.Retry != nil && step.Retry.Limit < 0 {
			return fmt.Errorf("workflow %s step %s has negative retry limit", d.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// Run is the view a step has of its run.
type Run struct {
	id      string
	step    string
	attempt int
	input   json.RawMessage
	outputs map[string]json.RawMessage
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Step returns the executing step name.
func (r *Run) Step() string { return r.step }

// Attempt is 1 on the first execution of a step in this process.
func (r *Run) Attempt() int { return r.attempt }

// Input decodes the run input into v.
func (r *Run) Input(v any) error {
	if err := json.Unmarshal(r.input, v); err != nil {
		return fmt.Errorf("decode run input: %w", err)
	}
	return nil
}

// Output decodes the recorded output of a completed step into v.
func (r *Run) Output(step string, v any) error {
	raw, ok := r.outputs[step]
	if !ok {
		return fmt.Errorf("step %s has no recorded output", step)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s output: %w", step, err)
	}
	return nil
}

// StepError reports a step that exhausted its retry policy. It matches both
// the last cause and links.ErrRetriesExhausted.
type StepError struct {
	Workflow string
	RunID    string
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s run %s: step %s failed after %d attempt(s): %v",
		e.Workflow, e.RunID, e.Step, e.Attempts, e.Err)
}

// Unwrap exposes the cause and the retries-exhausted marker.
func (e *StepError) Unwrap() []error {
	return []error{e.Err, links.ErrRetriesExhausted}
}

// DecodeOutput decodes a recorded step output from a checkpoint.
func DecodeOutput(cp Checkpoint, step string, v any) error {
	run := Run{id: cp.RunID, outputs: cp.Outputs}
	return run.Output(step, v)
}
