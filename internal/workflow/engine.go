// Package workflow runs durable, checkpointed, multi-step workflows. A run's
// cursor and step outputs are saved after every step so a restarted process
// resumes at the first incomplete step.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/metrics"
)

const defaultConcurrency = 2

// Config wires an Engine.
type Config struct {
	Store       CheckpointStore
	Clock       links.Clock
	IDs         links.IDGenerator
	Concurrency int
	Logger      *zap.Logger
	// Sleep waits between retries; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnFinish is called once when a run reaches a terminal state.
	OnFinish func(cp Checkpoint)
}

// Engine executes registered workflow definitions.
type Engine struct {
	store  CheckpointStore
	clock  links.Clock
	ids    links.IDGenerator
	sleep    func(ctx context.Context, d time.Duration) error
	onFinish func(cp Checkpoint)
	logger   *zap.Logger

	sem     chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	defs   map[string]Definition
	active map[string]struct{}
	closed bool
}

// NewEngine builds an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("workflow checkpoint store is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("workflow clock is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   cfg.Store,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		sleep:    cfg.Sleep,
		onFinish: cfg.OnFinish,
		logger:   logger.Named("workflow"),
		sem:     make(chan struct{}, cfg.Concurrency),
		baseCtx: baseCtx,
		cancel:  cancel,
		defs:    make(map[string]Definition),
		active:  make(map[string]struct{}),
	}, nil
}

// Register adds a definition. Names must be unique.
func (e *Engine) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Name]; exists {
		return fmt.Errorf("workflow %s already registered", def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

// Create persists a new run without executing it and returns its id. An
// empty runID is generated.
func (e *Engine) Create(ctx context.Context, workflow, runID string, input any) (string, error) {
	if _, err := e.definition(workflow); err != nil {
		return "", err
	}
	if runID == "" {
		if e.ids == nil {
			return "", errors.New("run id is required")
		}
		id, err := e.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode run input: %w", err)
	}
	now := e.clock.Now()
	cp := Checkpoint{
		RunID:     runID,
		Workflow:  workflow,
		Input:     raw,
		Outputs:   map[string]json.RawMessage{},
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, cp); err != nil {
		return "", fmt.Errorf("create run %s: %w", runID, err)
	}
	return runID, nil
}

// Start persists a new run and executes it in the background.
func (e *Engine) Start(ctx context.Context, workflow, runID string, input any) (string, error) {
	if e.isClosed() {
		return "", ErrEngineClosed
	}
	id, err := e.Create(ctx, workflow, runID, input)
	if err != nil {
		return "", err
	}
	e.dispatch(id)
	return id, nil
}

// Resume dispatches every incomplete run and returns how many were queued.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	if e.isClosed() {
		return 0, ErrEngineClosed
	}
	runs, err := e.store.ListIncomplete(ctx)
	if err != nil {
		return 0, fmt.Errorf("list incomplete runs: %w", err)
	}
	queued := 0
	for _, cp := range runs {
		if _, err := e.definition(cp.Workflow); err != nil {
			e.logger.Warn("skipping run of unregistered workflow",
				zap.String("run_id", cp.RunID), zap.String("workflow", cp.Workflow))
			continue
		}
		e.logger.Info("resuming run",
			zap.String("run_id", cp.RunID), zap.String("workflow", cp.Workflow), zap.Int("cursor", cp.Cursor))
		e.dispatch(cp.RunID)
		queued++
	}
	return queued, nil
}

// Execute drives a run to a terminal state in the caller's goroutine. A run
// interrupted by ctx stays running and can be resumed later.
func (e *Engine) Execute(ctx context.Context, runID string) (Checkpoint, error) {
	if !e.claim(runID) {
		return Checkpoint{}, fmt.Errorf("execute run %s: %w", runID, ErrRunActive)
	}
	defer e.unclaim(runID)

	cp, err := e.store.Load(ctx, runID)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if cp.Outputs == nil {
		cp.Outputs = map[string]json.RawMessage{}
	}
	switch cp.Status {
	case StatusCompleted:
		return cp, nil
	case StatusFailed:
		return cp, fmt.Errorf("run %s already failed: %s: %w", runID, cp.Error, links.ErrRetriesExhausted)
	}
	def, err := e.definition(cp.Workflow)
	if err != nil {
		return cp, err
	}

	logger := e.logger.With(zap.String("run_id", runID), zap.String("workflow", def.Name))
	for cp.Cursor < len(def.Steps) {
		step := def.Steps[cp.Cursor]
		out, err := e.runStep(ctx, def.Name, &cp, step, logger)
		if err != nil {
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				return cp, err
			}
			cp.Status = StatusFailed
			cp.Error = stepErr.Error()
			cp.UpdatedAt = e.clock.Now()
			if saveErr := e.store.Save(ctx, cp); saveErr != nil {
				logger.Error("persist failed run", zap.String("step", step.Name), zap.Error(saveErr))
			}
			logger.Warn("run failed", zap.String("step", step.Name), zap.Error(stepErr.Err))
			e.finish(cp)
			return cp, stepErr
		}

		next := cp.Clone()
		next.Outputs[step.Name] = out
		next.Cursor++
		next.UpdatedAt = e.clock.Now()
		if next.Cursor == len(def.Steps) {
			next.Status = StatusCompleted
		}
		if err := e.store.Save(ctx, next); err != nil {
			// The step result is lost; a later resume re-executes this step.
			return cp, fmt.Errorf("checkpoint run %s after step %s: %w", runID, step.Name, err)
		}
		cp = next
		logger.Debug("step completed", zap.String("step", step.Name), zap.Int("cursor", cp.Cursor))
	}
	logger.Info("run completed")
	e.finish(cp)
	return cp, nil
}

func (e *Engine) finish(cp Checkpoint) {
	if e.onFinish == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("finish hook panicked", zap.String("run_id", cp.RunID), zap.Any("panic", rec))
		}
	}()
	e.onFinish(cp.Clone())
}

// Close stops accepting runs and waits for in-flight ones. When ctx ends
// first, running steps are cancelled and their runs stay resumable.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return fmt.Errorf("workflow engine close: %w", ctx.Err())
	}
}

func (e *Engine) runStep(
	ctx context.Context,
	workflow string,
	cp *Checkpoint,
	step Step,
	logger *zap.Logger,
) (json.RawMessage, error) {
	policy := step.policy()
	run := &Run{id: cp.RunID, step: step.Name, input: cp.Input, outputs: cp.Outputs}

	for attempt := 1; ; attempt++ {
		run.attempt = attempt
		out, err := e.invoke(ctx, step, run)
		if err == nil {
			raw, encErr := json.Marshal(out)
			if encErr != nil {
				metrics.ObserveWorkflowStep(workflow, step.Name, "failed")
				return nil, &StepError{
					Workflow: workflow, RunID: cp.RunID, Step: step.Name, Attempts: attempt,
					Err: fmt.Errorf("encode output: %w", encErr),
				}
			}
			metrics.ObserveWorkflowStep(workflow, step.Name, "succeeded")
			return raw, nil
		}
		if ctx.Err() != nil {
			metrics.ObserveWorkflowStep(workflow, step.Name, "interrupted")
			return nil, fmt.Errorf("step %s interrupted: %w", step.Name, ctx.Err())
		}
		if attempt > policy.Limit {
			metrics.ObserveWorkflowStep(workflow, step.Name, "failed")
			return nil, &StepError{Workflow: workflow, RunID: cp.RunID, Step: step.Name, Attempts: attempt, Err: err}
		}
		metrics.ObserveWorkflowStep(workflow, step.Name, "retried")
		wait := policy.delay(attempt)
		logger.Warn("step attempt failed, retrying",
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("step %s interrupted: %w", step.Name, err)
		}
	}
}

func (e *Engine) invoke(ctx context.Context, step Step, run *Run) (out any, err error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, rec)
		}
	}()
	return step.Run(ctx, run)
}

func (e *Engine) dispatch(runID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn("engine closed, run left for resume", zap.String("run_id", runID))
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
		case <-e.baseCtx.Done():
			return
		}
		defer func() { <-e.sem }()

		cp, err := e.Execute(e.baseCtx, runID)
		switch {
		case err == nil:
		case errors.Is(err, links.ErrRetriesExhausted), errors.Is(err, ErrRunActive):
			// already logged by Execute or owned by another goroutine
		default:
			e.logger.Error("run stopped", zap.String("run_id", runID), zap.Int("cursor", cp.Cursor), zap.Error(err))
		}
	}()
}

func (e *Engine) definition(name string) (Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return def, nil
}

func (e *Engine) claim(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[runID]; busy {
		return false
	}
	e.active[runID] = struct{}{}
	return true
}

func (e *Engine) unclaim(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
