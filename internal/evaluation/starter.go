package evaluation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/workflow"
)

// Starter launches evaluation runs on a workflow engine. It satisfies
// scheduler.Starter.
type Starter struct {
	engine *workflow.Engine
	runIDs links.IDGenerator
}

// NewStarter binds an engine that already has the definition registered.
func NewStarter(engine *workflow.Engine, runIDs links.IDGenerator) *Starter {
	return &Starter{engine: engine, runIDs: runIDs}
}

// StartEvaluation persists a new run and executes it in the background.
func (s *Starter) StartEvaluation(ctx context.Context, req links.EvaluationRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	runID, err := s.runIDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return s.engine.Start(ctx, Name, runID, req)
}

// Evaluate runs one evaluation to completion in the caller's goroutine and
// returns the persisted record.
func (s *Starter) Evaluate(ctx context.Context, req links.EvaluationRequest) (links.Evaluation, error) {
	if err := req.Validate(); err != nil {
		return links.Evaluation{}, err
	}
	runID, err := s.runIDs.NewID()
	if err != nil {
		return links.Evaluation{}, fmt.Errorf("generate run id: %w", err)
	}
	if _, err := s.engine.Create(ctx, Name, runID, req); err != nil {
		return links.Evaluation{}, err
	}
	cp, err := s.engine.Execute(ctx, runID)
	if err != nil {
		return links.Evaluation{}, err
	}
	var record links.Evaluation
	if err := workflow.DecodeOutput(cp, StepPersist, &record); err != nil {
		return links.Evaluation{}, err
	}
	return record, nil
}

// OnFinish adapts fn into a workflow.Config.OnFinish hook that fires for
// evaluation runs only.
func OnFinish(fn func(req links.EvaluationRequest, status workflow.Status)) func(workflow.Checkpoint) {
	return func(cp workflow.Checkpoint) {
		if cp.Workflow != Name {
			return
		}
		var req links.EvaluationRequest
		if err := json.Unmarshal(cp.Input, &req); err != nil {
			return
		}
		fn(req, cp.Status)
	}
}
