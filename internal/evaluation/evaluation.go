// Package evaluation defines the destination health workflow: render the
// destination and store its artifacts, classify the page text, then persist
// one Evaluation record.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/workflow"
)

// Name is the registered workflow name.
const Name = "destination-evaluation"

// Step names, in execution order.
const (
	StepRender   = "render"
	StepClassify = "classify"
	StepPersist  = "persist"
)

// Artifact content types.
const (
	ContentTypeHTML       = "text/html"
	ContentTypeText       = "text/plain"
	ContentTypeScreenshot = "image/png"
)

// Config carries the per-step policies.
type Config struct {
	RenderTimeout time.Duration
	RenderRetry   workflow.RetryPolicy
	ClassifyRetry workflow.RetryPolicy
	PersistRetry  workflow.RetryPolicy
	// MaxChars truncates the text sent to the classifier; zero disables it.
	MaxChars int
	// PathPrefix is the first artifact path segment.
	PathPrefix string
}

// DefaultConfig returns the standard step policies.
func DefaultConfig() Config {
	return Config{
		RenderTimeout: 30 * time.Second,
		RenderRetry:   workflow.RetryPolicy{Limit: 1, Delay: time.Second, Backoff: workflow.BackoffConstant},
		ClassifyRetry: workflow.NoRetry,
		PersistRetry:  workflow.DefaultRetryPolicy,
		MaxChars:      8000,
		PathPrefix:    "evaluations",
	}
}

// Deps are the collaborators the steps call.
type Deps struct {
	Renderer    links.Renderer
	Classifier  links.Classifier
	Blobs       links.BlobStore
	Evaluations links.EvaluationStore
	// IDs generates evaluation ids.
	IDs    links.IDGenerator
	Clock  links.Clock
	Logger *zap.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Renderer == nil:
		return errors.New("evaluation renderer is required")
	case d.Classifier == nil:
		return errors.New("evaluation classifier is required")
	case d.Blobs == nil:
		return errors.New("evaluation blob store is required")
	case d.Evaluations == nil:
		return errors.New("evaluation store is required")
	case d.IDs == nil:
		return errors.New("evaluation id generator is required")
	case d.Clock == nil:
		return errors.New("evaluation clock is required")
	}
	return nil
}

// RenderOutput is what the render step hands forward. Artifacts stay in blob
// storage and are addressed by EvaluationID.
type RenderOutput struct {
	EvaluationID string `json:"evaluation_id"`
	BodyText     string `json:"body_text"`
}

// ArtifactPaths returns the html, body text and screenshot paths for one evaluation.
func ArtifactPaths(prefix, accountID, evaluationID string) (htmlPath, textPath, screenshotPath string) {
	return path.Join(prefix, accountID, "html", evaluationID),
		path.Join(prefix, accountID, "body-text", evaluationID),
		path.Join(prefix, accountID, "screenshots", evaluationID+".png")
}

type steps struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewDefinition builds the workflow definition.
func NewDefinition(deps Deps, cfg Config) (workflow.Definition, error) {
	if err := deps.validate(); err != nil {
		return workflow.Definition{}, err
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "evaluations"
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &steps{deps: deps, cfg: cfg, logger: logger.Named("evaluation")}

	renderRetry, classifyRetry, persistRetry := cfg.RenderRetry, cfg.ClassifyRetry, cfg.PersistRetry
	return workflow.Definition{
		Name: Name,
		Steps: []workflow.Step{
			// The outer timeout leaves room for the artifact uploads.
			{Name: StepRender, Retry: &renderRetry, Timeout: 2 * cfg.RenderTimeout, Run: s.render},
			{Name: StepClassify, Retry: &classifyRetry, Run: s.classify},
			{Name: StepPersist, Retry: &persistRetry, Run: s.persist},
		},
	}, nil
}

func (s *steps) render(ctx context.Context, run *workflow.Run) (any, error) {
	var req links.EvaluationRequest
	if err := run.Input(&req); err != nil {
		return nil, err
	}
	result, err := s.deps.Renderer.Render(ctx, req.DestinationURL, s.cfg.RenderTimeout)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w: %w", req.DestinationURL, links.ErrCapabilityFailure, err)
	}

	evaluationID, err := s.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate evaluation id: %w", err)
	}
	htmlPath, textPath, shotPath := ArtifactPaths(s.cfg.PathPrefix, req.AccountID, evaluationID)
	artifacts := []struct {
		path        string
		contentType string
		data        []byte
	}{
		{htmlPath, ContentTypeHTML, []byte(result.HTML)},
		{textPath, ContentTypeText, []byte(result.BodyText)},
		{shotPath, ContentTypeScreenshot, result.Screenshot},
	}
	for _, a := range artifacts {
		if _, err := s.deps.Blobs.PutObject(ctx, a.path, a.contentType, a.data); err != nil {
			return nil, fmt.Errorf("store artifact %s: %w: %w", a.path, links.ErrPersistenceUnavailable, err)
		}
	}

	s.logger.Info("destination rendered",
		zap.String("run_id", run.ID()),
		zap.String("link_id", req.LinkID),
		zap.String("evaluation_id", evaluationID),
		zap.Int("status_code", result.StatusCode),
		zap.Duration("duration", result.Duration),
		zap.Int("attempt", run.Attempt()),
	)
	return RenderOutput{EvaluationID: evaluationID, BodyText: result.BodyText}, nil
}

func (s *steps) classify(ctx context.Context, run *workflow.Run) (any, error) {
	var rendered RenderOutput
	if err := run.Output(StepRender, &rendered); err != nil {
		return nil, err
	}
	verdict, err := s.deps.Classifier.Classify(ctx, truncate(rendered.BodyText, s.cfg.MaxChars))
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w: %w", rendered.EvaluationID, links.ErrCapabilityFailure, err)
	}
	if verdict.Status == "" {
		return nil, fmt.Errorf("classify %s: empty status: %w", rendered.EvaluationID, links.ErrCapabilityFailure)
	}
	return verdict, nil
}

func (s *steps) persist(ctx context.Context, run *workflow.Run) (any, error) {
	var (
		req      links.EvaluationRequest
		rendered RenderOutput
		verdict  links.Classification
	)
	if err := run.Input(&req); err != nil {
		return nil, err
	}
	if err := run.Output(StepRender, &rendered); err != nil {
		return nil, err
	}
	if err := run.Output(StepClassify, &verdict); err != nil {
		return nil, err
	}
	htmlPath, textPath, shotPath := ArtifactPaths(s.cfg.PathPrefix, req.AccountID, rendered.EvaluationID)
	record := links.Evaluation{
		ID:             rendered.EvaluationID,
		LinkID:         req.LinkID,
		AccountID:      req.AccountID,
		DestinationURL: req.DestinationURL,
		Status:         verdict.Status,
		Reason:         verdict.Reason,
		HTMLPath:       htmlPath,
		BodyTextPath:   textPath,
		ScreenshotPath: shotPath,
		CreatedAt:      s.deps.Clock.Now(),
	}
	if err := s.deps.Evaluations.InsertEvaluation(ctx, record); err != nil {
		return nil, fmt.Errorf("insert evaluation %s: %w: %w", record.ID, links.ErrPersistenceUnavailable, err)
	}
	s.logger.Info("evaluation persisted",
		zap.String("run_id", run.ID()),
		zap.String("evaluation_id", record.ID),
		zap.String("status", record.Status),
	)
	return record, nil
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
