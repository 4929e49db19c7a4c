package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/geolink/internal/links"
)

// Store is an in-memory LinkStore, ClickStore and EvaluationStore.
type Store struct {
	mu          sync.RWMutex
	links       map[string]links.Link
	clicks      []links.ClickEvent
	evaluations map[string]links.Evaluation
	order       []string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		links:       make(map[string]links.Link),
		evaluations: make(map[string]links.Evaluation),
	}
}

// PutLink validates and stores a link. The core never writes links; this
// stands in for the admin surface in development and tests.
func (s *Store) PutLink(link links.Link) error {
	if err := link.Validate(); err != nil {
		return err
	}
	link.Destinations = link.Destinations.Clone()
	s.mu.Lock()
	s.links[link.ID] = link
	s.mu.Unlock()
	return nil
}

// GetLink returns links.ErrNotFound for unknown ids.
func (s *Store) GetLink(_ context.Context, linkID string) (links.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkID]
	if !ok {
		return links.Link{}, fmt.Errorf("link %s: %w", linkID, links.ErrNotFound)
	}
	link.Destinations = link.Destinations.Clone()
	return link, nil
}

// AppendClick records a click.
func (s *Store) AppendClick(_ context.Context, event links.ClickEvent) error {
	s.mu.Lock()
	s.clicks = append(s.clicks, event)
	s.mu.Unlock()
	return nil
}

// Clicks returns a copy of every recorded click.
func (s *Store) Clicks() []links.ClickEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]links.ClickEvent(nil), s.clicks...)
}

// InsertEvaluation stores an evaluation once; repeated ids are ignored.
func (s *Store) InsertEvaluation(_ context.Context, evaluation links.Evaluation) error {
	if evaluation.ID == "" {
		return fmt.Errorf("evaluation id is required: %w", links.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.evaluations[evaluation.ID]; exists {
		return nil
	}
	s.evaluations[evaluation.ID] = evaluation
	s.order = append(s.order, evaluation.ID)
	return nil
}

// Evaluations returns stored evaluations in insertion order.
func (s *Store) Evaluations() []links.Evaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]links.Evaluation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.evaluations[id])
	}
	return out
}
