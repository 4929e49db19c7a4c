package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/links"
)

// LinkClickCollector is the scheduler entry point for a persisted click.
type LinkClickCollector interface {
	CollectLinkClick(ctx context.Context, accountID, linkID, destination, country string) (bool, error)
}

// Recorder is the queue-side consumer of click events.
type Recorder struct {
	store     links.ClickStore
	collector LinkClickCollector
	logger    *zap.Logger
}

// NewRecorder builds a Recorder. collector may be nil when evaluations are disabled.
func NewRecorder(store links.ClickStore, collector LinkClickCollector, logger *zap.Logger) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("click store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, collector: collector, logger: logger.Named("recorder")}, nil
}

// Handle persists the click and notifies the scheduler. A store failure is
// returned so the queue redelivers; scheduler failures are only logged.
func (r *Recorder) Handle(ctx context.Context, event links.ClickEvent) error {
	if err := r.store.AppendClick(ctx, event); err != nil {
		return fmt.Errorf("append click: %w: %w", links.ErrPersistenceUnavailable, err)
	}
	if r.collector == nil {
		return nil
	}
	started, err := r.collector.CollectLinkClick(ctx, event.AccountID, event.LinkID, event.Destination, event.Country)
	if err != nil {
		r.logger.Warn("collect link click",
			zap.String("link_id", event.LinkID),
			zap.String("account_id", event.AccountID),
			zap.Error(err),
		)
		return nil
	}
	if started {
		r.logger.Debug("evaluation started", zap.String("link_id", event.LinkID), zap.String("account_id", event.AccountID))
	}
	return nil
}
