// Package memory provides a bounded in-process click queue for local
// development and single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/links"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 100 * time.Millisecond
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("queue closed")

// Config tunes redelivery of failed events.
type Config struct {
	Capacity    int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *zap.Logger
}

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	cfg     Config
	logger  *zap.Logger
	ch      chan links.ClickEvent
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:    cfg,
		logger: logger.Named("memory_queue"),
		ch:     make(chan links.ClickEvent, cfg.Capacity),
	}
}

// Send pushes an event into the queue or returns if the context ends.
func (q *Queue) Send(ctx context.Context, event links.ClickEvent) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- event:
		return nil
	}
}

// Run delivers events to handler until ctx ends or the queue is closed and
// drained. A failing event is retried up to MaxAttempts and then dropped.
func (q *Queue) Run(ctx context.Context, handler links.ClickHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.deliver(ctx, handler, event)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, handler links.ClickHandler, event links.ClickEvent) {
	var err error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if err = handler(ctx, event); err == nil {
			return
		}
		if attempt == q.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.RetryDelay):
		}
	}
	q.logger.Error("dropping click after failed deliveries",
		zap.String("link_id", event.LinkID),
		zap.String("account_id", event.AccountID),
		zap.Int("attempts", q.cfg.MaxAttempts),
		zap.Error(err),
	)
}

// Len reports the number of undelivered events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake. Run returns once buffered events are delivered.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
