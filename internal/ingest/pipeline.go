// Package ingest moves captured clicks off the redirect path. The Pipeline
// fans events out to the durable queue and the live tracker on a bounded
// worker pool; the Recorder consumes the queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/metrics"
)

const (
	defaultWorkers       = 4
	defaultBuffer        = 1024
	defaultSubmitTimeout = 100 * time.Millisecond
	defaultSinkTimeout   = 5 * time.Second
)

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("ingest pipeline closed")

// ClickTracker receives geolocated clicks for live aggregation.
type ClickTracker interface {
	AddClick(ctx context.Context, accountID string, click links.TrackedClick) error
}

// Config wires the pipeline.
type Config struct {
	Workers       int
	Buffer        int
	SubmitTimeout time.Duration
	// SinkTimeout bounds each queue send and tracker call.
	SinkTimeout time.Duration
	Queue       links.ClickQueue
	// Tracker is optional.
	Tracker ClickTracker
	Logger  *zap.Logger
}

// Pipeline is a bounded buffer drained by a fixed set of workers.
type Pipeline struct {
	cfg     Config
	logger  *zap.Logger
	events  chan links.ClickEvent
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	rejectLog  rate.Sometimes
	trackerLog rate.Sometimes
}

// New starts the workers. They run on a context detached from any request.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Queue == nil {
		return nil, errors.New("ingest queue is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		logger:     logger.Named("ingest"),
		events:     make(chan links.ClickEvent, cfg.Buffer),
		baseCtx:    baseCtx,
		cancel:     cancel,
		rejectLog:  rate.Sometimes{Interval: 5 * time.Second},
		trackerLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p, nil
}

// Capture submits an event. It waits at most SubmitTimeout for buffer space
// and returns links.ErrQueueFull when none frees up.
func (p *Pipeline) Capture(event links.ClickEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.events <- event:
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case p.events <- event:
		return nil
	case <-timer.C:
		metrics.ObserveClickSink("ingest", "rejected")
		p.rejectLog.Do(func() {
			p.logger.Warn("click capture rejected, buffer full",
				zap.String("link_id", event.LinkID),
				zap.Int("buffer", cap(p.events)),
			)
		})
		return links.ErrQueueFull
	}
}

// Close stops intake and waits for every accepted event to be processed.
// If ctx ends first, in-flight sink calls are canceled.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("drain ingest pipeline: %w", ctx.Err())
	}
}

func (p *Pipeline) work() {
	defer p.wg.Done()
	for event := range p.events {
		p.process(event)
	}
}

func (p *Pipeline) process(event links.ClickEvent) {
	logger := p.logger.With(zap.String("link_id", event.LinkID), zap.String("account_id", event.AccountID))

	sendCtx, cancel := context.WithTimeout(p.baseCtx, p.cfg.SinkTimeout)
	err := p.cfg.Queue.Send(sendCtx, event)
	cancel()
	if err != nil {
		metrics.ObserveClickSink("queue", "error")
		logger.Error("send click to queue", zap.Error(err))
	} else {
		metrics.ObserveClickSink("queue", "ok")
	}

	if p.cfg.Tracker == nil || !event.HasGeo() {
		return
	}
	trackCtx, cancel := context.WithTimeout(p.baseCtx, p.cfg.SinkTimeout)
	err = p.cfg.Tracker.AddClick(trackCtx, event.AccountID, event.Tracked())
	cancel()
	if err != nil {
		metrics.ObserveClickSink("tracker", "error")
		p.trackerLog.Do(func() {
			logger.Warn("tracker rejected click, dropping", zap.Error(err))
		})
		return
	}
	metrics.ObserveClickSink("tracker", "ok")
}
