// Package asynqqueue carries click events as asynq tasks on Redis.
package asynqqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/links"
)

const (
	// TaskClick is the task type for a captured click.
	TaskClick = "link:click"
	// DefaultQueue is used when no queue name is configured.
	DefaultQueue = "clicks"
)

// NewClickTask encodes an event as a task.
func NewClickTask(event links.ClickEvent) (*asynq.Task, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal click: %w", err)
	}
	return asynq.NewTask(TaskClick, body), nil
}

// Producer enqueues click tasks.
type Producer struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

// NewProducer wraps an asynq client. maxRetry <= 0 keeps the asynq default.
func NewProducer(client *asynq.Client, queue string, maxRetry int) *Producer {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Producer{client: client, queue: queue, maxRetry: maxRetry}
}

// Send enqueues one click.
func (p *Producer) Send(ctx context.Context, event links.ClickEvent) error {
	task, err := NewClickTask(event)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(p.queue)}
	if p.maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(p.maxRetry))
	}
	if _, err := p.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue click: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (p *Producer) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close asynq client: %w", err)
	}
	return nil
}

// ServerConfig controls the consuming server.
type ServerConfig struct {
	Queue       string
	Concurrency int
}

// BuildServerConfig returns the asynq server settings for the click queue.
func BuildServerConfig(cfg ServerConfig) asynq.Config {
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
	}
}

// Consumer processes click tasks with an asynq server.
type Consumer struct {
	server *asynq.Server
	logger *zap.Logger
}

// NewConsumer builds a consumer on the given Redis connection.
func NewConsumer(opt asynq.RedisConnOpt, cfg ServerConfig, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		server: asynq.NewServer(opt, BuildServerConfig(cfg)),
		logger: logger.Named("asynq_consumer"),
	}
}

// Register adds the click handler to mux.
func Register(mux *asynq.ServeMux, handler links.ClickHandler, logger *zap.Logger) {
	mux.HandleFunc(TaskClick, handleClick(handler, logger))
}

// Run serves tasks until ctx ends, then shuts the server down.
func (c *Consumer) Run(ctx context.Context, handler links.ClickHandler) error {
	mux := asynq.NewServeMux()
	Register(mux, handler, c.logger)
	if err := c.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	c.server.Shutdown()
	return nil
}

// handleClick decodes the payload. Undecodable tasks skip retry; handler
// errors are returned so asynq retries with backoff.
func handleClick(handler links.ClickHandler, logger *zap.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var event links.ClickEvent
		if err := json.Unmarshal(task.Payload(), &event); err != nil {
			logger.Error("discarding malformed click task", zap.Error(err))
			return fmt.Errorf("decode click: %v: %w", err, asynq.SkipRetry)
		}
		if err := handler(ctx, event); err != nil {
			if errors.Is(err, links.ErrInvalidInput) {
				return fmt.Errorf("handle click: %v: %w", err, asynq.SkipRetry)
			}
			return fmt.Errorf("handle click: %w", err)
		}
		return nil
	}
}
