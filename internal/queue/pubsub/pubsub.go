// Package pubsub carries click events over Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/links"
)

const tracerName = "github.com/JakeFAU/geolink/internal/queue/pubsub"

// Producer publishes click events to a topic.
type Producer struct {
	publisher *pubsub.Publisher
}

// NewProducer creates a Producer for the provided topic publisher.
func NewProducer(publisher *pubsub.Publisher) *Producer {
	return &Producer{publisher: publisher}
}

// Send marshals the event to JSON and waits for the server to accept it.
// The caller's trace context travels in the message attributes.
func (p *Producer) Send(ctx context.Context, event links.ClickEvent) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal click: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"link_id": event.LinkID, "account_id": event.AccountID},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish click: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Producer) Close() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// Consumer receives click events from a subscription.
type Consumer struct {
	subscriber *pubsub.Subscriber
	logger     *zap.Logger
}

// NewConsumer wraps a subscriber. maxOutstanding > 0 bounds in-flight messages.
func NewConsumer(subscriber *pubsub.Subscriber, maxOutstanding int, logger *zap.Logger) *Consumer {
	if maxOutstanding > 0 {
		subscriber.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{subscriber: subscriber, logger: logger.Named("pubsub_consumer")}
}

// Run blocks until ctx ends. Handler success acks; failure nacks so Pub/Sub
// redelivers. Undecodable messages are acked and logged.
func (c *Consumer) Run(ctx context.Context, handler links.ClickHandler) error {
	tracer := otel.Tracer(tracerName)
	err := c.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: msg.Attributes})
		ctx, span := tracer.Start(ctx, "click.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("messaging.message.id", msg.ID)),
		)
		defer span.End()

		var event links.ClickEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			c.logger.Error("discarding malformed click message", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		if err := handler(ctx, event); err != nil {
			span.RecordError(err)
			c.logger.Warn("click handler failed, requesting redelivery",
				zap.String("message_id", msg.ID),
				zap.String("link_id", event.LinkID),
				zap.Error(err),
			)
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
