package links

import (
	"context"
	"time"
)

// LinkStore is the durable source of link routing data.
type LinkStore interface {
	// GetLink returns ErrNotFound when no record exists.
	GetLink(ctx context.Context, linkID string) (Link, error)
}

// ClickStore persists click events delivered by the durable queue.
type ClickStore interface {
	AppendClick(ctx context.Context, event ClickEvent) error
}

// EvaluationStore persists evaluation records. Inserting an id that already
// exists must be a no-op.
type EvaluationStore interface {
	InsertEvaluation(ctx context.Context, evaluation Evaluation) error
}

// Cache is the fast, volatile key/value store in front of the LinkStore.
// Get reports found=false on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ClickQueue delivers click events at least once to a downstream consumer.
type ClickQueue interface {
	Send(ctx context.Context, event ClickEvent) error
}

// ClickHandler consumes events delivered by a ClickQueue. Returning an error
// asks the transport to redeliver.
type ClickHandler func(ctx context.Context, event ClickEvent) error

// Renderer loads a destination in a browser-like environment.
type Renderer interface {
	Render(ctx context.Context, url string, timeout time.Duration) (RenderResult, error)
}

// Classifier derives a status and reason from page text.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// ClickConsumer runs a ClickHandler against a queue until ctx ends.
type ClickConsumer interface {
	Run(ctx context.Context, handler ClickHandler) error
}
