package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geolink/internal/links"
)

type fakeQueue struct {
	mu      sync.Mutex
	events  []links.ClickEvent
	block   chan struct{}
	entered chan struct{}
	err     error
}

func (q *fakeQueue) Send(ctx context.Context, event links.ClickEvent) error {
	if q.entered != nil {
		select {
		case q.entered <- struct{}{}:
		default:
		}
	}
	if q.block != nil {
		select {
		case <-q.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	return q.err
}

func (q *fakeQueue) sent() []links.ClickEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]links.ClickEvent(nil), q.events...)
}

type fakeTracker struct {
	mu     sync.Mutex
	clicks map[string][]links.TrackedClick
	err    error
}

func (f *fakeTracker) AddClick(_ context.Context, accountID string, click links.TrackedClick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.clicks == nil {
		f.clicks = map[string][]links.TrackedClick{}
	}
	f.clicks[accountID] = append(f.clicks[accountID], click)
	return nil
}

func (f *fakeTracker) count(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clicks[accountID])
}

func geoEvent(linkID string) links.ClickEvent {
	lat, lon := 40.7, -74.0
	return links.ClickEvent{
		LinkID:      linkID,
		AccountID:   "acct",
		Country:     "US",
		Destination: "https://example.com",
		Latitude:    &lat,
		Longitude:   &lon,
		Timestamp:   time.UnixMilli(1700000000000),
	}
}

func TestPipelineFansOutToQueueAndTracker(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	tracker := &fakeTracker{}
	p, err := New(Config{Workers: 2, Buffer: 8, Queue: queue, Tracker: tracker})
	require.NoError(t, err)

	require.NoError(t, p.Capture(geoEvent("geo")))
	require.NoError(t, p.Capture(links.ClickEvent{LinkID: "plain", AccountID: "acct", Destination: "https://example.com"}))
	require.NoError(t, p.Close(context.Background()))

	require.Len(t, queue.sent(), 2)
	require.Equal(t, 1, tracker.count("acct"))
	require.Equal(t, "US", tracker.clicks["acct"][0].Country)
	require.Equal(t, int64(1700000000000), tracker.clicks["acct"][0].TimestampMillis)
}

func TestPipelineDropsTrackerFailures(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	tracker := &fakeTracker{err: links.ErrPersistenceUnavailable}
	p, err := New(Config{Workers: 1, Buffer: 4, Queue: queue, Tracker: tracker})
	require.NoError(t, err)

	require.NoError(t, p.Capture(geoEvent("a")))
	require.NoError(t, p.Capture(geoEvent("b")))
	require.NoError(t, p.Close(context.Background()))

	require.Len(t, queue.sent(), 2)
	require.Equal(t, 0, tracker.count("acct"))
}

func TestPipelineQueueErrorStillFeedsTracker(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{err: errors.New("broker down")}
	tracker := &fakeTracker{}
	p, err := New(Config{Workers: 1, Buffer: 4, Queue: queue, Tracker: tracker})
	require.NoError(t, err)

	require.NoError(t, p.Capture(geoEvent("a")))
	require.NoError(t, p.Close(context.Background()))
	require.Equal(t, 1, tracker.count("acct"))
}

func TestPipelineRejectsWhenFull(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	p, err := New(Config{Workers: 1, Buffer: 1, SubmitTimeout: 10 * time.Millisecond, Queue: queue})
	require.NoError(t, err)

	require.NoError(t, p.Capture(geoEvent("in-flight")))
	select {
	case <-queue.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first event")
	}
	require.NoError(t, p.Capture(geoEvent("buffered")))

	start := time.Now()
	err = p.Capture(geoEvent("rejected"))
	require.ErrorIs(t, err, links.ErrQueueFull)
	require.Less(t, time.Since(start), time.Second)

	close(queue.block)
	require.NoError(t, p.Close(context.Background()))
	require.Len(t, queue.sent(), 2)
}

func TestPipelineCloseDrainsAcceptedEvents(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	p, err := New(Config{Workers: 3, Buffer: 100, Queue: queue})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Capture(links.ClickEvent{LinkID: "l", AccountID: "a"}))
	}
	require.NoError(t, p.Close(context.Background()))
	require.Len(t, queue.sent(), 50)

	require.ErrorIs(t, p.Capture(links.ClickEvent{}), ErrClosed)
	require.NoError(t, p.Close(context.Background()))
}

func TestPipelineCloseHonoursDeadline(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{block: make(chan struct{})}
	p, err := New(Config{Workers: 1, Buffer: 1, Queue: queue, SinkTimeout: time.Minute})
	require.NoError(t, err)
	require.NoError(t, p.Capture(links.ClickEvent{LinkID: "stuck"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}

func TestNewRequiresQueue(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
