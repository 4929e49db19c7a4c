package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geolink/internal/clock/manual"
	"github.com/JakeFAU/geolink/internal/links"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeStarter struct {
	mu       sync.Mutex
	requests []links.EvaluationRequest
	failNext int
}

func (f *fakeStarter) StartEvaluation(_ context.Context, req links.EvaluationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return "", errors.New("engine unavailable")
	}
	f.requests = append(f.requests, req)
	return fmt.Sprintf("run-%d", len(f.requests)), nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeStateStore struct {
	mu    sync.Mutex
	saved map[Key]time.Time
	ttl   time.Duration
}

func (f *fakeStateStore) LoadTrigger(_ context.Context, key Key) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.saved[key]
	return ts, ok, nil
}

func (f *fakeStateStore) SaveTrigger(_ context.Context, key Key, last time.Time, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[key] = last
	f.ttl = ttl
	return nil
}

func newScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestCooldownPolicy(t *testing.T) {
	t.Parallel()

	p := CooldownPolicy{Window: time.Hour}
	require.True(t, p.ShouldTrigger(TriggerState{}, epoch))
	require.False(t, p.ShouldTrigger(TriggerState{LastEvaluated: epoch}, epoch.Add(59*time.Minute)))
	require.True(t, p.ShouldTrigger(TriggerState{LastEvaluated: epoch}, epoch.Add(time.Hour)))

	require.False(t, CooldownPolicy{}.ShouldTrigger(TriggerState{LastEvaluated: epoch}, epoch.Add(23*time.Hour)))
}

func TestFirstClickPolicy(t *testing.T) {
	t.Parallel()

	p := FirstClickPolicy{}
	require.True(t, p.ShouldTrigger(TriggerState{LastEvaluated: epoch}, epoch))
	require.False(t, p.ShouldTrigger(TriggerState{TriggeredSinceStart: true}, epoch.Add(48*time.Hour)))
}

func TestCollectLinkClickCoalescesWithinWindow(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	clk := manual.New(epoch)
	s := newScheduler(t, Config{Starter: starter, Clock: clk, Policy: CooldownPolicy{Window: time.Hour}})
	ctx := context.Background()

	started, err := s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "US")
	require.NoError(t, err)
	require.True(t, started)

	clk.Advance(10 * time.Minute)
	started, err = s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "DE")
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, 1, starter.count())

	state, err := s.State(ctx, Key{LinkID: "link", AccountID: "acct"})
	require.NoError(t, err)
	require.Equal(t, int64(2), state.Clicks)
	require.Equal(t, int64(1), state.Coalesced)
	require.Equal(t, epoch, state.LastEvaluated)

	require.NoError(t, s.Finish(ctx, "link", "acct"))
	clk.Advance(time.Hour)
	started, err = s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, 2, starter.count())
}

func TestCollectLinkClickConcurrentCallsTriggerOnce(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s := newScheduler(t, Config{Starter: starter, Clock: manual.New(epoch)})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "US")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, starter.count())
}

func TestCollectLinkClickKeysAreIndependent(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s := newScheduler(t, Config{Starter: starter, Clock: manual.New(epoch)})
	ctx := context.Background()

	_, err := s.CollectLinkClick(ctx, "acct", "a", "https://a.example", "")
	require.NoError(t, err)
	_, err = s.CollectLinkClick(ctx, "acct", "b", "https://b.example", "")
	require.NoError(t, err)
	_, err = s.CollectLinkClick(ctx, "other", "a", "https://a.example", "")
	require.NoError(t, err)
	require.Equal(t, 3, starter.count())
}

func TestCollectLinkClickRetriesAfterStartFailure(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{failNext: 1}
	s := newScheduler(t, Config{Starter: starter, Clock: manual.New(epoch)})
	ctx := context.Background()

	started, err := s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.Error(t, err)
	require.False(t, started)

	state, err := s.State(ctx, Key{LinkID: "link", AccountID: "acct"})
	require.NoError(t, err)
	require.True(t, state.LastEvaluated.IsZero())
	require.False(t, state.Pending)

	started, err = s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)
	require.True(t, started)
}

func TestCooldownSurvivesEvictionWithStore(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	store := &fakeStateStore{saved: map[Key]time.Time{}}
	clk := manual.New(epoch)
	s := newScheduler(t, Config{
		Starter:     starter,
		Store:       store,
		Clock:       clk,
		Policy:      CooldownPolicy{Window: time.Hour},
		IdleTimeout: 10 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)
	require.Equal(t, time.Hour, store.ttl)
	require.NoError(t, s.Finish(ctx, "link", "acct"))
	require.Eventually(t, func() bool { return s.registry.Len() == 0 }, time.Second, 5*time.Millisecond)

	started, err := s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, 1, starter.count())
}

func TestPendingRunBlocksTriggersUntilFinished(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	clk := manual.New(epoch)
	s := newScheduler(t, Config{
		Starter:        starter,
		Clock:          clk,
		Policy:         CooldownPolicy{Window: time.Minute},
		PendingTimeout: time.Hour,
		IdleTimeout:    10 * time.Millisecond,
	})
	ctx := context.Background()
	key := Key{LinkID: "link", AccountID: "acct"}

	started, err := s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)
	require.True(t, started)

	// the run outlasts the cool-down but is still in flight
	clk.Advance(5 * time.Minute)
	started, err = s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)
	require.False(t, started)

	state, err := s.State(ctx, key)
	require.NoError(t, err)
	require.True(t, state.Pending)
	require.Equal(t, epoch, state.PendingSince)
	require.Equal(t, int64(1), state.Coalesced)

	// a pending actor is pinned against idle eviction
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, s.registry.Len())

	require.NoError(t, s.Finish(ctx, "link", "acct"))
	started, err = s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, 2, starter.count())
}

func TestPendingTimeoutReleasesLostRun(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	clk := manual.New(epoch)
	s := newScheduler(t, Config{
		Starter:        starter,
		Clock:          clk,
		Policy:         CooldownPolicy{Window: time.Minute},
		PendingTimeout: 10 * time.Minute,
	})
	ctx := context.Background()

	_, err := s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	started, err := s.CollectLinkClick(ctx, "acct", "link", "https://example.com", "")
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, 2, starter.count())
}

func TestCollectLinkClickValidatesInput(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, Config{Starter: &fakeStarter{}, Clock: manual.New(epoch)})
	_, err := s.CollectLinkClick(context.Background(), "acct", "link", "", "")
	require.ErrorIs(t, err, links.ErrInvalidInput)
}
