// Package tracker aggregates geolocated clicks per account and streams the
// aggregate to live observers. Each account's state is owned by one actor.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/geolink/internal/actor"
	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/metrics"
)

const (
	defaultWindow         = time.Minute
	defaultRetention      = time.Hour
	defaultIdleTimeout    = 5 * time.Minute
	defaultObserverBuffer = 64
)

// Config tunes bucketing, retention and eviction.
type Config struct {
	Window         time.Duration
	Retention      time.Duration
	IdleTimeout    time.Duration
	ObserverBuffer int
	// Store is optional; without it the aggregate lives only in memory.
	Store  Store
	Clock  links.Clock
	Logger *zap.Logger
}

type bucketKey struct {
	window  int64
	country string
}

type observer struct {
	updates chan Update
}

type state struct {
	accountID string
	loaded    bool
	buckets   map[bucketKey]*Totals
	observers map[uint64]*observer
}

// Tracker routes clicks and subscriptions to per-account actors.
type Tracker struct {
	cfg      Config
	logger   *zap.Logger
	registry *actor.Registry[string, state]
	slowLog  rate.Sometimes
	subIDs   atomic.Uint64
}

// New builds a Tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Retention < cfg.Window {
		return nil, errors.New("tracker retention must be at least one window")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = defaultObserverBuffer
	}
	if cfg.Clock == nil {
		return nil, errors.New("tracker clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tracker")

	t := &Tracker{
		cfg:     cfg,
		logger:  logger,
		slowLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	reg, err := actor.NewRegistry(actor.Config[string, state]{
		NewState: func(accountID string) *state {
			return &state{
				accountID: accountID,
				buckets:   make(map[bucketKey]*Totals),
				observers: make(map[uint64]*observer),
			}
		},
		IdleTimeout: cfg.IdleTimeout,
		Pinned:      func(s *state) bool { return len(s.observers) > 0 },
		OnEvict:     func(_ string, s *state) { t.dropObservers(s) },
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("tracker registry: %w", err)
	}
	t.registry = reg
	return t, nil
}

// AddClick merges one click into the account aggregate and notifies
// observers. A store failure returns links.ErrPersistenceUnavailable and
// leaves the in-memory aggregate untouched.
func (t *Tracker) AddClick(ctx context.Context, accountID string, click links.TrackedClick) error {
	if accountID == "" {
		return fmt.Errorf("add click: account id is required: %w", links.ErrInvalidInput)
	}
	return t.registry.Do(ctx, accountID, func(s *state) error {
		if err := t.ensureLoaded(ctx, s); err != nil {
			return err
		}
		window := t.windowStart(time.UnixMilli(click.TimestampMillis))
		if t.cfg.Store != nil {
			if err := t.cfg.Store.Record(ctx, accountID, window, click); err != nil {
				return fmt.Errorf("record click for %s: %w: %w", accountID, links.ErrPersistenceUnavailable, err)
			}
		}
		key := bucketKey{window: window.UnixMilli(), country: click.Country}
		totals, ok := s.buckets[key]
		if !ok {
			totals = &Totals{WindowStart: window, Country: click.Country}
			s.buckets[key] = totals
		}
		totals.Count++
		totals.LatSum += click.Latitude
		totals.LonSum += click.Longitude
		t.prune(s)

		bucket := totals.bucket()
		c := click
		t.broadcast(s, Update{Type: UpdateClick, AccountID: accountID, Click: &c, Bucket: &bucket})
		return nil
	})
}

// Snapshot returns the current aggregate for an account.
func (t *Tracker) Snapshot(ctx context.Context, accountID string) (Aggregate, error) {
	var agg Aggregate
	err := t.registry.Do(ctx, accountID, func(s *state) error {
		if err := t.ensureLoaded(ctx, s); err != nil {
			return err
		}
		t.prune(s)
		agg = snapshot(s)
		return nil
	})
	if err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}

// Subscribe registers a live observer. The first message on the returned
// subscription is always the snapshot.
func (t *Tracker) Subscribe(ctx context.Context, accountID string) (*Subscription, error) {
	if accountID == "" {
		return nil, fmt.Errorf("subscribe: account id is required: %w", links.ErrInvalidInput)
	}
	sub := &Subscription{
		id:        t.subIDs.Add(1),
		accountID: accountID,
		tracker:   t,
	}
	err := t.registry.Do(ctx, accountID, func(s *state) error {
		// The caller may have given up while this message waited in the mailbox.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.ensureLoaded(ctx, s); err != nil {
			// An observer can still watch live clicks without history.
			t.logger.Warn("load aggregate for observer", zap.String("account_id", accountID), zap.Error(err))
		}
		t.prune(s)
		obs := &observer{updates: make(chan Update, t.cfg.ObserverBuffer)}
		s.observers[sub.id] = obs
		metrics.IncObservers()
		agg := snapshot(s)
		obs.updates <- Update{Type: UpdateSnapshot, AccountID: accountID, Snapshot: &agg}
		sub.updates = obs.updates
		return nil
	})
	if err != nil {
		// Registration may still have raced ahead of the cancellation; the
		// mailbox is FIFO so this removal runs after it.
		t.unsubscribe(accountID, sub.id)
		return nil, err
	}
	return sub, nil
}

// Close stops every account actor and closes all subscriptions.
func (t *Tracker) Close(ctx context.Context) error {
	return t.registry.Close(ctx)
}

func (t *Tracker) unsubscribe(accountID string, id uint64) {
	err := t.registry.Send(context.Background(), accountID, func(s *state) {
		obs, ok := s.observers[id]
		if !ok {
			return
		}
		delete(s.observers, id)
		close(obs.updates)
		metrics.DecObservers()
	})
	if err != nil && !errors.Is(err, actor.ErrClosed) {
		t.logger.Warn("unsubscribe observer", zap.String("account_id", accountID), zap.Error(err))
	}
}

func (t *Tracker) ensureLoaded(ctx context.Context, s *state) error {
	if s.loaded {
		return nil
	}
	if t.cfg.Store == nil {
		s.loaded = true
		return nil
	}
	totals, err := t.cfg.Store.Load(ctx, s.accountID, t.retainedWindows())
	if err != nil {
		return fmt.Errorf("load aggregate for %s: %w: %w", s.accountID, links.ErrPersistenceUnavailable, err)
	}
	for _, tot := range totals {
		s.buckets[bucketKey{window: tot.WindowStart.UnixMilli(), country: tot.Country}] = &tot
	}
	s.loaded = true
	return nil
}

// broadcast never blocks. An observer whose buffer is full is dropped.
func (t *Tracker) broadcast(s *state, update Update) {
	for id, obs := range s.observers {
		select {
		case obs.updates <- update:
		default:
			delete(s.observers, id)
			close(obs.updates)
			metrics.DecObservers()
			t.slowLog.Do(func() {
				t.logger.Warn("dropping slow click observer", zap.String("account_id", s.accountID))
			})
		}
	}
}

func (t *Tracker) dropObservers(s *state) {
	for id, obs := range s.observers {
		delete(s.observers, id)
		close(obs.updates)
		metrics.DecObservers()
	}
}

func (t *Tracker) prune(s *state) {
	cutoff := t.oldestWindow().UnixMilli()
	for key := range s.buckets {
		if key.window < cutoff {
			delete(s.buckets, key)
		}
	}
}

func (t *Tracker) windowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(t.cfg.Window)
}

func (t *Tracker) oldestWindow() time.Time {
	return t.windowStart(t.cfg.Clock.Now()).Add(-t.cfg.Retention + t.cfg.Window)
}

func (t *Tracker) retainedWindows() []time.Time {
	newest := t.windowStart(t.cfg.Clock.Now())
	var windows []time.Time
	for w := t.oldestWindow(); !w.After(newest); w = w.Add(t.cfg.Window) {
		windows = append(windows, w)
	}
	return windows
}

func snapshot(s *state) Aggregate {
	agg := Aggregate{AccountID: s.accountID, Buckets: make([]Bucket, 0, len(s.buckets))}
	for _, tot := range s.buckets {
		agg.Total += tot.Count
		agg.Buckets = append(agg.Buckets, tot.bucket())
	}
	sort.Slice(agg.Buckets, func(i, j int) bool {
		a, b := agg.Buckets[i], agg.Buckets[j]
		if !a.WindowStart.Equal(b.WindowStart) {
			return a.WindowStart.Before(b.WindowStart)
		}
		return a.Country < b.Country
	})
	return agg
}

// Subscription delivers Updates for one account until closed.
type Subscription struct {
	accountID string
	id        uint64
	updates   chan Update
	tracker   *Tracker
	once      sync.Once
}

// Updates is closed when the subscription ends, either through Close, a
// slow consumer drop, or tracker shutdown.
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// Close unregisters the observer. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.tracker.unsubscribe(s.accountID, s.id)
	})
}
