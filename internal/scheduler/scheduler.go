// Package scheduler decides when a link destination should be re-evaluated.
// Each (link, account) pair is owned by one actor that applies a Policy to
// the clicks it sees and coalesces overlapping triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/actor"
	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/metrics"
)

const (
	defaultIdleTimeout = 10 * time.Minute
	// DefaultPendingTimeout releases a pending flag whose run never reported
	// back, e.g. one left for resume by a shutdown.
	DefaultPendingTimeout = 30 * time.Minute
)

// Key identifies one scheduler actor.
type Key struct {
	LinkID    string
	AccountID string
}

// TriggerState is owned by the actor for a Key.
type TriggerState struct {
	LastEvaluated time.Time
	// Pending is set from a successful start until the run reports a
	// terminal state through Finish.
	Pending             bool
	PendingSince        time.Time
	TriggeredSinceStart bool
	Clicks              int64
	Coalesced           int64
	loaded              bool
}

// Starter launches an evaluation run and returns its id.
type Starter interface {
	StartEvaluation(ctx context.Context, req links.EvaluationRequest) (string, error)
}

// StateStore persists the last evaluation time so the cool-down survives
// eviction and restarts.
type StateStore interface {
	LoadTrigger(ctx context.Context, key Key) (time.Time, bool, error)
	SaveTrigger(ctx context.Context, key Key, lastEvaluated time.Time, ttl time.Duration) error
}

// Config wires the scheduler.
type Config struct {
	Policy      Policy
	Starter     Starter
	Store       StateStore
	Clock       links.Clock
	IdleTimeout time.Duration
	// PendingTimeout bounds how long an unfinished run blocks new triggers.
	PendingTimeout time.Duration
	// StateTTL bounds how long persisted trigger state is kept.
	StateTTL time.Duration
	Logger   *zap.Logger
}

// Scheduler routes clicks to per-key trigger actors.
type Scheduler struct {
	cfg      Config
	logger   *zap.Logger
	registry *actor.Registry[Key, TriggerState]
}

// New builds a Scheduler. The policy defaults to a 24h cool-down.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Starter == nil {
		return nil, errors.New("scheduler starter is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("scheduler clock is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = CooldownPolicy{Window: DefaultCooldown}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultCooldown
		if p, ok := cfg.Policy.(CooldownPolicy); ok && p.Window > 0 {
			cfg.StateTTL = p.Window
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	s := &Scheduler{cfg: cfg, logger: logger}
	reg, err := actor.NewRegistry(actor.Config[Key, TriggerState]{
		NewState:    func(Key) *TriggerState { return &TriggerState{} },
		IdleTimeout: cfg.IdleTimeout,
		Pinned:      func(st *TriggerState) bool { return s.pending(st, cfg.Clock.Now()) },
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler registry: %w", err)
	}
	s.registry = reg
	return s, nil
}

// CollectLinkClick records a click and starts an evaluation when the policy
// fires. It reports whether a run was started. Clicks that arrive while a run
// is pending or inside the policy window are coalesced.
func (s *Scheduler) CollectLinkClick(ctx context.Context, accountID, linkID, destination, country string) (bool, error) {
	req := links.EvaluationRequest{LinkID: linkID, AccountID: accountID, DestinationURL: destination}
	if err := req.Validate(); err != nil {
		return false, fmt.Errorf("collect link click: %w", err)
	}
	key := Key{LinkID: linkID, AccountID: accountID}
	logger := s.logger.With(
		zap.String("link_id", linkID),
		zap.String("account_id", accountID),
		zap.String("country", country),
	)

	var started bool
	err := s.registry.Do(ctx, key, func(state *TriggerState) error {
		s.ensureLoaded(ctx, key, state, logger)
		state.Clicks++

		now := s.cfg.Clock.Now()
		if s.pending(state, now) || !s.cfg.Policy.ShouldTrigger(*state, now) {
			state.Coalesced++
			metrics.ObserveEvaluation("coalesced")
			return nil
		}
		if state.Pending {
			logger.Warn("pending evaluation never finished, releasing", zap.Time("pending_since", state.PendingSince))
		}

		state.Pending = false
		runID, err := s.cfg.Starter.StartEvaluation(ctx, req)
		if err != nil {
			metrics.ObserveEvaluation("failed")
			return fmt.Errorf("start evaluation for %s: %w", linkID, err)
		}

		state.LastEvaluated = now
		state.Pending = true
		state.PendingSince = now
		state.TriggeredSinceStart = true
		started = true
		metrics.ObserveEvaluation("triggered")
		logger.Info("evaluation started", zap.String("run_id", runID), zap.String("destination", destination))

		if s.cfg.Store != nil {
			if err := s.cfg.Store.SaveTrigger(ctx, key, now, s.cfg.StateTTL); err != nil {
				logger.Warn("persist trigger state", zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return started, nil
}

// Finish clears the pending flag once the run started for (linkID,
// accountID) reaches a terminal state. It does not wait for the actor.
func (s *Scheduler) Finish(ctx context.Context, linkID, accountID string) error {
	key := Key{LinkID: linkID, AccountID: accountID}
	err := s.registry.Send(ctx, key, func(state *TriggerState) {
		state.Pending = false
		state.PendingSince = time.Time{}
	})
	if err != nil {
		return fmt.Errorf("finish evaluation for %s: %w", linkID, err)
	}
	return nil
}

// State returns a copy of the trigger state for a key.
func (s *Scheduler) State(ctx context.Context, key Key) (TriggerState, error) {
	var out TriggerState
	err := s.registry.Do(ctx, key, func(state *TriggerState) error {
		s.ensureLoaded(ctx, key, state, s.logger)
		out = *state
		return nil
	})
	return out, err
}

// Close stops every scheduler actor.
func (s *Scheduler) Close(ctx context.Context) error {
	return s.registry.Close(ctx)
}

func (s *Scheduler) pending(state *TriggerState, now time.Time) bool {
	return state.Pending && now.Sub(state.PendingSince) < s.cfg.PendingTimeout
}

// ensureLoaded fails open: if the store is down the actor proceeds with what
// it has in memory and retries the load on the next click.
func (s *Scheduler) ensureLoaded(ctx context.Context, key Key, state *TriggerState, logger *zap.Logger) {
	if state.loaded {
		return
	}
	if s.cfg.Store == nil {
		state.loaded = true
		return
	}
	last, ok, err := s.cfg.Store.LoadTrigger(ctx, key)
	if err != nil {
		logger.Warn("load trigger state", zap.Error(err))
		return
	}
	if ok && last.After(state.LastEvaluated) {
		state.LastEvaluated = last
	}
	state.loaded = true
}
