// Package actor hosts keyed single-owner state. Every key gets one goroutine
// that drains a mailbox, so the state it owns is only ever touched serially
// and needs no locks of its own.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned once the registry has been shut down.
var ErrClosed = errors.New("actor registry closed")

const (
	defaultMailboxSize = 64
	drainPoll          = 10 * time.Millisecond
)

// Config controls how instances are created and evicted.
type Config[K comparable, S any] struct {
	// NewState builds fresh state for a key. Required.
	NewState func(key K) *S
	// IdleTimeout evicts an instance after this long without messages.
	// Zero keeps instances until Close.
	IdleTimeout time.Duration
	// MailboxSize bounds queued messages per instance.
	MailboxSize int
	// Pinned, when it reports true, keeps an idle instance alive.
	Pinned func(state *S) bool
	// OnEvict runs on the instance goroutine when it stops.
	OnEvict func(key K, state *S)
	Logger  *zap.Logger
}

type instance[K comparable, S any] struct {
	key     K
	mailbox chan func(*S)
	quit    chan struct{}
	// pending counts senders that hold a reference; guarded by Registry.mu.
	pending int
}

// Registry maps keys to live instances.
type Registry[K comparable, S any] struct {
	cfg    Config[K, S]
	logger *zap.Logger

	mu     sync.Mutex
	actors map[K]*instance[K, S]
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry[K comparable, S any](cfg Config[K, S]) (*Registry[K, S], error) {
	if cfg.NewState == nil {
		return nil, errors.New("actor: NewState is required")
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry[K, S]{
		cfg:    cfg,
		logger: logger,
		actors: make(map[K]*instance[K, S]),
	}, nil
}

// Send queues fn for the instance owning key and returns once it is accepted.
// It does not wait for fn to run.
func (r *Registry[K, S]) Send(ctx context.Context, key K, fn func(*S)) error {
	inst, err := r.acquire(key)
	if err != nil {
		return err
	}
	defer r.release(inst)

	select {
	case inst.mailbox <- fn:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("actor send: %w", ctx.Err())
	}
}

// Do runs fn on the instance owning key and waits for its result. If ctx
// ends after fn was queued, fn still runs but its result is discarded.
func (r *Registry[K, S]) Do(ctx context.Context, key K, fn func(*S) error) error {
	done := make(chan error, 1)
	err := r.Send(ctx, key, func(s *S) {
		done <- r.invoke(key, s, fn)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("actor do: %w", ctx.Err())
	}
}

// Len reports the number of live instances.
func (r *Registry[K, S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops accepting messages, lets every instance drain its mailbox, and
// waits for them to stop or ctx to end.
func (r *Registry[K, S]) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, inst := range r.actors {
		close(inst.quit)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("actor close: %w", ctx.Err())
	}
}

func (r *Registry[K, S]) acquire(key K) (*instance[K, S], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	inst, ok := r.actors[key]
	if !ok {
		inst = &instance[K, S]{
			key:     key,
			mailbox: make(chan func(*S), r.cfg.MailboxSize),
			quit:    make(chan struct{}),
		}
		r.actors[key] = inst
		r.wg.Add(1)
		go r.run(inst)
	}
	inst.pending++
	return inst, nil
}

func (r *Registry[K, S]) release(inst *instance[K, S]) {
	r.mu.Lock()
	inst.pending--
	r.mu.Unlock()
}

func (r *Registry[K, S]) run(inst *instance[K, S]) {
	defer r.wg.Done()
	state := r.cfg.NewState(inst.key)

	var idle <-chan time.Time
	var timer *time.Timer
	if r.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(r.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case fn := <-inst.mailbox:
			r.handle(inst.key, state, fn)
			if timer != nil {
				timer.Reset(r.cfg.IdleTimeout)
			}
		case <-idle:
			if r.tryEvict(inst, state) {
				r.stop(inst.key, state)
				return
			}
			timer.Reset(r.cfg.IdleTimeout)
		case <-inst.quit:
			r.drain(inst, state)
			r.stop(inst.key, state)
			return
		}
	}
}

// tryEvict removes the instance only when no sender holds it, the mailbox is
// empty and the state is not pinned. The check happens under the registry
// lock, so a sender either sees the old instance before removal (and blocks
// eviction) or creates a fresh one after it.
func (r *Registry[K, S]) tryEvict(inst *instance[K, S], state *S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst.pending > 0 || len(inst.mailbox) > 0 {
		return false
	}
	if r.cfg.Pinned != nil && r.cfg.Pinned(state) {
		return false
	}
	delete(r.actors, inst.key)
	return true
}

func (r *Registry[K, S]) drain(inst *instance[K, S], state *S) {
	for {
		select {
		case fn := <-inst.mailbox:
			r.handle(inst.key, state, fn)
			continue
		default:
		}
		r.mu.Lock()
		settled := inst.pending == 0 && len(inst.mailbox) == 0
		if settled {
			delete(r.actors, inst.key)
		}
		r.mu.Unlock()
		if settled {
			return
		}
		select {
		case fn := <-inst.mailbox:
			r.handle(inst.key, state, fn)
		case <-time.After(drainPoll):
		}
	}
}

func (r *Registry[K, S]) stop(key K, state *S) {
	if r.cfg.OnEvict != nil {
		r.cfg.OnEvict(key, state)
	}
}

func (r *Registry[K, S]) handle(key K, state *S, fn func(*S)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("actor message panicked", zap.Any("key", key), zap.Any("panic", rec))
		}
	}()
	fn(state)
}

func (r *Registry[K, S]) invoke(key K, state *S, fn func(*S) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("actor call panicked", zap.Any("key", key), zap.Any("panic", rec))
			err = fmt.Errorf("actor call panicked: %v", rec)
		}
	}()
	return fn(state)
}
