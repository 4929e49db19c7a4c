package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geolink/internal/clock/manual"
	"github.com/JakeFAU/geolink/internal/links"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

type flakyStore struct {
	*MemoryStore
	failSaves atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, cp Checkpoint) error {
	if f.failSaves.Load() > 0 {
		f.failSaves.Add(-1)
		return errors.New("db write failed")
	}
	return f.MemoryStore.Save(ctx, cp)
}

type counters struct {
	first, second, third atomic.Int32
}

func retry(limit int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{Limit: limit, Delay: delay, Backoff: BackoffExponential}
}

func threeSteps(c *counters, secondFailures int32) Definition {
	return Definition{
		Name: "pipeline",
		Steps: []Step{
			{
				Name:  "first",
				Retry: retry(1, time.Second),
				Run: func(_ context.Context, run *Run) (any, error) {
					c.first.Add(1)
					var in struct{ Value int }
					if err := run.Input(&in); err != nil {
						return nil, err
					}
					return map[string]int{"doubled": in.Value * 2}, nil
				},
			},
			{
				Name:  "second",
				Retry: retry(3, time.Second),
				Run: func(_ context.Context, run *Run) (any, error) {
					n := c.second.Add(1)
					if n <= secondFailures {
						return nil, errors.New("transient")
					}
					var prev map[string]int
					if err := run.Output("first", &prev); err != nil {
						return nil, err
					}
					return prev["doubled"] + 1, nil
				},
			},
			{
				Name: "third",
				Run: func(context.Context, *Run) (any, error) {
					c.third.Add(1)
					return "done", nil
				},
			},
		},
	}
}

func newEngine(t *testing.T, store CheckpointStore, sleeps *recordedSleeps) *Engine {
	t.Helper()
	cfg := Config{Store: store, Clock: manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
	if sleeps != nil {
		cfg.Sleep = sleeps.sleep
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine
}

func TestExecuteRunsStepsInOrderAndRecordsOutputs(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	engine := newEngine(t, store, &recordedSleeps{})
	c := &counters{}
	require.NoError(t, engine.Register(threeSteps(c, 0)))

	ctx := context.Background()
	runID, err := engine.Create(ctx, "pipeline", "run-1", map[string]int{"Value": 20})
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)

	cp, err := engine.Execute(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, cp.Status)
	require.Equal(t, 3, cp.Cursor)
	require.JSONEq(t, `41`, string(cp.Outputs["second"]))

	stored, err := store.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.JSONEq(t, `{"doubled":40}`, string(stored.Outputs["first"]))

	// completed runs are not re-executed
	_, err = engine.Execute(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, int32(1), c.first.Load())
}

func TestExecuteRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	sleeps := &recordedSleeps{}
	engine := newEngine(t, NewMemoryStore(), sleeps)
	c := &counters{}
	require.NoError(t, engine.Register(threeSteps(c, 2)))

	ctx := context.Background()
	runID, err := engine.Create(ctx, "pipeline", "run-1", map[string]int{"Value": 1})
	require.NoError(t, err)

	cp, err := engine.Execute(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, cp.Status)
	require.Equal(t, int32(3), c.second.Load())
	require.Equal(t, int32(1), c.first.Load(), "completed steps are not re-executed on retry")
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestExecuteMarksRunFailedWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	engine := newEngine(t, store, &recordedSleeps{})
	c := &counters{}
	require.NoError(t, engine.Register(threeSteps(c, 10)))

	ctx := context.Background()
	runID, err := engine.Create(ctx, "pipeline", "run-1", map[string]int{"Value": 1})
	require.NoError(t, err)

	_, err = engine.Execute(ctx, runID)
	require.ErrorIs(t, err, links.ErrRetriesExhausted)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "second", stepErr.Step)
	require.Equal(t, 4, stepErr.Attempts)
	require.EqualError(t, stepErr.Err, "transient")
	require.Zero(t, c.third.Load())

	stored, err := store.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.Equal(t, 1, stored.Cursor)
	require.Contains(t, stored.Error, "second")

	_, err = engine.Execute(ctx, runID)
	require.ErrorIs(t, err, links.ErrRetriesExhausted)
	require.Equal(t, int32(4), c.second.Load())
}

func TestNoRetryFailsOnFirstError(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, NewMemoryStore(), &recordedSleeps{})
	var calls atomic.Int32
	noRetry := NoRetry
	require.NoError(t, engine.Register(Definition{
		Name: "once",
		Steps: []Step{{
			Name:  "only",
			Retry: &noRetry,
			Run: func(context.Context, *Run) (any, error) {
				calls.Add(1)
				return nil, errors.New("classifier offline")
			},
		}},
	}))

	ctx := context.Background()
	runID, err := engine.Create(ctx, "once", "r", nil)
	require.NoError(t, err)
	_, err = engine.Execute(ctx, runID)
	require.ErrorIs(t, err, links.ErrRetriesExhausted)
	require.Equal(t, int32(1), calls.Load())
}

func TestStepTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, NewMemoryStore(), &recordedSleeps{})
	noRetry := NoRetry
	require.NoError(t, engine.Register(Definition{
		Name: "slow",
		Steps: []Step{{
			Name:    "block",
			Retry:   &noRetry,
			Timeout: 10 * time.Millisecond,
			Run: func(ctx context.Context, _ *Run) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}},
	}))

	ctx := context.Background()
	runID, err := engine.Create(ctx, "slow", "r", nil)
	require.NoError(t, err)
	_, err = engine.Execute(ctx, runID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, links.ErrRetriesExhausted)
}

func TestFailedCheckpointSaveAbortsInPlace(t *testing.T) {
	t.Parallel()

	store := &flakyStore{MemoryStore: NewMemoryStore()}
	engine := newEngine(t, store, &recordedSleeps{})
	c := &counters{}
	require.NoError(t, engine.Register(threeSteps(c, 0)))

	ctx := context.Background()
	runID, err := engine.Create(ctx, "pipeline", "run-1", map[string]int{"Value": 1})
	require.NoError(t, err)

	store.failSaves.Store(1)
	_, err = engine.Execute(ctx, runID)
	require.Error(t, err)
	require.NotErrorIs(t, err, links.ErrRetriesExhausted)

	stored, err := store.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, stored.Status)
	require.Zero(t, stored.Cursor)

	cp, err := engine.Execute(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, cp.Status)
	require.Equal(t, int32(2), c.first.Load())
	require.Equal(t, int32(1), c.second.Load())
}

func TestResumeContinuesFromCursor(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Checkpoint{
		RunID:    "interrupted",
		Workflow: "pipeline",
		Input:    json.RawMessage(`{"Value":5}`),
		Cursor:   1,
		Outputs:  map[string]json.RawMessage{"first": json.RawMessage(`{"doubled":10}`)},
		Status:   StatusRunning,
	}))
	require.NoError(t, store.Create(ctx, Checkpoint{
		RunID: "orphan", Workflow: "retired", Status: StatusRunning,
	}))

	engine := newEngine(t, store, &recordedSleeps{})
	c := &counters{}
	require.NoError(t, engine.Register(threeSteps(c, 0)))

	queued, err := engine.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	require.Eventually(t, func() bool {
		cp, err := store.Load(ctx, "interrupted")
		return err == nil && cp.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	cp, err := store.Load(ctx, "interrupted")
	require.NoError(t, err)
	require.JSONEq(t, `11`, string(cp.Outputs["second"]))
	require.Zero(t, c.first.Load())
	require.Equal(t, int32(1), c.third.Load())
}

func TestStartExecutesInBackground(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	engine, err := NewEngine(Config{Store: store, Clock: manual.New(time.Now()), Concurrency: 1})
	require.NoError(t, err)
	c := &counters{}
	require.NoError(t, engine.Register(threeSteps(c, 0)))

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := engine.Start(ctx, "pipeline", id, map[string]int{"Value": 1})
		require.NoError(t, err)
	}
	_, err = engine.Start(ctx, "pipeline", "a", nil)
	require.ErrorIs(t, err, ErrRunExists)

	require.NoError(t, engine.Close(ctx))
	for _, id := range []string{"a", "b", "c"} {
		cp, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, cp.Status)
	}

	_, err = engine.Start(ctx, "pipeline", "d", nil)
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestOnFinishReportsTerminalRunsOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	finished := map[string]Status{}
	engine, err := NewEngine(Config{
		Store: NewMemoryStore(),
		Clock: manual.New(time.Now()),
		Sleep: (&recordedSleeps{}).sleep,
		OnFinish: func(cp Checkpoint) {
			mu.Lock()
			defer mu.Unlock()
			finished[cp.RunID] = cp.Status
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	ok, failing := &counters{}, &counters{}
	require.NoError(t, engine.Register(threeSteps(ok, 0)))
	bad := threeSteps(failing, 10)
	bad.Name = "broken"
	require.NoError(t, engine.Register(bad))

	ctx := context.Background()
	_, err = engine.Create(ctx, "pipeline", "good", map[string]int{"Value": 1})
	require.NoError(t, err)
	_, err = engine.Create(ctx, "broken", "bad", map[string]int{"Value": 1})
	require.NoError(t, err)

	_, err = engine.Execute(ctx, "good")
	require.NoError(t, err)
	_, err = engine.Execute(ctx, "bad")
	require.ErrorIs(t, err, links.ErrRetriesExhausted)

	// re-executing a terminal run does not report it again
	_, err = engine.Execute(ctx, "good")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]Status{"good": StatusCompleted, "bad": StatusFailed}, finished)
}

func TestRegisterValidatesDefinitions(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, NewMemoryStore(), nil)
	step := Step{Name: "s", Run: func(context.Context, *Run) (any, error) { return nil, nil }}

	require.Error(t, engine.Register(Definition{}))
	require.Error(t, engine.Register(Definition{Name: "empty"}))
	require.Error(t, engine.Register(Definition{Name: "dup", Steps: []Step{step, step}}))
	require.NoError(t, engine.Register(Definition{Name: "ok", Steps: []Step{step}}))
	require.Error(t, engine.Register(Definition{Name: "ok", Steps: []Step{step}}))

	_, err := engine.Create(context.Background(), "missing", "r", nil)
	require.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Second, RetryPolicy{Delay: time.Second}.delay(3))
	require.Equal(t, 3*time.Second, RetryPolicy{Delay: time.Second, Backoff: BackoffLinear}.delay(3))
	require.Equal(t, 4*time.Second, DefaultRetryPolicy.delay(3))
	require.Zero(t, NoRetry.delay(1))
}
