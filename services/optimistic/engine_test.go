// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package optimistic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// viewState is a stand-in for caller-visible UI state.
type viewState struct {
	mu    sync.Mutex
	items map[string]string
}

func newViewState() *viewState {
	return &viewState{items: map[string]string{"existing": "kept"}}
}

func (v *viewState) snapshot() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.items))
	for k, val := range v.items {
		out[k] = val
	}
	return out
}

// addItem returns a mutation that inserts key and removes it on rollback.
func (v *viewState) addItem(key, value string) Funcs {
	return Funcs{
		Name: "add " + key,
		ApplyFn: func() {
			v.mu.Lock()
			v.items[key] = value
			v.mu.Unlock()
		},
		RollbackFn: func() error {
			v.mu.Lock()
			delete(v.items, key)
			v.mu.Unlock()
			return nil
		},
	}
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitForLen(t *testing.T, e *Engine, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Len() == n }, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// Run
// =============================================================================

func TestRun_Commit(t *testing.T) {
	e := NewEngine(DefaultConfig())
	view := newViewState()

	v, err := Run(context.Background(), e, "op-1", view.addItem("topic", "Go"), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, "Go", view.snapshot()["topic"])
	assert.Zero(t, e.Len())
}

func TestRun_ApplyVisibleBeforeOperation(t *testing.T) {
	e := NewEngine(DefaultConfig())
	view := newViewState()

	_, err := Run(context.Background(), e, "op-1", view.addItem("topic", "Go"), func(ctx context.Context) (bool, error) {
		_, ok := view.snapshot()["topic"]
		return ok, nil
	})
	require.NoError(t, err)
}

func TestRun_RollbackRestoresState(t *testing.T) {
	e := NewEngine(DefaultConfig())
	view := newViewState()
	before := view.snapshot()
	opErr := errors.New("durable store down")

	_, err := Run(context.Background(), e, "op-1", view.addItem("topic", "Go"), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, opErr
	})
	assert.Same(t, opErr, err)
	assert.Equal(t, before, view.snapshot())
	assert.Zero(t, e.Len())
}

func TestRun_RollbackFailureDoesNotReplaceError(t *testing.T) {
	e := NewEngine(DefaultConfig())
	opErr := errors.New("op failed")

	m := Funcs{Name: "broken", RollbackFn: func() error { return errors.New("rollback failed") }}
	_, err := Run(context.Background(), e, "op-1", m, func(ctx context.Context) (int, error) { return 0, opErr })
	assert.Same(t, opErr, err)

	panicky := Funcs{Name: "panicky", RollbackFn: func() error { panic("boom") }}
	_, err = Run(context.Background(), e, "op-2", panicky, func(ctx context.Context) (int, error) { return 0, opErr })
	assert.Same(t, opErr, err)
}

// =============================================================================
// Cancel
// =============================================================================

func TestCancel_RollsBackWithoutWaiting(t *testing.T) {
	e := NewEngine(DefaultConfig())
	view := newViewState()
	release := make(chan struct{})
	var rollbacks atomic.Int32

	m := view.addItem("topic", "Go")
	inner := m.RollbackFn
	m.RollbackFn = func() error {
		rollbacks.Add(1)
		return inner()
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), e, "op-1", m, func(ctx context.Context) (int, error) {
			<-release
			return 1, nil
		})
		errCh <- err
	}()

	waitForLen(t, e, 1)
	assert.True(t, e.Cancel("op-1"))
	assert.ErrorIs(t, <-errCh, ErrCancelled)
	assert.NotContains(t, view.snapshot(), "topic")

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), rollbacks.Load())
	assert.NotContains(t, view.snapshot(), "topic")
	assert.False(t, e.Cancel("op-1"))
}

func TestCancel_CancelsOperationContext(t *testing.T) {
	e := NewEngine(DefaultConfig())
	observed := make(chan error, 1)

	go func() {
		_, _ = Run(context.Background(), e, "op-1", Funcs{}, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			observed <- ctx.Err()
			return 0, ctx.Err()
		})
	}()
	waitForLen(t, e, 1)
	e.Cancel("op-1")

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("operation context not cancelled")
	}
}

func TestRun_CallerContextCancelled(t *testing.T) {
	e := NewEngine(DefaultConfig())
	view := newViewState()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := Run(ctx, e, "op-1", view.addItem("topic", "Go"), func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		errCh <- err
	}()
	waitForLen(t, e, 1)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.NotContains(t, view.snapshot(), "topic")
	assert.Zero(t, e.Len())
}

// =============================================================================
// Stale sweep
// =============================================================================

func TestSweep_ForceCancelsStaleOperations(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := NewEngine(Config{StaleThreshold: 30 * time.Second, Now: clock.Now})
	view := newViewState()

	errCh := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), e, "hung", view.addItem("topic", "Go"), func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		errCh <- err
	}()
	waitForLen(t, e, 1)

	clock.Advance(29 * time.Second)
	assert.Zero(t, e.Sweep())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, e.Sweep())

	err := <-errCh
	assert.True(t, apperr.Is(err, apperr.KindStaleOperation))
	assert.ErrorIs(t, err, ErrStale)
	assert.NotContains(t, view.snapshot(), "topic")
	assert.Zero(t, e.Len())
}

func TestStartSweeper_Lifecycle(t *testing.T) {
	e := NewEngine(Config{StaleThreshold: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})

	require.NoError(t, e.StartSweeper(context.Background()))
	assert.ErrorIs(t, e.StartSweeper(context.Background()), ErrSweeperRunning)
	defer e.Stop()

	_, err := Run(context.Background(), e, "hung", Funcs{}, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, ErrStale)

	e.Stop()
	e.Stop()
}

// =============================================================================
// Id reuse
// =============================================================================

func TestRun_SameIDLastRegistrationWins(t *testing.T) {
	e := NewEngine(DefaultConfig())
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), e, "same", Funcs{Name: "first"}, func(ctx context.Context) (int, error) {
			<-releaseFirst
			return 1, nil
		})
		firstDone <- err
	}()
	require.Eventually(t, func() bool {
		ops := e.InFlight()
		return len(ops) == 1 && ops[0].Description == "first"
	}, 2*time.Second, 5*time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), e, "same", Funcs{Name: "second"}, func(ctx context.Context) (int, error) {
			<-releaseSecond
			return 2, nil
		})
		secondDone <- err
	}()
	require.Eventually(t, func() bool {
		ops := e.InFlight()
		return len(ops) == 1 && ops[0].Description == "second"
	}, 2*time.Second, 5*time.Millisecond)

	close(releaseFirst)
	require.NoError(t, <-firstDone)

	ops := e.InFlight()
	require.Len(t, ops, 1)
	assert.Equal(t, "second", ops[0].Description)

	close(releaseSecond)
	require.NoError(t, <-secondDone)
	assert.Zero(t, e.Len())
}

func TestRun_IndependentIDs(t *testing.T) {
	e := NewEngine(DefaultConfig())
	var wg sync.WaitGroup
	var committed atomic.Int32

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if _, err := Run(context.Background(), e, id, Funcs{}, func(ctx context.Context) (int, error) {
				return i, nil
			}); err == nil {
				committed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(20), committed.Load())
	assert.Zero(t, e.Len())
}
