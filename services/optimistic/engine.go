// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimistic applies speculative state changes ahead of the
// operations that confirm them and guarantees rollback when they fail.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/services/orchestrator/observability"
)

var (
	// ErrCancelled is returned by Run when Cancel rolled the operation back.
	ErrCancelled = errors.New("optimistic operation cancelled")

	// ErrStale is wrapped in the StaleOperationTimeout error returned by
	// Run when the sweeper force-cancelled the operation.
	ErrStale = errors.New("optimistic operation exceeded stale threshold")

	// ErrSweeperRunning is returned by StartSweeper when already started.
	ErrSweeperRunning = errors.New("sweeper already running")
)

// =============================================================================
// Mutation
// =============================================================================

// Mutation is the speculative change of one operation.
//
// Apply must change caller-visible state synchronously. Rollback must
// restore the state observed before Apply. Each is invoked at most once
// per Run.
type Mutation interface {
	Apply()
	Rollback() error
	Describe() string
}

// Funcs adapts plain closures to Mutation. Nil closures are no-ops.
type Funcs struct {
	Name       string
	ApplyFn    func()
	RollbackFn func() error
}

func (f Funcs) Apply() {
	if f.ApplyFn != nil {
		f.ApplyFn()
	}
}

func (f Funcs) Rollback() error {
	if f.RollbackFn != nil {
		return f.RollbackFn()
	}
	return nil
}

func (f Funcs) Describe() string { return f.Name }

// =============================================================================
// Operation tracking
// =============================================================================

// State is the lifecycle of a tracked operation.
type State string

const (
	StatePending    State = "pending"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// OperationInfo is a read-only view of an in-flight operation.
type OperationInfo struct {
	ID          string
	Description string
	CreatedAt   time.Time
	Retries     int
}

type operation struct {
	id        string
	mutation  Mutation
	createdAt time.Time
	cancel    context.CancelFunc
	abort     chan struct{}

	mu      sync.Mutex
	state   State
	cause   error
	retries int
}

// finish moves the operation out of Pending. Only the first caller wins.
func (o *operation) finish(state State, cause error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePending {
		return false
	}
	o.state = state
	o.cause = cause
	return true
}

func (o *operation) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cause
}

// =============================================================================
// Engine
// =============================================================================

// Config holds engine tunables.
type Config struct {
	// StaleThreshold is the age after which the sweeper force-cancels.
	StaleThreshold time.Duration
	// SweepInterval is how often the sweeper looks for stale operations.
	SweepInterval time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a 30s stale threshold swept every 5s.
func DefaultConfig() Config {
	return Config{
		StaleThreshold: 30 * time.Second,
		SweepInterval:  5 * time.Second,
		Now:            time.Now,
	}
}

// Engine tracks in-flight optimistic operations by id.
//
// # Description
//
// Operations with different ids are independent. Reusing an id for
// overlapping attempts replaces the tracking of the earlier attempt: Cancel
// and the sweeper only see the latest registration, and the earlier
// attempt's completion never deregisters the newer one.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	cfg Config

	mu  sync.Mutex
	ops map[string]*operation

	sweepMu  sync.Mutex
	sweeping bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewEngine creates an Engine. Zero config fields take defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Engine{cfg: cfg, ops: make(map[string]*operation)}
}

type result[T any] struct {
	value T
	err   error
}

// Run applies m, runs op, and rolls m back if op fails.
//
// # Description
//
// m.Apply runs on the caller's goroutine before op is started, so the
// caller observes the optimistic state as soon as Run is entered. op runs
// on its own goroutine with a context that Cancel, the sweeper and ctx
// all cancel.
//
// # Outputs
//
//   - T: op's result on success.
//   - error: op's original error after rollback; ErrCancelled after Cancel;
//     a StaleOperationTimeout after the sweeper; ctx.Err() when ctx ends
//     first. A rollback failure is logged and never replaces these.
func Run[T any](ctx context.Context, e *Engine, id string, m Mutation, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	m.Apply()

	opCtx, cancel := context.WithCancel(ctx)
	o := &operation{
		id:        id,
		mutation:  m,
		createdAt: e.cfg.Now(),
		cancel:    cancel,
		abort:     make(chan struct{}),
		state:     StatePending,
	}
	e.register(o)

	results := make(chan result[T], 1)
	go func() {
		v, err := op(opCtx)
		results <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-results:
		if r.err == nil {
			if o.finish(StateCommitted, nil) {
				cancel()
				e.deregister(o)
				recordOutcome("committed")
				return r.value, nil
			}
		} else if o.finish(StateRolledBack, r.err) {
			cancel()
			e.rollback(o)
			e.deregister(o)
			recordOutcome("rolled_back")
			return zero, r.err
		}
		// Cancelled while op was settling; its result is ignored.
		return zero, o.err()
	case <-o.abort:
		return zero, o.err()
	case <-ctx.Done():
		e.abortOp(o, ctx.Err(), "cancelled")
		return zero, o.err()
	}
}

// Cancel rolls back the in-flight operation registered under id without
// waiting for it to settle. It reports whether an operation was cancelled.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	o, ok := e.ops[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return e.abortOp(o, ErrCancelled, "cancelled")
}

// Sweep force-cancels operations older than the stale threshold and
// returns how many it cancelled.
func (e *Engine) Sweep() int {
	now := e.cfg.Now()
	e.mu.Lock()
	var stale []*operation
	for _, o := range e.ops {
		if now.Sub(o.createdAt) >= e.cfg.StaleThreshold {
			stale = append(stale, o)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, o := range stale {
		cause := apperr.New(apperr.KindStaleOperation, "optimistic.sweep",
			fmt.Errorf("%w: %s after %s", ErrStale, o.id, e.cfg.StaleThreshold))
		if e.abortOp(o, cause, "stale") {
			slog.Warn("Force-cancelled stale optimistic operation",
				"operation_id", o.id, "description", o.mutation.Describe(), "age", now.Sub(o.createdAt))
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every SweepInterval until Stop or ctx ends.
func (e *Engine) StartSweeper(ctx context.Context) error {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.sweeping {
		return ErrSweeperRunning
	}
	e.sweeping = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.sweepLoop(ctx, e.stopCh, e.doneCh)
	return nil
}

// Stop stops the sweeper and waits for it to exit. Safe to call when not
// running.
func (e *Engine) Stop() {
	e.sweepMu.Lock()
	if !e.sweeping {
		e.sweepMu.Unlock()
		return
	}
	e.sweeping = false
	close(e.stopCh)
	done := e.doneCh
	e.sweepMu.Unlock()
	<-done
}

func (e *Engine) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// InFlight lists the registered operations, oldest first.
func (e *Engine) InFlight() []OperationInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OperationInfo, 0, len(e.ops))
	for _, o := range e.ops {
		o.mu.Lock()
		retries := o.retries
		o.mu.Unlock()
		out = append(out, OperationInfo{
			ID:          o.id,
			Description: o.mutation.Describe(),
			CreatedAt:   o.createdAt,
			Retries:     retries,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of registered operations.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}

// noteRetry increments the retry count of the operation registered as id.
func (e *Engine) noteRetry(id string) {
	e.mu.Lock()
	o, ok := e.ops[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

func (e *Engine) register(o *operation) {
	e.mu.Lock()
	if prev, ok := e.ops[o.id]; ok && prev != o {
		slog.Debug("Optimistic operation id reused, replacing tracking", "operation_id", o.id)
	}
	e.ops[o.id] = o
	n := len(e.ops)
	e.mu.Unlock()
	setInFlight(n)
}

func (e *Engine) deregister(o *operation) {
	e.mu.Lock()
	if cur, ok := e.ops[o.id]; ok && cur == o {
		delete(e.ops, o.id)
	}
	n := len(e.ops)
	e.mu.Unlock()
	setInFlight(n)
}

func (e *Engine) abortOp(o *operation, cause error, outcome string) bool {
	if !o.finish(StateRolledBack, cause) {
		return false
	}
	o.cancel()
	e.rollback(o)
	e.deregister(o)
	close(o.abort)
	recordOutcome(outcome)
	return true
}

// rollback runs the mutation's rollback, logging failures and panics.
func (e *Engine) rollback(o *operation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Optimistic rollback panicked",
				"operation_id", o.id, "description", o.mutation.Describe(), "panic", r)
		}
	}()
	if err := o.mutation.Rollback(); err != nil {
		slog.Error("Optimistic rollback failed",
			"operation_id", o.id, "description", o.mutation.Describe(), "error", err)
	}
}

func recordOutcome(outcome string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordOperation(outcome)
	}
}

func setInFlight(n int) {
	if m := observability.DefaultMetrics; m != nil {
		m.SetInFlight(n)
	}
}
