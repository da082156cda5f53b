// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
)

// =============================================================================
// Policies
// =============================================================================

// Policy is the recovery configuration of one operation class.
type Policy struct {
	// Name labels the class in logs and errors.
	Name string
	// Kind classifies the failure surfaced after exhaustion.
	Kind apperr.Kind
	// Retryable enables retries of the operation.
	Retryable bool
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry. Retry n waits
	// BaseDelay * 2^n.
	BaseDelay time.Duration
	// UserMessage is the generic text shown when the operation fails.
	UserMessage string
}

// GeneratorPolicy covers calls to the content generator. They are
// expensive and not idempotent, so they are never retried.
func GeneratorPolicy() Policy {
	return Policy{
		Name:        "generator",
		Kind:        apperr.KindGeneration,
		Retryable:   false,
		BaseDelay:   time.Second,
		UserMessage: "We couldn't generate this content. Please try again.",
	}
}

// NetworkPolicy covers plain network calls.
func NetworkPolicy() Policy {
	return Policy{
		Name:        "network",
		Kind:        apperr.KindTransport,
		Retryable:   true,
		MaxRetries:  2,
		BaseDelay:   time.Second,
		UserMessage: "Connection problem. Please check your network and try again.",
	}
}

// PersistencePolicy covers durable-store calls made on behalf of the user.
func PersistencePolicy() Policy {
	return Policy{
		Name:        "persistence",
		Kind:        apperr.KindPersistence,
		Retryable:   true,
		MaxRetries:  1,
		BaseDelay:   time.Second,
		UserMessage: "Your changes couldn't be saved. Please try again.",
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("policy %q: max retries must not be negative", p.Name)
	}
	if p.Retryable && p.MaxRetries > 0 && p.BaseDelay <= 0 {
		return fmt.Errorf("policy %q: base delay must be positive", p.Name)
	}
	if p.UserMessage == "" {
		return fmt.Errorf("policy %q: user message is required", p.Name)
	}
	return nil
}

// Attempts returns the maximum number of times the operation runs.
func (p Policy) Attempts() int {
	if !p.Retryable {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the wait before retry n (0-based).
func (p Policy) Delay(n int) time.Duration {
	return p.BaseDelay << n
}

// =============================================================================
// Recovery
// =============================================================================

// Recovery runs operations through an Engine with a Policy.
type Recovery struct {
	engine   *Engine
	notifier Notifier
	sleep    func(ctx context.Context, d time.Duration) error
}

// RecoveryOption configures a Recovery.
type RecoveryOption func(*Recovery)

// WithBackoffSleep replaces the backoff wait. Tests use it to skip delays.
func WithBackoffSleep(sleep func(ctx context.Context, d time.Duration) error) RecoveryOption {
	return func(r *Recovery) { r.sleep = sleep }
}

// NewRecovery creates a Recovery. A nil notifier logs notifications.
func NewRecovery(engine *Engine, notifier Notifier, opts ...RecoveryOption) *Recovery {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	r := &Recovery{engine: engine, notifier: notifier, sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Engine returns the underlying engine.
func (r *Recovery) Engine() *Engine { return r.engine }

// RunWithRecovery is Run with retries governed by p.
//
// # Description
//
// m is applied once. Only op is retried, up to p.MaxRetries times when
// p.Retryable, waiting p.Delay(n) before retry n. When every attempt has
// failed, m is rolled back, p.UserMessage is sent to the notifier and the
// original error is returned wrapped in an *apperr.Error carrying the user
// message. Explicit cancellation is not notified.
func RunWithRecovery[T any](ctx context.Context, r *Recovery, id string, m Mutation, op func(ctx context.Context) (T, error), p Policy) (T, error) {
	attempts := p.Attempts()

	v, err := Run(ctx, r.engine, id, m, func(ctx context.Context) (T, error) {
		var zero T
		var lastErr error
		for attempt := 0; attempt < attempts; attempt++ {
			if attempt > 0 {
				r.engine.noteRetry(id)
				delay := p.Delay(attempt - 1)
				slog.Debug("Retrying optimistic operation",
					"operation_id", id, "policy", p.Name, "attempt", attempt+1, "delay", delay, "error", lastErr)
				if err := r.sleep(ctx, delay); err != nil {
					return zero, lastErr
				}
			}
			v, err := op(ctx)
			if err == nil {
				return v, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return zero, err
			}
		}
		return zero, lastErr
	})
	if err == nil {
		return v, nil
	}

	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return v, err
	}

	slog.Warn("Optimistic operation failed after recovery",
		"operation_id", id, "policy", p.Name, "attempts", attempts, "error", err)
	r.notifier.Notify(Notification{
		Level:       LevelError,
		Message:     p.UserMessage,
		OperationID: id,
	})
	if apperr.Is(err, apperr.KindStaleOperation) {
		return v, apperr.New(apperr.KindStaleOperation, p.Name, err).WithUserMessage(p.UserMessage)
	}
	return v, apperr.New(p.Kind, p.Name, err).WithUserMessage(p.UserMessage)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
