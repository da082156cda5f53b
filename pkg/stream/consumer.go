// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
)

// ServerError is the cause carried by a generation failure reported by the
// producer through an error event.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "producer reported error: " + e.Message
}

// Hooks are optional callbacks fired after an event has been applied to
// the GenerationState. They run on the consuming goroutine.
type Hooks struct {
	OnEvent            func(StreamEvent)
	OnMetadata         func(TopicMetadata)
	OnOutline          func([]OutlineItem)
	OnFragmentComplete func(FragmentState)
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithChainVerification enables hash-chain verification of the stream.
func WithChainVerification() ConsumerOption {
	return func(c *Consumer) { c.verify = true }
}

// WithReader replaces the default SSE reader.
func WithReader(r StreamReader) ConsumerOption {
	return func(c *Consumer) { c.reader = r }
}

// Consumer applies a generation stream to a GenerationState.
//
// # Description
//
// Consume processes events strictly in arrival order. Unknown event types
// are logged at debug and skipped. An error event stops consumption and is
// returned as a generation failure carrying the producer's message; a
// complete event stops consumption successfully. A body that ends without
// either is a transport failure.
//
// Cancelling ctx aborts consumption; the caller is expected to have bound
// the same ctx to the underlying request so the producer sees a disconnect.
//
// # Thread Safety
//
// One Consume call at a time per Consumer.
type Consumer struct {
	reader StreamReader
	state  *GenerationState
	hooks  Hooks
	verify bool
}

// NewConsumer creates a Consumer that folds events into state.
func NewConsumer(state *GenerationState, hooks Hooks, opts ...ConsumerOption) *Consumer {
	if state == nil {
		panic("NewConsumer: state must not be nil")
	}
	c := &Consumer{
		reader: NewSSEStreamReader(NewSSEParser()),
		state:  state,
		hooks:  hooks,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the state this consumer writes to.
func (c *Consumer) State() *GenerationState {
	return c.state
}

// Consume reads body until a terminal event.
func (c *Consumer) Consume(ctx context.Context, body io.Reader) error {
	var verifier ChainVerifier
	var failure error

	err := c.reader.Read(ctx, body, func(event StreamEvent) error {
		if c.verify {
			if err := verifier.Verify(event); err != nil {
				return apperr.Transport("stream.verify", err)
			}
		}

		if !event.Type.Known() {
			slog.Debug("Ignoring unknown stream event", "type", string(event.Type), "seq", event.Seq)
			return nil
		}

		if !c.state.Apply(event) {
			slog.Debug("Stream event rejected by state", "type", string(event.Type), "seq", event.Seq)
			return nil
		}
		c.fire(event)

		if event.Type == EventError {
			failure = apperr.Generation("stream.consume", &ServerError{Message: event.Message}).
				WithUserMessage(event.Message)
		}
		return nil
	})

	switch {
	case err == nil:
		return failure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrIncompleteStream):
		return apperr.Transport("stream.consume", err)
	case apperr.KindOf(err) != apperr.KindUnknown:
		return err
	default:
		return apperr.Transport("stream.consume", fmt.Errorf("read stream: %w", err))
	}
}

func (c *Consumer) fire(event StreamEvent) {
	if c.hooks.OnEvent != nil {
		c.hooks.OnEvent(event)
	}
	switch event.Type {
	case EventMetadata:
		if c.hooks.OnMetadata != nil && event.Metadata != nil {
			c.hooks.OnMetadata(*event.Metadata)
		}
	case EventOutlineUpdate:
		if c.hooks.OnOutline != nil {
			c.hooks.OnOutline(event.Items)
		}
	case EventFragmentComplete:
		if c.hooks.OnFragmentComplete != nil {
			if fs, ok := c.state.Fragment(event.FragmentID); ok {
				c.hooks.OnFragmentComplete(fs)
			}
		}
	}
}
