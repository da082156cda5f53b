// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apperr defines the error taxonomy shared by the generation stream,
// the optimistic mutation engine, the content cache and the sync service.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the layer that produced it.
type Kind string

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = "unknown"

	// KindGeneration means the generative model failed or returned malformed output.
	KindGeneration Kind = "generation_failure"

	// KindTransport means the stream connection failed or was interrupted.
	KindTransport Kind = "transport_failure"

	// KindPersistence means a durable store or local medium read/write failed.
	KindPersistence Kind = "persistence_failure"

	// KindValidation means a request was malformed and rejected before any work.
	KindValidation Kind = "validation_failure"

	// KindStaleOperation means an optimistic operation exceeded the stale threshold.
	KindStaleOperation Kind = "stale_operation_timeout"
)

// DefaultUserMessage is shown when a failure has no policy-specific message.
const DefaultUserMessage = "Something went wrong. Please try again."

// Error is a classified failure.
//
// # Description
//
// Error wraps an underlying cause with a Kind, the operation that failed and
// an optional user-facing message. The user message is what callers show in
// notifications; the wrapped error is only ever logged.
//
// # Thread Safety
//
// Error values are immutable after construction.
type Error struct {
	Kind        Kind
	Op          string
	UserMessage string
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithUserMessage returns a copy of e carrying msg as its user-facing text.
func (e *Error) WithUserMessage(msg string) *Error {
	cp := *e
	cp.UserMessage = msg
	return &cp
}

// Generation wraps err as a generation failure.
func Generation(op string, err error) *Error { return New(KindGeneration, op, err) }

// Transport wraps err as a transport failure.
func Transport(op string, err error) *Error { return New(KindTransport, op, err) }

// Persistence wraps err as a persistence failure.
func Persistence(op string, err error) *Error { return New(KindPersistence, op, err) }

// Validation wraps err as a validation failure.
func Validation(op string, err error) *Error { return New(KindValidation, op, err) }

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Is reports whether err's chain contains an error of the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var ae *Error
		if !errors.As(err, &ae) {
			return false
		}
		if ae.Kind == kind {
			return true
		}
		err = ae.Err
	}
	return false
}

// UserMessage returns the first user-facing message found in err's chain,
// falling back to DefaultUserMessage. Raw error text is never returned.
func UserMessage(err error) string {
	for err != nil {
		var ae *Error
		if !errors.As(err, &ae) {
			break
		}
		if ae.UserMessage != "" {
			return ae.UserMessage
		}
		err = ae.Err
	}
	return DefaultUserMessage
}
