// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes StreamEvents to an HTTP response as Server-Sent Events.
//
// # Description
//
// Every event goes out as a single data frame:
//
//	data: {json}\n\n
//
// Each event is assigned before writing:
//   - Id: UUID v4
//   - CreatedAt: Unix milliseconds
//   - PrevHash: Hash of the previous event in this response
//   - Hash: stream.ComputeHash of the event with Hash cleared
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The heartbeat goroutine
// and the producer write through the same writer.
type SSEWriter interface {
	// WriteEvent stamps, serializes and flushes one event.
	WriteEvent(event stream.StreamEvent) error

	// Emit adapts the writer to the producer's EventSink.
	Emit(ctx context.Context, event stream.StreamEvent) error

	// WriteKeepAlive sends ": ping\n\n". Comments are ignored by clients
	// and do not advance the hash chain.
	WriteKeepAlive() error

	// EventsWritten returns the number of events written so far.
	EventsWritten() int
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Limitations
//
//   - Cannot be reused across requests.
//   - Requires an http.Flusher.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	count    int
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter for w.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	_ = writer.WriteEvent(stream.NewComplete())
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteEvent(event stream.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = stream.ComputeHash(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()

	w.prevHash = event.Hash
	w.count++
	return nil
}

func (w *sseWriter) Emit(ctx context.Context, event stream.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.WriteEvent(event)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) EventsWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// SetSSEHeaders sets the headers required for event streaming through
// proxies.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
