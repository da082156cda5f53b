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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/AleutianAI/AleutianLearn/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianLearn/services/producer"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// heartbeatInterval is the interval for sending keepalive pings.
// Outline generation on a local model can take longer than proxy idle
// timeouts (Nginx and ALB default to 60s).
var heartbeatInterval = 15 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// GenerationStreamHandler serves the two generation streams.
//
// # Description
//
// Both endpoints accept a JSON request, validate it (400 on failure, before
// any stream bytes are written), then stream StreamEvents as SSE until the
// producer finishes or the client goes away. Client disconnect cancels the
// request context, which stops the producer at its next boundary.
type GenerationStreamHandler interface {
	// HandleTopicStream serves POST /v1/topics/stream.
	HandleTopicStream(c *gin.Context)

	// HandleChapterStream serves
	// POST /v1/topics/:topicId/chapters/:chapterId/stream.
	HandleChapterStream(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

type generationStreamHandler struct {
	producer *producer.Producer
	tracer   trace.Tracer
}

// NewGenerationStreamHandler creates the handler.
//
// # Limitations
//
//   - Panics if p is nil.
func NewGenerationStreamHandler(p *producer.Producer) GenerationStreamHandler {
	if p == nil {
		panic("NewGenerationStreamHandler: producer must not be nil")
	}
	return &generationStreamHandler{
		producer: p,
		tracer:   otel.Tracer("aleutian.learn.handlers.generation_stream"),
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (h *generationStreamHandler) HandleTopicStream(c *gin.Context) {
	endpoint := observability.EndpointTopicStream
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleTopicStream")
	defer span.End()

	var req stream.TopicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectRequest(c, span, endpoint, err)
		return
	}
	if err := req.Validate(); err != nil {
		h.rejectRequest(c, span, endpoint, err)
		return
	}
	span.SetAttributes(
		attribute.String("topic.id", req.TopicID),
		attribute.Bool("topic.expand", req.Expand),
	)

	h.serve(c, ctx, span, endpoint, func(ctx context.Context, sink producer.EventSink) error {
		return h.producer.StreamTopic(ctx, req, sink)
	})
}

func (h *generationStreamHandler) HandleChapterStream(c *gin.Context) {
	endpoint := observability.EndpointChapterStream
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChapterStream")
	defer span.End()

	var req stream.ChapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectRequest(c, span, endpoint, err)
		return
	}
	// Path parameters are authoritative.
	req.TopicID = c.Param("topicId")
	req.ChapterID = c.Param("chapterId")
	if err := req.Validate(); err != nil {
		h.rejectRequest(c, span, endpoint, err)
		return
	}
	span.SetAttributes(
		attribute.String("topic.id", req.TopicID),
		attribute.String("chapter.id", req.ChapterID),
	)

	h.serve(c, ctx, span, endpoint, func(ctx context.Context, sink producer.EventSink) error {
		return h.producer.StreamChapter(ctx, req, sink)
	})
}

// serve runs one stream with metrics and a heartbeat.
func (h *generationStreamHandler) serve(
	c *gin.Context,
	ctx context.Context,
	span trace.Span,
	endpoint observability.Endpoint,
	run func(ctx context.Context, sink producer.EventSink) error,
) {
	startTime := time.Now()
	success := false

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
		defer func() {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}()
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)

	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, writer, endpoint, heartbeatDone)

	streamErr := run(ctx, writer)
	close(heartbeatDone)

	span.SetAttributes(attribute.Int("stream.events", writer.EventsWritten()))

	switch {
	case streamErr == nil:
		success = true
	case errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded):
		slog.Info("Client disconnected from generation stream",
			"endpoint", endpoint, "events_written", writer.EventsWritten())
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(endpoint)
		}
	case apperr.Is(streamErr, apperr.KindTransport):
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "write failed")
		slog.Warn("Generation stream write failed", "endpoint", endpoint, "error", streamErr)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeWrite)
		}
	default:
		// The producer has already sent the error event.
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "generation failed")
		slog.Error("Generation stream failed", "endpoint", endpoint, "error", streamErr)
	}
}

// invalidRequestMessage is the only text a rejected request sees.
const invalidRequestMessage = "The generation request is not valid."

func (h *generationStreamHandler) rejectRequest(c *gin.Context, span trace.Span, endpoint observability.Endpoint, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid request")
	slog.Warn("Rejected generation request", "endpoint", endpoint, "error", err)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, observability.ErrorCodeValidation)
		m.RecordRequest(endpoint, false)
	}
	// The cause stays in the log and the span; clients get the generic text.
	c.JSON(http.StatusBadRequest, gin.H{"error": invalidRequestMessage})
}

// runHeartbeat sends keepalive comments until done is closed or ctx ends.
// A failed keepalive ends the heartbeat; the stream itself notices the
// broken connection on its next write.
func runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}
