// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package producer turns generator calls into an ordered stream of
// StreamEvents.
//
// The producer owns event ordering and pacing. It never writes to the
// network itself; the caller supplies an EventSink (the SSE writer in the
// HTTP handlers, or a channel via Open).
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/AleutianAI/AleutianLearn/services/generator"
	"github.com/AleutianAI/AleutianLearn/services/orchestrator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// MaxBatchSize bounds outline items per outline_update.
	MaxBatchSize = 64
	// MaxBatchDelay bounds pacing between outline batches.
	MaxBatchDelay = 5 * time.Second
)

// Config controls batching, pacing and the texts shown on failure.
type Config struct {
	// BatchSize is the number of outline items per outline_update.
	BatchSize int
	// BatchDelay is the pause between consecutive outline batches.
	BatchDelay time.Duration
	// ChunkSize is the rune size of synthesized fragment_chunk deltas.
	ChunkSize int
	// ErrorMessage is sent in the error event when generation fails.
	ErrorMessage string
	// FailedFragmentText replaces the text of a fragment that failed.
	FailedFragmentText string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          4,
		BatchDelay:         120 * time.Millisecond,
		ChunkSize:          generator.DefaultChunkSize,
		ErrorMessage:       "We couldn't generate this topic right now. Please try again.",
		FailedFragmentText: "This paragraph could not be generated. It will be retried later.",
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d, got %d", MaxBatchSize, c.BatchSize)
	}
	if c.BatchDelay <= 0 || c.BatchDelay > MaxBatchDelay {
		return fmt.Errorf("batch delay must be in (0, %s], got %s", MaxBatchDelay, c.BatchDelay)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ErrorMessage == "" || c.FailedFragmentText == "" {
		return errors.New("error message and failed fragment text are required")
	}
	return nil
}

// =============================================================================
// Sink
// =============================================================================

// EventSink receives events in order. An error stops the stream.
type EventSink interface {
	Emit(ctx context.Context, event stream.StreamEvent) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, event stream.StreamEvent) error

// Emit implements EventSink.
func (f SinkFunc) Emit(ctx context.Context, event stream.StreamEvent) error { return f(ctx, event) }

// =============================================================================
// Producer
// =============================================================================

// Producer emits generation streams.
//
// # Description
//
// StreamTopic and StreamChapter run synchronously on the caller's goroutine
// and return when the stream has ended. They check ctx before every
// generator call, at every outline batch boundary and between fragments;
// once ctx is done no further generator calls are made and no further
// events are emitted.
//
// # Thread Safety
//
// A Producer is safe for concurrent streams; per-stream state lives in the
// emitter created for each call.
type Producer struct {
	gen      generator.Generator
	cfg      Config
	tracer   trace.Tracer
	endpoint observability.Endpoint
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Producer.
type Option func(*Producer)

// WithSleep replaces the pacing wait. Tests use it to avoid real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Producer) { p.sleep = sleep }
}

// New creates a Producer.
func New(gen generator.Generator, cfg Config, opts ...Option) (*Producer, error) {
	if gen == nil {
		return nil, errors.New("generator must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer config: %w", err)
	}
	p := &Producer{
		gen:    gen,
		cfg:    cfg,
		tracer: otel.Tracer("aleutian.learn.producer"),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the producer's configuration.
func (p *Producer) Config() Config { return p.cfg }

// StreamTopic emits the outline stream for req.
//
// # Description
//
// Order: placeholder metadata (before the generator is called), final
// metadata, outline_update batches, then (when req.Expand is set) one
// fragment group per paragraph, then complete. If the outline call fails
// a single error event is emitted and complete is not.
//
// # Outputs
//
//   - error: nil on complete; ctx.Err() on cancellation; a generation
//     failure when the outline call failed; a transport failure when the
//     sink rejected an event.
func (p *Producer) StreamTopic(ctx context.Context, req stream.TopicRequest, sink EventSink) error {
	ctx, span := p.tracer.Start(ctx, "Producer.StreamTopic")
	defer span.End()
	span.SetAttributes(attribute.String("topic.id", req.TopicID), attribute.Bool("topic.expand", req.Expand))

	em := newEmitter(sink, observability.EndpointTopicStream)

	placeholder := stream.TopicMetadata{
		TopicID:     req.TopicID,
		Title:       req.Topic,
		Language:    req.Language,
		Difficulty:  req.Difficulty,
		Placeholder: true,
	}
	if err := em.emit(ctx, stream.NewMetadata(placeholder)); err != nil {
		return p.finish(span, err)
	}

	if err := ctx.Err(); err != nil {
		return p.finish(span, err)
	}
	outline, err := p.generateOutline(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return p.finish(span, ctx.Err())
		}
		return p.finish(span, p.fail(ctx, em, "producer.outline", err))
	}

	final := placeholder
	final.Title = outline.Title
	final.Summary = outline.Summary
	final.ChapterCount = len(outline.Chapters)
	final.Placeholder = false
	if err := em.emit(ctx, stream.NewMetadata(final)); err != nil {
		return p.finish(span, err)
	}

	for start := 0; start < len(outline.Chapters); start += p.cfg.BatchSize {
		if start > 0 {
			if err := p.sleep(ctx, p.cfg.BatchDelay); err != nil {
				return p.finish(span, err)
			}
		}
		end := min(start+p.cfg.BatchSize, len(outline.Chapters))
		if err := em.emit(ctx, stream.NewOutlineUpdate(outline.Chapters[start:end])); err != nil {
			return p.finish(span, err)
		}
	}

	if req.Expand {
		for _, ch := range outline.Chapters {
			base := generator.ParagraphRequest{
				TopicID:      req.TopicID,
				Topic:        req.Topic,
				ChapterID:    ch.ID,
				ChapterTitle: ch.Title,
				Language:     req.Language,
				Difficulty:   req.Difficulty,
			}
			if err := p.streamParagraphs(ctx, em, base, ch.Paragraphs); err != nil {
				return p.finish(span, err)
			}
		}
	}

	return p.finish(span, em.emit(ctx, stream.NewComplete()))
}

// StreamChapter emits one fragment group per paragraph of req, then
// complete. A failing paragraph degrades to a failed fragment_complete
// carrying placeholder text and the stream continues.
func (p *Producer) StreamChapter(ctx context.Context, req stream.ChapterRequest, sink EventSink) error {
	ctx, span := p.tracer.Start(ctx, "Producer.StreamChapter")
	defer span.End()
	span.SetAttributes(
		attribute.String("topic.id", req.TopicID),
		attribute.String("chapter.id", req.ChapterID),
		attribute.Int("chapter.paragraphs", len(req.Paragraphs)),
	)

	em := newEmitter(sink, observability.EndpointChapterStream)
	base := generator.ParagraphRequest{
		TopicID:      req.TopicID,
		Topic:        req.Topic,
		ChapterID:    req.ChapterID,
		ChapterTitle: req.ChapterTitle,
		Language:     req.Language,
		Difficulty:   req.Difficulty,
	}
	if err := p.streamParagraphs(ctx, em, base, req.Paragraphs); err != nil {
		return p.finish(span, err)
	}
	return p.finish(span, em.emit(ctx, stream.NewComplete()))
}

func (p *Producer) streamParagraphs(ctx context.Context, em *emitter, base generator.ParagraphRequest, paragraphs []stream.ParagraphStub) error {
	for _, para := range paragraphs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := em.emit(ctx, stream.NewFragmentStarted(para.ID, base.ChapterID, para.Order)); err != nil {
			return err
		}

		req := base
		req.Paragraph = para
		text, err := p.generateParagraph(ctx, em, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if apperr.Is(err, apperr.KindTransport) {
				return err
			}
			slog.Warn("Paragraph generation failed, emitting placeholder",
				"topic_id", base.TopicID, "fragment_id", para.ID, "error", err)
			if err := em.emit(ctx, stream.NewFragmentComplete(para.ID, p.cfg.FailedFragmentText, true)); err != nil {
				return err
			}
			continue
		}
		if err := em.emit(ctx, stream.NewFragmentComplete(para.ID, text, false)); err != nil {
			return err
		}
	}
	return nil
}

// generateParagraph streams deltas when the backend supports it and
// otherwise chunks the finished text.
func (p *Producer) generateParagraph(ctx context.Context, em *emitter, req generator.ParagraphRequest) (string, error) {
	start := time.Now()
	var text string
	var err error

	if streamer, ok := p.gen.(generator.ParagraphStreamer); ok {
		text, err = streamer.StreamParagraph(ctx, req, func(delta string) error {
			return em.emit(ctx, stream.NewFragmentChunk(req.Paragraph.ID, delta))
		})
	} else {
		text, err = p.gen.GenerateParagraph(ctx, req)
		if err == nil {
			for _, chunk := range generator.SplitFragments(text, p.cfg.ChunkSize) {
				if emitErr := em.emit(ctx, stream.NewFragmentChunk(req.Paragraph.ID, chunk)); emitErr != nil {
					err = emitErr
					break
				}
			}
		}
	}
	if err == nil && text == "" {
		err = generator.ErrEmptyResponse
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordGeneratorCall("paragraph", time.Since(start).Seconds(), err == nil)
	}
	return text, err
}

func (p *Producer) generateOutline(ctx context.Context, req stream.TopicRequest) (*generator.Outline, error) {
	start := time.Now()
	outline, err := p.gen.GenerateOutline(ctx, generator.OutlineRequest{
		TopicID:    req.TopicID,
		Topic:      req.Topic,
		Language:   req.Language,
		Difficulty: req.Difficulty,
	})
	if err == nil && (outline == nil || len(outline.Chapters) == 0) {
		err = generator.ErrMalformedOutline
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordGeneratorCall("outline", time.Since(start).Seconds(), err == nil)
	}
	return outline, err
}

// fail emits the single error event for a generation failure and returns
// the classified error.
func (p *Producer) fail(ctx context.Context, em *emitter, op string, cause error) error {
	slog.Error("Generation failed", "op", op, "generator", generator.NameOf(p.gen), "error", cause)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(em.endpoint, observability.ErrorCodeGenerator)
	}
	genErr := apperr.Generation(op, cause).WithUserMessage(p.cfg.ErrorMessage)
	if err := em.emit(ctx, stream.NewError(p.cfg.ErrorMessage)); err != nil {
		return errors.Join(genErr, err)
	}
	return genErr
}

func (p *Producer) finish(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	return err
}

// =============================================================================
// Emitter
// =============================================================================

// emitter assigns sequence numbers and enforces that nothing is emitted
// after cancellation or after a terminal event.
type emitter struct {
	sink     EventSink
	endpoint observability.Endpoint
	seq      int
	done     bool
}

func newEmitter(sink EventSink, endpoint observability.Endpoint) *emitter {
	return &emitter{sink: sink, endpoint: endpoint}
}

func (e *emitter) emit(ctx context.Context, event stream.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.done {
		return apperr.Transport("producer.emit", errors.New("stream already terminated"))
	}
	event.Seq = e.seq
	if err := e.sink.Emit(ctx, event); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transport("producer.emit", err)
	}
	e.seq++
	e.done = event.IsTerminal()
	if m := observability.DefaultMetrics; m != nil {
		m.RecordEvent(e.endpoint, string(event.Type))
	}
	return nil
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
