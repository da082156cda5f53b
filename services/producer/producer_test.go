// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/AleutianAI/AleutianLearn/services/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenerator returns a fixed outline and per-paragraph text, and can be
// told to fail specific calls.
type fakeGenerator struct {
	mu           sync.Mutex
	chapters     int
	outlineErr   error
	failParagrap map[string]bool
	paragraphs   []string
	onParagraph  func(id string)
}

func (f *fakeGenerator) GenerateOutline(ctx context.Context, req generator.OutlineRequest) (*generator.Outline, error) {
	if f.outlineErr != nil {
		return nil, f.outlineErr
	}
	out := &generator.Outline{Title: req.Topic + " guide", Summary: "summary"}
	for i := 0; i < f.chapters; i++ {
		chID := generator.ChapterID(req.TopicID, i)
		out.Chapters = append(out.Chapters, stream.OutlineItem{
			ID:    chID,
			Title: "Chapter",
			Order: i,
			Paragraphs: []stream.ParagraphStub{
				{ID: generator.ParagraphID(chID, 0), Order: 0, Heading: "First"},
			},
		})
	}
	return out, nil
}

func (f *fakeGenerator) GenerateParagraph(ctx context.Context, req generator.ParagraphRequest) (string, error) {
	f.mu.Lock()
	f.paragraphs = append(f.paragraphs, req.Paragraph.ID)
	fail := f.failParagrap[req.Paragraph.ID]
	hook := f.onParagraph
	f.mu.Unlock()
	if hook != nil {
		hook(req.Paragraph.ID)
	}
	if fail {
		return "", errors.New("backend exploded")
	}
	return "Text for " + req.Paragraph.Heading + ".", nil
}

func (f *fakeGenerator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paragraphs...)
}

type recordingSink struct {
	events []stream.StreamEvent
}

func (r *recordingSink) Emit(_ context.Context, ev stream.StreamEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) types() []stream.EventType {
	out := make([]stream.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestProducer(t *testing.T, gen generator.Generator, mutate func(*Config)) *Producer {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(gen, cfg, WithSleep(noSleep))
	require.NoError(t, err)
	return p
}

func chapterRequest(n int) stream.ChapterRequest {
	req := stream.ChapterRequest{
		TopicID:      "go",
		Topic:        "Go",
		ChapterID:    "go.c00",
		ChapterTitle: "Basics",
	}
	for i := 0; i < n; i++ {
		req.Paragraphs = append(req.Paragraphs, stream.ParagraphStub{
			ID: generator.ParagraphID("go.c00", i), Order: i, Heading: "Heading",
		})
	}
	return req
}

// =============================================================================
// Config
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BatchDelay = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BatchDelay = 10 * time.Second
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.FailedFragmentText = ""
	assert.Error(t, cfg.Validate())

	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}

// =============================================================================
// Topic streams
// =============================================================================

func TestStreamTopic_Order(t *testing.T) {
	gen := &fakeGenerator{chapters: 5}
	p := newTestProducer(t, gen, func(c *Config) { c.BatchSize = 2 })
	sink := &recordingSink{}

	err := p.StreamTopic(context.Background(), stream.TopicRequest{TopicID: "go", Topic: "Go"}, sink)
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{
		stream.EventMetadata,
		stream.EventMetadata,
		stream.EventOutlineUpdate,
		stream.EventOutlineUpdate,
		stream.EventOutlineUpdate,
		stream.EventComplete,
	}, sink.types())

	assert.True(t, sink.events[0].Metadata.Placeholder)
	assert.Equal(t, "Go", sink.events[0].Metadata.Title)
	assert.False(t, sink.events[1].Metadata.Placeholder)
	assert.Equal(t, "Go guide", sink.events[1].Metadata.Title)
	assert.Equal(t, 5, sink.events[1].Metadata.ChapterCount)
	assert.Len(t, sink.events[2].Items, 2)
	assert.Len(t, sink.events[4].Items, 1)

	for i, ev := range sink.events {
		assert.Equal(t, i, ev.Seq)
	}
	assert.Empty(t, gen.calls())
}

func TestStreamTopic_PlaceholderBeforeGenerator(t *testing.T) {
	sink := &recordingSink{}
	gen := &fakeGenerator{outlineErr: errors.New("no")}
	p := newTestProducer(t, gen, nil)

	_ = p.StreamTopic(context.Background(), stream.TopicRequest{TopicID: "go", Topic: "Go"}, sink)
	require.NotEmpty(t, sink.events)
	assert.Equal(t, stream.EventMetadata, sink.events[0].Type)
	assert.True(t, sink.events[0].Metadata.Placeholder)
}

func TestStreamTopic_GeneratorFailure(t *testing.T) {
	gen := &fakeGenerator{outlineErr: errors.New("model offline")}
	p := newTestProducer(t, gen, nil)
	sink := &recordingSink{}

	err := p.StreamTopic(context.Background(), stream.TopicRequest{TopicID: "go", Topic: "Go"}, sink)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindGeneration))
	assert.Equal(t, DefaultConfig().ErrorMessage, apperr.UserMessage(err))

	assert.Equal(t, []stream.EventType{stream.EventMetadata, stream.EventError}, sink.types())
	assert.Equal(t, DefaultConfig().ErrorMessage, sink.events[1].Message)
}

func TestStreamTopic_EmptyOutlineIsFailure(t *testing.T) {
	p := newTestProducer(t, &fakeGenerator{chapters: 0}, nil)
	sink := &recordingSink{}

	err := p.StreamTopic(context.Background(), stream.TopicRequest{TopicID: "go", Topic: "Go"}, sink)
	assert.ErrorIs(t, err, generator.ErrMalformedOutline)
	assert.Equal(t, stream.EventError, sink.events[len(sink.events)-1].Type)
}

func TestStreamTopic_CancelledBeforeStart(t *testing.T) {
	p := newTestProducer(t, &fakeGenerator{chapters: 2}, nil)
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.StreamTopic(ctx, stream.TopicRequest{TopicID: "go", Topic: "Go"}, sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.events)
}

func TestStreamTopic_CancelBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &fakeGenerator{chapters: 6}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	p, err := New(gen, cfg, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	require.NoError(t, err)

	sink := &recordingSink{}
	err = p.StreamTopic(ctx, stream.TopicRequest{TopicID: "go", Topic: "Go"}, sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []stream.EventType{
		stream.EventMetadata, stream.EventMetadata, stream.EventOutlineUpdate,
	}, sink.types())
}

func TestStreamTopic_Expand(t *testing.T) {
	gen := &fakeGenerator{chapters: 2}
	p := newTestProducer(t, gen, nil)
	sink := &recordingSink{}

	err := p.StreamTopic(context.Background(), stream.TopicRequest{TopicID: "go", Topic: "Go", Expand: true}, sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"go.c00.p00", "go.c01.p00"}, gen.calls())

	state := stream.NewGenerationState()
	for _, ev := range sink.events {
		state.Apply(ev)
	}
	snap := state.Snapshot()
	assert.Equal(t, stream.StatusComplete, snap.Status)
	assert.Zero(t, snap.Violations)
	require.Len(t, snap.Fragments, 2)
	assert.Equal(t, "Text for First.", snap.Fragments[0].Text)
}

func TestStreamTopic_SinkErrorIsTransport(t *testing.T) {
	p := newTestProducer(t, &fakeGenerator{chapters: 1}, nil)
	sink := SinkFunc(func(context.Context, stream.StreamEvent) error { return errors.New("broken pipe") })

	err := p.StreamTopic(context.Background(), stream.TopicRequest{TopicID: "go", Topic: "Go"}, sink)
	assert.True(t, apperr.Is(err, apperr.KindTransport))
}

// =============================================================================
// Chapter streams
// =============================================================================

func TestStreamChapter_Fragments(t *testing.T) {
	gen := &fakeGenerator{}
	p := newTestProducer(t, gen, func(c *Config) { c.ChunkSize = 5 })
	sink := &recordingSink{}

	err := p.StreamChapter(context.Background(), chapterRequest(2), sink)
	require.NoError(t, err)

	types := sink.types()
	assert.Equal(t, stream.EventFragmentStarted, types[0])
	assert.Equal(t, stream.EventComplete, types[len(types)-1])

	state := stream.NewGenerationState()
	for _, ev := range sink.events {
		state.Apply(ev)
	}
	snap := state.Snapshot()
	assert.Zero(t, snap.Violations)
	require.Len(t, snap.Fragments, 2)
	for _, f := range snap.Fragments {
		assert.Equal(t, "Text for Heading.", f.Text)
		assert.Equal(t, "go.c00", f.ParentID)
		assert.True(t, f.Complete)
	}

	var chunks int
	for _, ev := range sink.events {
		if ev.Type == stream.EventFragmentChunk {
			chunks++
		}
	}
	assert.Greater(t, chunks, 2)
}

func TestStreamChapter_DegradedFragment(t *testing.T) {
	gen := &fakeGenerator{failParagrap: map[string]bool{"go.c00.p01": true}}
	p := newTestProducer(t, gen, nil)
	sink := &recordingSink{}

	err := p.StreamChapter(context.Background(), chapterRequest(3), sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"go.c00.p00", "go.c00.p01", "go.c00.p02"}, gen.calls())

	var failed []stream.StreamEvent
	for _, ev := range sink.events {
		if ev.Type == stream.EventFragmentComplete && ev.Failed {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "go.c00.p01", failed[0].FragmentID)
	assert.Equal(t, DefaultConfig().FailedFragmentText, failed[0].FinalText)
	assert.Equal(t, stream.EventComplete, sink.events[len(sink.events)-1].Type)
}

func TestStreamChapter_CancelStopsGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &fakeGenerator{}
	gen.onParagraph = func(id string) {
		if id == "go.c00.p01" {
			cancel()
		}
	}
	p := newTestProducer(t, gen, nil)
	sink := &recordingSink{}

	err := p.StreamChapter(ctx, chapterRequest(5), sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"go.c00.p00", "go.c00.p01"}, gen.calls())

	last := sink.events[len(sink.events)-1]
	assert.NotEqual(t, stream.EventComplete, last.Type)
	for _, ev := range sink.events {
		assert.NotEqual(t, "go.c00.p02", ev.FragmentID)
	}
}

// =============================================================================
// Channel form
// =============================================================================

func TestOpenChapter(t *testing.T) {
	p := newTestProducer(t, &fakeGenerator{}, nil)

	var got []stream.EventType
	for ev := range p.OpenChapter(context.Background(), chapterRequest(1)) {
		got = append(got, ev.Type)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, stream.EventFragmentStarted, got[0])
	assert.Equal(t, stream.EventComplete, got[len(got)-1])
}

func TestOpenTopic_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newTestProducer(t, &fakeGenerator{chapters: 3}, nil)

	events := p.OpenTopic(ctx, stream.TopicRequest{TopicID: "go", Topic: "Go"})
	first := <-events
	assert.Equal(t, stream.EventMetadata, first.Type)
	cancel()

	done := make(chan struct{})
	go func() {
		for range events {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
