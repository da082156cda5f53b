// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeStream renders events as SSE frames, assigning Seq and, when hashed
// is set, the hash chain the server writer produces.
func encodeStream(t *testing.T, hashed bool, events ...StreamEvent) string {
	t.Helper()
	var b strings.Builder
	prev := ""
	for i, e := range events {
		e.Seq = i
		if hashed {
			e.Id = fmt.Sprintf("evt-%d", i)
			e.CreatedAt = int64(1700000000000 + i)
			e.PrevHash = prev
			e.Hash = ComputeHash(e)
			prev = e.Hash
		}
		data, err := json.Marshal(e)
		require.NoError(t, err)
		fmt.Fprintf(&b, "data: %s\n\n", data)
	}
	return b.String()
}

func happyPathEvents() []StreamEvent {
	return []StreamEvent{
		NewMetadata(TopicMetadata{TopicID: "go", Title: "go", Placeholder: true}),
		NewMetadata(TopicMetadata{TopicID: "go", Title: "Go", ChapterCount: 1}),
		NewOutlineUpdate([]OutlineItem{{ID: "c1", Title: "Intro", Paragraphs: []ParagraphStub{{ID: "p1", Heading: "Why Go"}}}}),
		NewFragmentStarted("p1", "c1", 0),
		NewFragmentChunk("p1", "Go is "),
		NewFragmentChunk("p1", "simple."),
		NewFragmentComplete("p1", "Go is simple.", false),
		NewComplete(),
	}
}

func TestConsumer_HappyPathWithHooks(t *testing.T) {
	var metas []TopicMetadata
	var outlines int
	var completed []FragmentState
	var types []EventType

	c := NewConsumer(NewGenerationState(), Hooks{
		OnEvent:            func(e StreamEvent) { types = append(types, e.Type) },
		OnMetadata:         func(m TopicMetadata) { metas = append(metas, m) },
		OnOutline:          func([]OutlineItem) { outlines++ },
		OnFragmentComplete: func(f FragmentState) { completed = append(completed, f) },
	}, WithChainVerification())

	err := c.Consume(context.Background(), strings.NewReader(encodeStream(t, true, happyPathEvents()...)))
	require.NoError(t, err)

	require.Len(t, metas, 2)
	assert.True(t, metas[0].Placeholder)
	assert.False(t, metas[1].Placeholder)
	assert.Equal(t, 1, outlines)
	require.Len(t, completed, 1)
	assert.Equal(t, "Go is simple.", completed[0].Text)
	assert.Equal(t, "c1", completed[0].ParentID)
	assert.Equal(t, EventComplete, types[len(types)-1])
	assert.Equal(t, StatusComplete, c.State().Status())
}

func TestConsumer_IgnoresUnknownTypes(t *testing.T) {
	events := []StreamEvent{
		{Type: "progress_hint", Message: "50%"},
		NewMetadata(TopicMetadata{TopicID: "t", Title: "t", Placeholder: true}),
		{Type: "future_feature"},
		NewComplete(),
	}
	c := NewConsumer(NewGenerationState(), Hooks{})

	require.NoError(t, c.Consume(context.Background(), strings.NewReader(encodeStream(t, false, events...))))
	snap := c.State().Snapshot()
	assert.Equal(t, StatusComplete, snap.Status)
	assert.Zero(t, snap.Violations)
}

func TestConsumer_ErrorEventStops(t *testing.T) {
	events := []StreamEvent{
		NewMetadata(TopicMetadata{TopicID: "t", Title: "t", Placeholder: true}),
		NewError("We couldn't generate this topic. Please try again."),
		NewComplete(),
	}
	c := NewConsumer(NewGenerationState(), Hooks{})

	err := c.Consume(context.Background(), strings.NewReader(encodeStream(t, false, events...)))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindGeneration))
	assert.Equal(t, "We couldn't generate this topic. Please try again.", apperr.UserMessage(err))

	var se *ServerError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, StatusFailed, c.State().Status())
}

func TestConsumer_TruncatedStreamIsTransportFailure(t *testing.T) {
	events := happyPathEvents()[:4]
	c := NewConsumer(NewGenerationState(), Hooks{})

	err := c.Consume(context.Background(), strings.NewReader(encodeStream(t, false, events...)))
	assert.True(t, apperr.Is(err, apperr.KindTransport))
	assert.ErrorIs(t, err, ErrIncompleteStream)
}

func TestConsumer_TamperedChain(t *testing.T) {
	body := encodeStream(t, true, happyPathEvents()...)
	body = strings.Replace(body, "simple.", "complex", 1)

	c := NewConsumer(NewGenerationState(), Hooks{}, WithChainVerification())
	err := c.Consume(context.Background(), strings.NewReader(body))
	assert.True(t, apperr.Is(err, apperr.KindTransport))
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestConsumer_CancelMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	applied := make(chan struct{}, 8)

	c := NewConsumer(NewGenerationState(), Hooks{OnEvent: func(StreamEvent) { applied <- struct{}{} }})

	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, pr) }()

	events := happyPathEvents()
	_, err := io.WriteString(pw, encodeStream(t, false, events[0]))
	require.NoError(t, err)
	<-applied

	cancel()
	// The HTTP transport closes the body on cancel; emulate that.
	pw.CloseWithError(context.Canceled)

	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusStreaming, c.State().Status())
	assert.Equal(t, 1, c.State().Snapshot().EventsSeen)
}

func TestChainVerifier_UnhashedStreamAccepted(t *testing.T) {
	var v ChainVerifier
	assert.NoError(t, v.Verify(NewComplete()))
	assert.Empty(t, v.Last())
}

func TestChainVerifier_MissingHashAfterHashed(t *testing.T) {
	var v ChainVerifier
	e := NewMetadata(TopicMetadata{TopicID: "t", Title: "t"})
	e.Hash = ComputeHash(e)
	require.NoError(t, v.Verify(e))

	assert.ErrorIs(t, v.Verify(NewComplete()), ErrChainBroken)
}
