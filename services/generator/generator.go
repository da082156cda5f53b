// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generator adapts generative model backends to the outline and
// paragraph calls the stream producer makes.
package generator

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
)

// ErrMalformedOutline is returned when a model response cannot be turned
// into an outline with at least one chapter.
var ErrMalformedOutline = errors.New("malformed outline response")

// ErrEmptyResponse is returned when a model produced no text.
var ErrEmptyResponse = errors.New("empty model response")

// OutlineRequest asks for a topic outline.
type OutlineRequest struct {
	TopicID    string
	Topic      string
	Language   string
	Difficulty string
}

// Outline is a generated topic outline.
type Outline struct {
	Title    string
	Summary  string
	Chapters []stream.OutlineItem
}

// ParagraphRequest asks for the text of one paragraph.
type ParagraphRequest struct {
	TopicID      string
	Topic        string
	ChapterID    string
	ChapterTitle string
	Paragraph    stream.ParagraphStub
	Language     string
	Difficulty   string
}

// Generator is the opaque producer of outlines and paragraph text.
//
// # Description
//
// Implementations must honour ctx: once it is cancelled no further backend
// calls may be issued and in-flight calls should abort.
type Generator interface {
	GenerateOutline(ctx context.Context, req OutlineRequest) (*Outline, error)
	GenerateParagraph(ctx context.Context, req ParagraphRequest) (string, error)
}

// DeltaFunc receives incremental text. Returning an error aborts generation.
type DeltaFunc func(delta string) error

// ParagraphStreamer is implemented by generators that can deliver paragraph
// text incrementally. The returned string is the full text.
type ParagraphStreamer interface {
	StreamParagraph(ctx context.Context, req ParagraphRequest, onDelta DeltaFunc) (string, error)
}

// Named is implemented by generators that report a backend/model label for
// metrics and traces.
type Named interface {
	Name() string
}

// NameOf returns g's label or "unknown".
func NameOf(g Generator) string {
	if n, ok := g.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
