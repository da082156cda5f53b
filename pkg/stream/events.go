// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream defines the progressive generation wire protocol and the
// client side that consumes it.
//
// A generation stream is a sequence of `data: <json>\n\n` frames, each
// carrying one StreamEvent. The producer lives in services/producer and is
// served over HTTP by services/orchestrator/handlers; this package holds the
// event types both sides share, the SSE parser, the hash-chain verifier, the
// consumer that folds events into a GenerationState, and an HTTP client.
package stream

// =============================================================================
// Event Types
// =============================================================================

// EventType tags a StreamEvent.
type EventType string

const (
	// EventMetadata carries topic-level metadata. The first one of a topic
	// stream is a placeholder built from the request alone.
	EventMetadata EventType = "metadata"

	// EventOutlineUpdate carries a batch of outline items (chapters).
	EventOutlineUpdate EventType = "outline_update"

	// EventFragmentStarted opens a text fragment (paragraph).
	EventFragmentStarted EventType = "fragment_started"

	// EventFragmentChunk appends text to an open fragment.
	EventFragmentChunk EventType = "fragment_chunk"

	// EventFragmentComplete closes a fragment with its final text.
	EventFragmentComplete EventType = "fragment_complete"

	// EventError is terminal and excludes EventComplete.
	EventError EventType = "error"

	// EventComplete is terminal and appears at most once.
	EventComplete EventType = "complete"
)

// Known reports whether t is part of the protocol.
func (t EventType) Known() bool {
	switch t {
	case EventMetadata, EventOutlineUpdate, EventFragmentStarted,
		EventFragmentChunk, EventFragmentComplete, EventError, EventComplete:
		return true
	}
	return false
}

// IsTerminal reports whether t ends a stream.
func (t EventType) IsTerminal() bool {
	return t == EventError || t == EventComplete
}

// =============================================================================
// Payloads
// =============================================================================

// TopicMetadata describes a topic as a whole.
type TopicMetadata struct {
	TopicID      string `json:"topic_id"`
	Title        string `json:"title"`
	Language     string `json:"language,omitempty"`
	Difficulty   string `json:"difficulty,omitempty"`
	Summary      string `json:"summary,omitempty"`
	ChapterCount int    `json:"chapter_count"`
	Placeholder  bool   `json:"placeholder,omitempty"`
}

// ParagraphStub is an outline-level paragraph reference with no content yet.
type ParagraphStub struct {
	ID      string `json:"id"`
	Order   int    `json:"order"`
	Heading string `json:"heading"`
}

// OutlineItem is one chapter of a topic outline.
type OutlineItem struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Order      int             `json:"order"`
	Paragraphs []ParagraphStub `json:"paragraphs,omitempty"`
}

// =============================================================================
// StreamEvent
// =============================================================================

// StreamEvent is one frame of a generation stream.
//
// # Description
//
// StreamEvent is a tagged union discriminated by Type. Only the fields that
// belong to Type are populated. Seq is assigned by the producer and is
// strictly increasing within a stream. Id, CreatedAt, Hash and PrevHash are
// assigned by the transport writer when the event is put on the wire.
//
// # Invariants
//
//   - Per FragmentID: fragment_started precedes every fragment_chunk, which
//     precede exactly one fragment_complete.
//   - At most one placeholder metadata, followed by at most one final metadata.
//   - complete and error are terminal and mutually exclusive.
type StreamEvent struct {
	Type EventType `json:"type"`
	Seq  int       `json:"seq"`

	Id        string `json:"id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`

	Metadata *TopicMetadata `json:"metadata,omitempty"`
	Items    []OutlineItem  `json:"items,omitempty"`

	FragmentID string `json:"fragment_id,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
	Order      int    `json:"order,omitempty"`
	TextDelta  string `json:"text_delta,omitempty"`
	FinalText  string `json:"final_text,omitempty"`
	Failed     bool   `json:"failed,omitempty"`

	Message string `json:"message,omitempty"`

	Hash     string `json:"hash,omitempty"`
	PrevHash string `json:"prev_hash,omitempty"`
}

// IsTerminal reports whether the event ends its stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type.IsTerminal()
}

// NewMetadata builds a metadata event.
func NewMetadata(meta TopicMetadata) StreamEvent {
	return StreamEvent{Type: EventMetadata, Metadata: &meta}
}

// NewOutlineUpdate builds an outline_update event for one batch.
func NewOutlineUpdate(items []OutlineItem) StreamEvent {
	return StreamEvent{Type: EventOutlineUpdate, Items: items}
}

// NewFragmentStarted builds a fragment_started event.
func NewFragmentStarted(fragmentID, parentID string, order int) StreamEvent {
	return StreamEvent{Type: EventFragmentStarted, FragmentID: fragmentID, ParentID: parentID, Order: order}
}

// NewFragmentChunk builds a fragment_chunk event.
func NewFragmentChunk(fragmentID, delta string) StreamEvent {
	return StreamEvent{Type: EventFragmentChunk, FragmentID: fragmentID, TextDelta: delta}
}

// NewFragmentComplete builds a fragment_complete event.
func NewFragmentComplete(fragmentID, finalText string, failed bool) StreamEvent {
	return StreamEvent{Type: EventFragmentComplete, FragmentID: fragmentID, FinalText: finalText, Failed: failed}
}

// NewError builds a terminal error event. message must already be safe to
// show to a user.
func NewError(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}

// NewComplete builds the terminal complete event.
func NewComplete() StreamEvent {
	return StreamEvent{Type: EventComplete}
}
