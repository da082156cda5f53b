// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package durable is the key-addressed persistence that generated topics are
// synchronized into. Backends are SQLite, Google Cloud Storage and memory.
package durable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by GetParagraph for an unknown paragraph.
var ErrNotFound = errors.New("durable record not found")

// Topic is the header row of a synchronized topic.
type Topic struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Language     string    `json:"language,omitempty"`
	Difficulty   string    `json:"difficulty,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	ChapterCount int       `json:"chapter_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Paragraph is one generated unit.
type Paragraph struct {
	TopicID     string            `json:"topic_id"`
	ChapterID   string            `json:"chapter_id"`
	ID          string            `json:"id"`
	Order       int               `json:"order"`
	Heading     string            `json:"heading,omitempty"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Store is the durable backend.
//
// # Description
//
// Every call may fail. Callers wrap failures as persistence errors and never
// surface them to the user. PutParagraph replaces an existing paragraph with
// the same topic and paragraph id.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	UpsertTopic(ctx context.Context, t Topic) error
	ParagraphExists(ctx context.Context, topicID, paragraphID string) (bool, error)
	PutParagraph(ctx context.Context, p Paragraph) error
	GetParagraph(ctx context.Context, topicID, paragraphID string) (Paragraph, error)
	Close() error
}

func validateParagraph(p Paragraph) error {
	if p.TopicID == "" || p.ID == "" {
		return fmt.Errorf("paragraph requires topic id and id (got %q/%q)", p.TopicID, p.ID)
	}
	return nil
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore keeps everything in maps. It backs tests and offline demos.
type MemoryStore struct {
	mu         sync.RWMutex
	topics     map[string]Topic
	paragraphs map[string]map[string]Paragraph
	writes     int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics:     make(map[string]Topic),
		paragraphs: make(map[string]map[string]Paragraph),
	}
}

func (m *MemoryStore) UpsertTopic(ctx context.Context, t Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.ID == "" {
		return errors.New("topic id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[t.ID] = t
	return nil
}

func (m *MemoryStore) ParagraphExists(ctx context.Context, topicID, paragraphID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.paragraphs[topicID][paragraphID]
	return ok, nil
}

func (m *MemoryStore) PutParagraph(ctx context.Context, p Paragraph) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateParagraph(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.paragraphs[p.TopicID]
	if !ok {
		byID = make(map[string]Paragraph)
		m.paragraphs[p.TopicID] = byID
	}
	byID[p.ID] = p
	m.writes++
	return nil
}

func (m *MemoryStore) GetParagraph(ctx context.Context, topicID, paragraphID string) (Paragraph, error) {
	if err := ctx.Err(); err != nil {
		return Paragraph{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.paragraphs[topicID][paragraphID]
	if !ok {
		return Paragraph{}, fmt.Errorf("%w: %s/%s", ErrNotFound, topicID, paragraphID)
	}
	return p, nil
}

func (m *MemoryStore) Close() error { return nil }

// Topic returns a stored topic header.
func (m *MemoryStore) Topic(id string) (Topic, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[id]
	return t, ok
}

// Paragraphs returns the paragraphs of a topic ordered by chapter and order.
func (m *MemoryStore) Paragraphs(topicID string) []Paragraph {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Paragraph, 0, len(m.paragraphs[topicID]))
	for _, p := range m.paragraphs[topicID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChapterID != out[j].ChapterID {
			return out[i].ChapterID < out[j].ChapterID
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// Writes returns the number of PutParagraph calls that stored a record.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

var _ Store = (*MemoryStore)(nil)
