// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contentcache

import (
	"errors"
	"time"
)

var (
	// ErrEntryNotFound is returned for an unknown topic id.
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrUnitNotFound is returned for an unknown chapter or paragraph id.
	ErrUnitNotFound = errors.New("cache unit not found")
)

// ParagraphRecord is one generated unit inside a chapter.
type ParagraphRecord struct {
	ID          string            `json:"id"`
	Order       int               `json:"order"`
	Heading     string            `json:"heading,omitempty"`
	Content     *string           `json:"content"`
	Generated   bool              `json:"generated"`
	GeneratedAt time.Time         `json:"generated_at,omitzero"`
	SyncedAt    time.Time         `json:"synced_at,omitzero"`
	Failed      bool              `json:"failed,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NeedsSync reports whether the record holds generated content that has
// not been confirmed in the durable store since it last changed.
func (p ParagraphRecord) NeedsSync() bool {
	if !p.Generated || p.Failed || p.Content == nil {
		return false
	}
	return p.SyncedAt.IsZero() || p.SyncedAt.Before(p.GeneratedAt)
}

// Chapter is an ordered group of paragraphs.
type Chapter struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Order      int               `json:"order"`
	Paragraphs []ParagraphRecord `json:"paragraphs"`
}

// Content is the caller-supplied part of an entry.
type Content struct {
	Title      string    `json:"title"`
	Language   string    `json:"language,omitempty"`
	Difficulty string    `json:"difficulty,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Chapters   []Chapter `json:"chapters"`
}

// CacheEntry is the cached state of one topic.
type CacheEntry struct {
	TopicID string `json:"topic_id"`
	Content

	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`

	TotalUnits     int `json:"total_units"`
	GeneratedUnits int `json:"generated_units"`
	SyncedUnits    int `json:"synced_units"`

	// Provisional entries were written optimistically and are removed if
	// the operation that created them fails.
	Provisional bool `json:"provisional,omitempty"`
}

// PutOptions modifies Put.
type PutOptions struct {
	Provisional bool
}

// ParagraphPatch is a partial update of a ParagraphRecord. Nil fields are
// left unchanged.
type ParagraphPatch struct {
	Content  *string
	Heading  *string
	Failed   *bool
	Metadata map[string]string
}

// UnitRef locates a paragraph inside its topic.
type UnitRef struct {
	ChapterID string
	Paragraph ParagraphRecord
}

// QueueState is the state of a sync queue item.
type QueueState string

const (
	QueuePending QueueState = "pending"
	QueueSyncing QueueState = "syncing"
)

// SyncQueueItem is a topic waiting for reconciliation with the durable
// store. Identity is the topic id, so repeated updates never grow the queue.
type SyncQueueItem struct {
	TopicID    string     `json:"topic_id"`
	State      QueueState `json:"state"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	// Dirty is set when the topic changed while it was being synced.
	Dirty bool `json:"dirty,omitempty"`
}

// Summary is a listing row that does not count as an access.
type Summary struct {
	TopicID        string
	Title          string
	LastAccessed   time.Time
	TotalUnits     int
	GeneratedUnits int
	SyncedUnits    int
	Provisional    bool
	Pending        bool
	LastSynced     time.Time
}

// Stats describes the store.
type Stats struct {
	Entries  int
	Capacity int
	Pending  int
	Syncing  int
	Degraded bool
}

func (e *CacheEntry) recount() {
	e.TotalUnits, e.GeneratedUnits, e.SyncedUnits = 0, 0, 0
	for _, ch := range e.Chapters {
		for _, p := range ch.Paragraphs {
			e.TotalUnits++
			if p.Generated {
				e.GeneratedUnits++
				if !p.NeedsSync() {
					e.SyncedUnits++
				}
			}
		}
	}
}

func (e *CacheEntry) clone() *CacheEntry {
	out := *e
	out.Chapters = make([]Chapter, len(e.Chapters))
	for i, ch := range e.Chapters {
		out.Chapters[i] = ch
		out.Chapters[i].Paragraphs = make([]ParagraphRecord, len(ch.Paragraphs))
		for j, p := range ch.Paragraphs {
			cp := p
			if p.Content != nil {
				text := *p.Content
				cp.Content = &text
			}
			if p.Metadata != nil {
				cp.Metadata = make(map[string]string, len(p.Metadata))
				for k, v := range p.Metadata {
					cp.Metadata[k] = v
				}
			}
			out.Chapters[i].Paragraphs[j] = cp
		}
	}
	return &out
}

func (e *CacheEntry) paragraph(chapterID, unitID string) *ParagraphRecord {
	for i := range e.Chapters {
		if e.Chapters[i].ID != chapterID {
			continue
		}
		for j := range e.Chapters[i].Paragraphs {
			if e.Chapters[i].Paragraphs[j].ID == unitID {
				return &e.Chapters[i].Paragraphs[j]
			}
		}
	}
	return nil
}
