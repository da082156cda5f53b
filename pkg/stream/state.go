// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"sort"
	"strings"
	"sync"
)

// Status is the lifecycle of a consumed stream.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// FragmentState is the client view of one fragment.
type FragmentState struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Order    int    `json:"order"`
	Text     string `json:"text"`
	Complete bool   `json:"complete"`
	Failed   bool   `json:"failed"`
}

// Snapshot is an immutable copy of a GenerationState.
type Snapshot struct {
	Status       Status
	Metadata     *TopicMetadata
	Outline      []OutlineItem
	Fragments    []FragmentState
	ErrorMessage string
	Violations   int
	EventsSeen   int
}

// GenerationState accumulates a stream into the view of one generation.
//
// # Description
//
// Apply folds events in arrival order. Protocol violations (a chunk for an
// unopened fragment, a second fragment_complete, events after a terminal
// event, a placeholder after the final metadata) are counted and ignored so
// a misbehaving producer cannot corrupt the view.
//
// # Thread Safety
//
// Safe for concurrent use. Readers take snapshots.
type GenerationState struct {
	mu         sync.RWMutex
	status     Status
	metadata   *TopicMetadata
	finalMeta  bool
	outline    map[string]OutlineItem
	fragments  map[string]*fragmentBuilder
	errMessage string
	violations int
	events     int
}

type fragmentBuilder struct {
	state FragmentState
	text  strings.Builder
}

// NewGenerationState creates an empty state in StatusStreaming.
func NewGenerationState() *GenerationState {
	return &GenerationState{
		status:    StatusStreaming,
		outline:   make(map[string]OutlineItem),
		fragments: make(map[string]*fragmentBuilder),
	}
}

// Apply folds one event into the state and reports whether it was accepted.
func (s *GenerationState) Apply(event StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events++
	if s.status != StatusStreaming {
		s.violations++
		return false
	}

	switch event.Type {
	case EventMetadata:
		return s.applyMetadata(event)
	case EventOutlineUpdate:
		for _, item := range event.Items {
			s.outline[item.ID] = item
		}
		return true
	case EventFragmentStarted:
		if _, exists := s.fragments[event.FragmentID]; exists || event.FragmentID == "" {
			s.violations++
			return false
		}
		s.fragments[event.FragmentID] = &fragmentBuilder{state: FragmentState{
			ID:       event.FragmentID,
			ParentID: event.ParentID,
			Order:    event.Order,
		}}
		return true
	case EventFragmentChunk:
		fb, ok := s.fragments[event.FragmentID]
		if !ok || fb.state.Complete {
			s.violations++
			return false
		}
		fb.text.WriteString(event.TextDelta)
		return true
	case EventFragmentComplete:
		fb, ok := s.fragments[event.FragmentID]
		if !ok || fb.state.Complete {
			s.violations++
			return false
		}
		fb.state.Complete = true
		fb.state.Failed = event.Failed
		if event.FinalText != "" || event.Failed {
			fb.text.Reset()
			fb.text.WriteString(event.FinalText)
		}
		return true
	case EventError:
		s.status = StatusFailed
		s.errMessage = event.Message
		return true
	case EventComplete:
		s.status = StatusComplete
		return true
	default:
		return false
	}
}

func (s *GenerationState) applyMetadata(event StreamEvent) bool {
	if event.Metadata == nil {
		s.violations++
		return false
	}
	if s.finalMeta {
		// Only one final metadata; placeholders may not follow it.
		s.violations++
		return false
	}
	if event.Metadata.Placeholder && s.metadata != nil {
		s.violations++
		return false
	}
	meta := *event.Metadata
	s.metadata = &meta
	s.finalMeta = !meta.Placeholder
	return true
}

// Fragment returns the current state of one fragment.
func (s *GenerationState) Fragment(id string) (FragmentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fb, ok := s.fragments[id]
	if !ok {
		return FragmentState{}, false
	}
	st := fb.state
	st.Text = fb.text.String()
	return st, true
}

// Status returns the lifecycle status.
func (s *GenerationState) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns a deep copy of the state. Outline items and fragments are
// sorted by Order.
func (s *GenerationState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Status:       s.status,
		ErrorMessage: s.errMessage,
		Violations:   s.violations,
		EventsSeen:   s.events,
	}
	if s.metadata != nil {
		meta := *s.metadata
		snap.Metadata = &meta
	}

	snap.Outline = make([]OutlineItem, 0, len(s.outline))
	for _, item := range s.outline {
		item.Paragraphs = append([]ParagraphStub(nil), item.Paragraphs...)
		snap.Outline = append(snap.Outline, item)
	}
	sort.SliceStable(snap.Outline, func(i, j int) bool {
		if snap.Outline[i].Order != snap.Outline[j].Order {
			return snap.Outline[i].Order < snap.Outline[j].Order
		}
		return snap.Outline[i].ID < snap.Outline[j].ID
	})

	snap.Fragments = make([]FragmentState, 0, len(s.fragments))
	for _, fb := range s.fragments {
		st := fb.state
		st.Text = fb.text.String()
		snap.Fragments = append(snap.Fragments, st)
	}
	sort.SliceStable(snap.Fragments, func(i, j int) bool {
		a, b := snap.Fragments[i], snap.Fragments[j]
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		return a.Order < b.Order
	})
	return snap
}
