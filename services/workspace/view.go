// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"sort"
	"sync"
)

// TopicStatus is what the user sees for a topic.
type TopicStatus string

const (
	StatusGenerating TopicStatus = "generating"
	StatusReady      TopicStatus = "ready"
)

// TopicView is the optimistic view of one topic.
type TopicView struct {
	ID     string
	Title  string
	Status TopicStatus
	// GeneratingChapters holds chapter ids with a chapter stream in flight.
	GeneratingChapters []string
	// Edits holds paragraph text saved by the user and not yet confirmed
	// by the cache write.
	Edits   map[string]string
	Syncing bool
}

func (v TopicView) clone() TopicView {
	out := v
	out.GeneratingChapters = append([]string(nil), v.GeneratingChapters...)
	if v.Edits != nil {
		out.Edits = make(map[string]string, len(v.Edits))
		for k, s := range v.Edits {
			out.Edits[k] = s
		}
	}
	return out
}

// View holds the state the user interface renders. Optimistic mutations
// change it before the operations they stand for complete.
type View struct {
	mu     sync.RWMutex
	topics map[string]TopicView
}

// NewView creates an empty view.
func NewView() *View {
	return &View{topics: make(map[string]TopicView)}
}

// Topic returns a copy of one topic.
func (v *View) Topic(id string) (TopicView, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.topics[id]
	if !ok {
		return TopicView{}, false
	}
	return t.clone(), true
}

// Topics returns every topic ordered by id.
func (v *View) Topics() []TopicView {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]TopicView, 0, len(v.topics))
	for _, t := range v.topics {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// update applies fn to a copy of topic id and stores the result. fn sees
// ok=false for an unknown topic. It returns the topic as it was before.
func (v *View) update(id string, fn func(t *TopicView, ok bool)) (TopicView, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, ok := v.topics[id]
	next := prev.clone()
	if !ok {
		next = TopicView{ID: id}
	}
	fn(&next, ok)
	v.topics[id] = next
	return prev, ok
}

// restore puts back a topic captured by update, or deletes it if it did
// not exist.
func (v *View) restore(id string, prev TopicView, existed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if existed {
		v.topics[id] = prev
	} else {
		delete(v.topics, id)
	}
}

func (v *View) remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.topics, id)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
