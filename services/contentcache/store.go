// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contentcache is the client's bounded, write-through cache of
// generated topics and the queue of topics awaiting durable sync.
package contentcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/services/orchestrator/observability"
)

const (
	entriesKey = "learn/cache/entries"
	queueKey   = "learn/cache/sync-queue"
)

// Config bounds the cache.
type Config struct {
	// Capacity is the maximum number of topics kept.
	Capacity int
	// Expiry drops entries not accessed for this long when the store loads.
	Expiry time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns 20 entries and a 7 day expiry.
func DefaultConfig() Config {
	return Config{
		Capacity: 20,
		Expiry:   7 * 24 * time.Hour,
		Now:      time.Now,
	}
}

// queueDoc is the persisted form of the sync queue.
type queueDoc struct {
	Items      map[string]*SyncQueueItem `json:"items"`
	LastSynced map[string]time.Time      `json:"last_synced"`
}

// Store is the content cache.
//
// # Description
//
// Every mutating call writes the whole cache through to the Medium before
// returning. A failed write is logged and swallowed; from then on the store
// is Degraded and keeps operating in memory only. Get, Put and UpdateUnit
// refresh an entry's LastAccessed; List and Peek do not.
//
// # Thread Safety
//
// Safe for concurrent use. User actions and the sync service share the
// same instance.
type Store struct {
	cfg    Config
	medium Medium

	mu         sync.Mutex
	entries    map[string]*CacheEntry
	queue      map[string]*SyncQueueItem
	lastSynced map[string]time.Time
	degraded   bool
}

// NewStore loads the cache from medium.
//
// Entries whose LastAccessed is older than cfg.Expiry are dropped and the
// capacity is enforced before the store is returned. An unreadable medium
// yields an empty store.
func NewStore(medium Medium, cfg Config) (*Store, error) {
	if medium == nil {
		return nil, errors.New("medium must not be nil")
	}
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	s := &Store{
		cfg:        cfg,
		medium:     medium,
		entries:    make(map[string]*CacheEntry),
		queue:      make(map[string]*SyncQueueItem),
		lastSynced: make(map[string]time.Time),
	}
	s.load()

	s.mu.Lock()
	defer s.mu.Unlock()
	expired := s.dropExpiredLocked()
	evicted := s.evictLocked()
	if expired+evicted > 0 {
		slog.Info("Content cache hygiene on load", "expired", expired, "evicted", evicted)
	}
	s.persistLocked()
	return s, nil
}

func (s *Store) load() {
	if raw, err := s.medium.Get(entriesKey); err == nil {
		var entries map[string]*CacheEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			slog.Warn("Discarding unreadable content cache", "error", err)
		} else {
			for id, e := range entries {
				if e != nil && id != "" {
					e.TopicID = id
					s.entries[id] = e
				}
			}
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		slog.Warn("Failed to read content cache", "error", err)
	}

	if raw, err := s.medium.Get(queueKey); err == nil {
		var doc queueDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			slog.Warn("Discarding unreadable sync queue", "error", err)
		} else {
			for id, item := range doc.Items {
				if item == nil {
					continue
				}
				if _, ok := s.entries[id]; !ok {
					continue
				}
				// A pass interrupted by shutdown left it syncing.
				item.State = QueuePending
				item.Dirty = false
				item.TopicID = id
				s.queue[id] = item
			}
			for id, at := range doc.LastSynced {
				s.lastSynced[id] = at
			}
		}
	} else if !errors.Is(err, ErrKeyNotFound) {
		slog.Warn("Failed to read sync queue", "error", err)
	}
}

// =============================================================================
// Entries
// =============================================================================

// Put stores content under topicID, replacing any previous content.
// CreatedAt survives replacement. Provisional entries are removed by
// Remove if their operation fails and kept by Confirm.
func (s *Store) Put(topicID string, content Content, opts PutOptions) error {
	if topicID == "" {
		return apperr.Validation("cache.put", errors.New("topic id is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	entry := &CacheEntry{
		TopicID:      topicID,
		Content:      content,
		CreatedAt:    now,
		LastAccessed: now,
		Provisional:  opts.Provisional,
	}
	if prev, ok := s.entries[topicID]; ok {
		entry.CreatedAt = prev.CreatedAt
	}
	entry = entry.clone()
	entry.recount()
	s.entries[topicID] = entry

	s.evictLocked()
	s.persistLocked()
	return nil
}

// Get returns a copy of the entry and refreshes its LastAccessed.
func (s *Store) Get(topicID string) (*CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[topicID]
	if !ok {
		return nil, false
	}
	e.LastAccessed = s.cfg.Now()
	s.persistLocked()
	return e.clone(), true
}

// Peek returns a copy of the entry without counting an access.
func (s *Store) Peek(topicID string) (*CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[topicID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// UpdateUnit patches one paragraph, then marks its topic pending sync.
// Setting Content marks the paragraph generated and invalidates its sync
// marker.
func (s *Store) UpdateUnit(topicID, chapterID, unitID string, patch ParagraphPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[topicID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, topicID)
	}
	p := e.paragraph(chapterID, unitID)
	if p == nil {
		return fmt.Errorf("%w: %s/%s/%s", ErrUnitNotFound, topicID, chapterID, unitID)
	}

	now := s.cfg.Now()
	if patch.Content != nil {
		text := *patch.Content
		p.Content = &text
		p.Generated = true
		p.GeneratedAt = nextVersion(now, p.GeneratedAt, p.SyncedAt)
		p.Failed = false
	}
	if patch.Heading != nil {
		p.Heading = *patch.Heading
	}
	if patch.Failed != nil {
		p.Failed = *patch.Failed
	}
	if len(patch.Metadata) > 0 {
		if p.Metadata == nil {
			p.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			p.Metadata[k] = v
		}
	}
	e.LastAccessed = now
	e.recount()

	s.markPendingSyncLocked(topicID)
	s.persistLocked()
	return nil
}

// Confirm clears the provisional flag of an entry.
func (s *Store) Confirm(topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[topicID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, topicID)
	}
	if e.Provisional {
		e.Provisional = false
		s.persistLocked()
	}
	return nil
}

// Remove deletes an entry and its queue item. It reports whether the entry
// existed.
func (s *Store) Remove(topicID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[topicID]
	delete(s.entries, topicID)
	delete(s.queue, topicID)
	if ok {
		s.persistLocked()
	}
	return ok
}

// Purge removes every entry and queue item.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	s.entries = make(map[string]*CacheEntry)
	s.queue = make(map[string]*SyncQueueItem)
	s.lastSynced = make(map[string]time.Time)
	s.persistLocked()
	return n
}

// List returns summaries, most recently accessed first.
func (s *Store) List() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.entries))
	for id, e := range s.entries {
		_, pending := s.queue[id]
		out = append(out, Summary{
			TopicID:        id,
			Title:          e.Title,
			LastAccessed:   e.LastAccessed,
			TotalUnits:     e.TotalUnits,
			GeneratedUnits: e.GeneratedUnits,
			SyncedUnits:    e.SyncedUnits,
			Provisional:    e.Provisional,
			Pending:        pending,
			LastSynced:     s.lastSynced[id],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].LastAccessed.After(out[j].LastAccessed)
		}
		return out[i].TopicID < out[j].TopicID
	})
	return out
}

// EvictIfOverCapacity keeps the Capacity most recently accessed entries
// and returns how many were evicted.
func (s *Store) EvictIfOverCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.evictLocked()
	if n > 0 {
		s.persistLocked()
	}
	return n
}

// =============================================================================
// Sync queue
// =============================================================================

// MarkPendingSync enqueues topicID. A topic already pending is unchanged;
// a topic being synced is flagged dirty and stays queued after MarkSynced.
func (s *Store) MarkPendingSync(topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[topicID]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, topicID)
	}
	s.markPendingSyncLocked(topicID)
	s.persistLocked()
	return nil
}

func (s *Store) markPendingSyncLocked(topicID string) {
	item, ok := s.queue[topicID]
	switch {
	case !ok:
		s.queue[topicID] = &SyncQueueItem{
			TopicID:    topicID,
			State:      QueuePending,
			EnqueuedAt: s.cfg.Now(),
		}
	case item.State == QueueSyncing:
		item.Dirty = true
	}
}

// DrainPendingSync moves every pending topic to syncing and returns their
// ids, oldest first.
func (s *Store) DrainPendingSync() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*SyncQueueItem
	for _, item := range s.queue {
		if item.State == QueuePending {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].TopicID < items[j].TopicID
	})

	ids := make([]string, len(items))
	for i, item := range items {
		item.State = QueueSyncing
		item.Dirty = false
		ids[i] = item.TopicID
	}
	if len(ids) > 0 {
		s.persistLocked()
	}
	return ids
}

// ClaimForSync moves one topic to syncing. It returns false when the topic
// has no queue item or is already syncing.
func (s *Store) ClaimForSync(topicID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[topicID]
	if !ok || item.State != QueuePending {
		return false
	}
	item.State = QueueSyncing
	item.Dirty = false
	s.persistLocked()
	return true
}

// MarkSynced records a successful sync of topicID. The queue item is
// removed unless the topic changed during the sync.
func (s *Store) MarkSynced(topicID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	s.lastSynced[topicID] = now
	if item, ok := s.queue[topicID]; ok {
		if item.Dirty {
			item.State = QueuePending
			item.Dirty = false
			item.Attempts = 0
			item.LastError = ""
		} else {
			delete(s.queue, topicID)
		}
	}
	if e, ok := s.entries[topicID]; ok {
		e.recount()
	}
	s.persistLocked()
}

// DeferSync returns a claimed topic to pending without counting an
// attempt. The syncer uses it for provisional entries.
func (s *Store) DeferSync(topicID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[topicID]
	if !ok || item.State != QueueSyncing {
		return
	}
	item.State = QueuePending
	item.Dirty = false
	s.persistLocked()
}

// MarkSyncFailed returns topicID to pending for the next pass.
func (s *Store) MarkSyncFailed(topicID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[topicID]
	if !ok {
		return
	}
	item.State = QueuePending
	item.Dirty = false
	item.Attempts++
	if cause != nil {
		item.LastError = cause.Error()
	}
	s.persistLocked()
}

// MarkUnitSynced records that the version of a paragraph in written, as
// returned by UnsyncedUnits, is in the durable store. When the paragraph
// changed after that snapshot was taken, the marker is set to the written
// version so the newer content is still reported by UnsyncedUnits.
func (s *Store) MarkUnitSynced(topicID, chapterID string, written ParagraphRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[topicID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, topicID)
	}
	p := e.paragraph(chapterID, written.ID)
	if p == nil {
		return fmt.Errorf("%w: %s/%s/%s", ErrUnitNotFound, topicID, chapterID, written.ID)
	}
	if !p.GeneratedAt.Equal(written.GeneratedAt) {
		p.SyncedAt = written.GeneratedAt
		if p.SyncedAt.IsZero() {
			// Still non-zero: the durable store holds an older version.
			p.SyncedAt = time.Unix(0, 0).UTC()
		}
	} else {
		p.SyncedAt = s.cfg.Now()
		if p.SyncedAt.Before(p.GeneratedAt) {
			p.SyncedAt = p.GeneratedAt
		}
	}
	e.recount()
	s.persistLocked()
	return nil
}

// nextVersion is the GeneratedAt of new content: now, moved past the
// previous version and the sync marker when the clock has not advanced.
func nextVersion(now, prev, synced time.Time) time.Time {
	floor := prev
	if synced.After(floor) {
		floor = synced
	}
	if !floor.IsZero() && !now.After(floor) {
		return floor.Add(time.Nanosecond)
	}
	return now
}

// UnsyncedUnits returns the generated paragraphs of topicID that still
// need to reach the durable store, in chapter and paragraph order.
func (s *Store) UnsyncedUnits(topicID string) ([]UnitRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[topicID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, topicID)
	}
	var out []UnitRef
	for _, ch := range e.clone().Chapters {
		for _, p := range ch.Paragraphs {
			if p.NeedsSync() {
				out = append(out, UnitRef{ChapterID: ch.ID, Paragraph: p})
			}
		}
	}
	return out, nil
}

// Queue returns a copy of the sync queue, oldest first.
func (s *Store) Queue() []SyncQueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SyncQueueItem, 0, len(s.queue))
	for _, item := range s.queue {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// PendingCount returns the number of queued topics in any state.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// LastSynced returns when topicID last synced successfully.
func (s *Store) LastSynced(topicID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastSynced[topicID]
	return at, ok
}

// Degraded reports whether write-through has failed this session.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Stats describes the store.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Entries: len(s.entries), Capacity: s.cfg.Capacity, Degraded: s.degraded}
	for _, item := range s.queue {
		if item.State == QueueSyncing {
			st.Syncing++
		} else {
			st.Pending++
		}
	}
	return st
}

// =============================================================================
// Internals
// =============================================================================

func (s *Store) dropExpiredLocked() int {
	cutoff := s.cfg.Now().Add(-s.cfg.Expiry)
	n := 0
	for id, e := range s.entries {
		if e.LastAccessed.Before(cutoff) {
			delete(s.entries, id)
			delete(s.queue, id)
			n++
		}
	}
	if n > 0 {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordEvictions("expired", n)
		}
	}
	return n
}

func (s *Store) evictLocked() int {
	if len(s.entries) <= s.cfg.Capacity {
		return 0
	}
	ordered := make([]*CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		ordered = append(ordered, e)
	}
	// Most recent first. On equal access times, topics still queued for
	// sync are kept ahead of synced ones.
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].LastAccessed.Equal(ordered[j].LastAccessed) {
			return ordered[i].LastAccessed.After(ordered[j].LastAccessed)
		}
		_, pi := s.queue[ordered[i].TopicID]
		_, pj := s.queue[ordered[j].TopicID]
		if pi != pj {
			return pi
		}
		return ordered[i].TopicID < ordered[j].TopicID
	})

	evicted := ordered[s.cfg.Capacity:]
	unsynced := 0
	for _, e := range evicted {
		if _, pending := s.queue[e.TopicID]; pending {
			slog.Warn("Evicting topic with unsynced content", "topic_id", e.TopicID)
			unsynced++
		}
		delete(s.entries, e.TopicID)
		delete(s.queue, e.TopicID)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordEvictions("capacity", len(evicted)-unsynced)
		if unsynced > 0 {
			m.RecordEvictions("capacity_unsynced", unsynced)
		}
	}
	return len(evicted)
}

// persistLocked writes the cache through to the medium. Failures degrade
// the store to memory-only for the rest of the session.
func (s *Store) persistLocked() {
	if m := observability.DefaultMetrics; m != nil {
		m.SetCacheEntries(len(s.entries))
		m.SetSyncPending(len(s.queue))
	}
	if s.degraded {
		return
	}

	err := func() error {
		entries, err := json.Marshal(s.entries)
		if err != nil {
			return fmt.Errorf("encode entries: %w", err)
		}
		queue, err := json.Marshal(queueDoc{Items: s.queue, LastSynced: s.lastSynced})
		if err != nil {
			return fmt.Errorf("encode sync queue: %w", err)
		}
		if err := s.medium.Set(entriesKey, entries); err != nil {
			return err
		}
		return s.medium.Set(queueKey, queue)
	}()
	if err != nil {
		s.degraded = true
		slog.Error("Content cache write-through failed, continuing in memory", "error", err)
	}
}
