// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/services/connectivity"
	"github.com/AleutianAI/AleutianLearn/services/contentcache"
	"github.com/AleutianAI/AleutianLearn/services/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// =============================================================================
// Test Setup
// =============================================================================

// flakyStore wraps a MemoryStore and fails the first put of selected ids.
type flakyStore struct {
	*durable.MemoryStore

	mu       sync.Mutex
	failOnce map[string]bool
	puts     map[string]int
	upserts  int
}

func newFlakyStore(failOnce ...string) *flakyStore {
	f := &flakyStore{
		MemoryStore: durable.NewMemoryStore(),
		failOnce:    make(map[string]bool),
		puts:        make(map[string]int),
	}
	for _, id := range failOnce {
		f.failOnce[id] = true
	}
	return f
}

func (f *flakyStore) UpsertTopic(ctx context.Context, t durable.Topic) error {
	f.mu.Lock()
	f.upserts++
	f.mu.Unlock()
	return f.MemoryStore.UpsertTopic(ctx, t)
}

func (f *flakyStore) PutParagraph(ctx context.Context, p durable.Paragraph) error {
	f.mu.Lock()
	f.puts[p.ID]++
	fail := f.failOnce[p.ID]
	delete(f.failOnce, p.ID)
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.PutParagraph(ctx, p)
}

func (f *flakyStore) Puts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[id]
}

func testConfig() Config {
	return Config{
		Interval:       time.Hour,
		ReconnectDelay: 10 * time.Millisecond,
		Rate:           rate.Inf,
		Burst:          1,
	}
}

func newCache(t *testing.T) *contentcache.Store {
	t.Helper()
	c, err := contentcache.NewStore(contentcache.NewMemoryMedium(0), contentcache.DefaultConfig())
	require.NoError(t, err)
	return c
}

func unitID(i int) string { return fmt.Sprintf("go.c00.p%02d", i) }

// seedTopic puts a topic with k paragraphs and generates all of them.
func seedTopic(t *testing.T, c *contentcache.Store, topicID string, k int) {
	t.Helper()
	ch := contentcache.Chapter{ID: "go.c00", Title: "Basics"}
	for i := 0; i < k; i++ {
		ch.Paragraphs = append(ch.Paragraphs, contentcache.ParagraphRecord{ID: unitID(i), Order: i})
	}
	require.NoError(t, c.Put(topicID, contentcache.Content{Title: "Go", Chapters: []contentcache.Chapter{ch}}, contentcache.PutOptions{}))
	for i := 0; i < k; i++ {
		text := fmt.Sprintf("paragraph %d", i)
		require.NoError(t, c.UpdateUnit(topicID, "go.c00", unitID(i), contentcache.ParagraphPatch{Content: &text}))
	}
}

func newService(t *testing.T, c *contentcache.Store, store durable.Store, signal connectivity.Signal) *Service {
	t.Helper()
	s, err := New(c, store, signal, testConfig())
	require.NoError(t, err)
	return s
}

// =============================================================================
// Passes
// =============================================================================

func TestRunNow_AlwaysSucceedingStoreConverges(t *testing.T) {
	const k = 5
	c := newCache(t)
	seedTopic(t, c, "go", k)
	store := durable.NewMemoryStore()
	s := newService(t, c, store, connectivity.NewMonitor(true))

	result := s.RunNow(context.Background())

	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Topics)
	assert.Equal(t, 1, result.TopicsSynced)
	assert.Equal(t, k, result.UnitsWritten)
	assert.Zero(t, c.PendingCount())
	assert.Equal(t, k, store.Writes())
	assert.Len(t, store.Paragraphs("go"), k)

	topic, ok := store.Topic("go")
	require.True(t, ok)
	assert.Equal(t, "Go", topic.Title)

	e, _ := c.Peek("go")
	assert.Equal(t, k, e.SyncedUnits)
	_, synced := c.LastSynced("go")
	assert.True(t, synced)

	again := s.RunNow(context.Background())
	assert.Zero(t, again.Topics)
	assert.Equal(t, k, store.Writes())
}

func TestRunNow_FailOnceConvergesWithoutDoubleWrite(t *testing.T) {
	const k = 4
	c := newCache(t)
	seedTopic(t, c, "go", k)
	store := newFlakyStore(unitID(2))
	s := newService(t, c, store, connectivity.NewMonitor(true))

	first := s.RunNow(context.Background())
	assert.Equal(t, 1, first.TopicsFailed)
	assert.Equal(t, k-1, first.UnitsWritten)
	assert.Equal(t, 1, first.UnitsFailed)
	assert.Equal(t, 1, c.PendingCount())

	q := c.Queue()
	require.Len(t, q, 1)
	assert.Equal(t, contentcache.QueuePending, q[0].State)
	assert.Equal(t, 1, q[0].Attempts)

	second := s.RunNow(context.Background())
	assert.Equal(t, 1, second.TopicsSynced)
	assert.Equal(t, 1, second.UnitsWritten)
	assert.Zero(t, c.PendingCount())

	assert.Equal(t, k, store.Writes())
	for i := 0; i < k; i++ {
		want := 1
		if i == 2 {
			want = 2
		}
		assert.Equal(t, want, store.Puts(unitID(i)), "puts for %s", unitID(i))
	}
}

func TestRunNow_ExistingParagraphIsNotRewritten(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 2)
	store := newFlakyStore()
	require.NoError(t, store.MemoryStore.PutParagraph(context.Background(), durable.Paragraph{
		TopicID: "go", ChapterID: "go.c00", ID: unitID(0), Content: "already there",
	}))
	s := newService(t, c, store, connectivity.NewMonitor(true))

	result := s.RunNow(context.Background())
	assert.Equal(t, 1, result.UnitsWritten)
	assert.Equal(t, 1, result.UnitsExisting)
	assert.Zero(t, store.Puts(unitID(0)))
	assert.Zero(t, c.PendingCount())
}

func TestRunNow_EditedParagraphIsOverwritten(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 1)
	store := newFlakyStore()
	s := newService(t, c, store, connectivity.NewMonitor(true))
	s.RunNow(context.Background())

	time.Sleep(2 * time.Millisecond)
	edited := "edited by the user"
	require.NoError(t, c.UpdateUnit("go", "go.c00", unitID(0), contentcache.ParagraphPatch{Content: &edited}))

	result := s.RunNow(context.Background())
	assert.Equal(t, 1, result.UnitsWritten)
	assert.Equal(t, 2, store.Puts(unitID(0)))

	p, err := store.GetParagraph(context.Background(), "go", unitID(0))
	require.NoError(t, err)
	assert.Equal(t, edited, p.Content)
}

// editingStore applies a user edit to the cache while the first write of
// a paragraph is in progress.
type editingStore struct {
	*durable.MemoryStore

	cache  *contentcache.Store
	unitID string
	text   string
	done   bool
}

func (e *editingStore) PutParagraph(ctx context.Context, p durable.Paragraph) error {
	if !e.done && p.ID == e.unitID {
		e.done = true
		text := e.text
		if err := e.cache.UpdateUnit(p.TopicID, p.ChapterID, p.ID, contentcache.ParagraphPatch{Content: &text}); err != nil {
			return err
		}
	}
	return e.MemoryStore.PutParagraph(ctx, p)
}

func TestRunNow_EditDuringWriteReachesStore(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 2)
	store := &editingStore{MemoryStore: durable.NewMemoryStore(), cache: c, unitID: unitID(0), text: "edited mid-write"}
	s := newService(t, c, store, connectivity.NewMonitor(true))

	first := s.RunNow(context.Background())
	assert.Equal(t, 2, first.UnitsWritten)
	assert.Equal(t, 1, c.PendingCount(), "the edit keeps the topic queued")

	units, err := c.UnsyncedUnits("go")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, unitID(0), units[0].Paragraph.ID)

	second := s.RunNow(context.Background())
	assert.Equal(t, 1, second.UnitsWritten)
	assert.Zero(t, c.PendingCount())

	p, err := store.GetParagraph(context.Background(), "go", unitID(0))
	require.NoError(t, err)
	assert.Equal(t, "edited mid-write", p.Content)

	units, err = c.UnsyncedUnits("go")
	require.NoError(t, err)
	assert.Empty(t, units)
}

// seedProvisional puts a provisional topic with one generated paragraph.
func seedProvisional(t *testing.T, c *contentcache.Store) {
	t.Helper()
	ch := contentcache.Chapter{ID: "go.c00", Title: "Basics",
		Paragraphs: []contentcache.ParagraphRecord{{ID: unitID(0)}}}
	require.NoError(t, c.Put("go", contentcache.Content{Title: "Go", Chapters: []contentcache.Chapter{ch}},
		contentcache.PutOptions{Provisional: true}))
	text := "speculative"
	require.NoError(t, c.UpdateUnit("go", "go.c00", unitID(0), contentcache.ParagraphPatch{Content: &text}))
}

func TestRunNow_ProvisionalTopicIsDeferred(t *testing.T) {
	c := newCache(t)
	seedProvisional(t, c)
	store := durable.NewMemoryStore()
	s := newService(t, c, store, connectivity.NewMonitor(true))

	result := s.RunNow(context.Background())
	assert.Equal(t, 1, result.Topics)
	assert.Equal(t, 1, result.TopicsDeferred)
	assert.Zero(t, result.TopicsSynced)
	assert.Zero(t, result.TopicsFailed)
	assert.Zero(t, store.Writes())
	_, ok := store.Topic("go")
	assert.False(t, ok)

	q := c.Queue()
	require.Len(t, q, 1)
	assert.Equal(t, contentcache.QueuePending, q[0].State)
	assert.Zero(t, q[0].Attempts)

	// Rolled back: nothing speculative is left anywhere.
	assert.True(t, c.Remove("go"))
	s.RunNow(context.Background())
	assert.Empty(t, store.Paragraphs("go"))
	assert.Zero(t, c.PendingCount())
}

func TestRunNow_ProvisionalTopicSyncsAfterConfirm(t *testing.T) {
	c := newCache(t)
	seedProvisional(t, c)
	store := durable.NewMemoryStore()
	s := newService(t, c, store, connectivity.NewMonitor(true))

	tr, err := s.ForceSyncTopic(context.Background(), "go")
	require.NoError(t, err)
	assert.True(t, tr.Deferred)
	assert.Zero(t, store.Writes())

	require.NoError(t, c.Confirm("go"))
	result := s.RunNow(context.Background())
	assert.Equal(t, 1, result.TopicsSynced)
	assert.Equal(t, 1, result.UnitsWritten)
	assert.Zero(t, c.PendingCount())
}

func TestRunNow_OfflineSkips(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 2)
	store := durable.NewMemoryStore()
	s := newService(t, c, store, connectivity.NewMonitor(false))

	result := s.RunNow(context.Background())
	assert.True(t, result.Skipped)
	assert.Zero(t, result.Topics)
	assert.Equal(t, 1, c.PendingCount())
	assert.Zero(t, store.Writes())
	assert.Equal(t, 1, c.Stats().Pending, "queue untouched while offline")
}

func TestRunNow_UpsertFailureReturnsTopicToPending(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 1)
	s := newService(t, c, failingUpsertStore{durable.NewMemoryStore()}, connectivity.NewMonitor(true))

	result := s.RunNow(context.Background())
	assert.Equal(t, 1, result.TopicsFailed)
	assert.Zero(t, result.UnitsWritten)
	assert.Equal(t, 1, c.Stats().Pending)
}

func TestRunNow_CancelledContextRequeues(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 1)
	seedTopic(t, c, "rust", 1)
	s := newService(t, c, durable.NewMemoryStore(), connectivity.NewMonitor(true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := s.RunNow(ctx)

	assert.Equal(t, 2, result.TopicsFailed)
	assert.Equal(t, 2, c.Stats().Pending)
}

type failingUpsertStore struct{ *durable.MemoryStore }

func (failingUpsertStore) UpsertTopic(context.Context, durable.Topic) error {
	return errors.New("upsert refused")
}

// =============================================================================
// Forced sync
// =============================================================================

func TestForceSyncTopic_Offline(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 1)
	s := newService(t, c, durable.NewMemoryStore(), connectivity.NewMonitor(false))

	_, err := s.ForceSyncTopic(context.Background(), "go")
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 1, c.PendingCount())
}

func TestForceSyncTopic_Online(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 3)
	seedTopic(t, c, "rust", 1)
	store := durable.NewMemoryStore()
	s := newService(t, c, store, connectivity.NewMonitor(true))

	tr, err := s.ForceSyncTopic(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Written)
	assert.Equal(t, 1, c.PendingCount(), "other topics stay queued")

	_, err = s.ForceSyncTopic(context.Background(), "missing")
	assert.ErrorIs(t, err, contentcache.ErrEntryNotFound)
}

func TestForceSyncTopic_FailureIsPersistenceError(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 2)
	s := newService(t, c, newFlakyStore(unitID(1)), connectivity.NewMonitor(true))

	tr, err := s.ForceSyncTopic(context.Background(), "go")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
	assert.Equal(t, 1, tr.Failed)
	assert.Equal(t, 1, c.Stats().Pending)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestService_ReconnectTriggersPass(t *testing.T) {
	c := newCache(t)
	seedTopic(t, c, "go", 2)
	store := durable.NewMemoryStore()
	monitor := connectivity.NewMonitor(false)
	s := newService(t, c, store, monitor)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	monitor.SetOnline(true)
	require.Eventually(t, func() bool { return c.PendingCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, store.Writes())
}

func TestService_StopIsIdempotent(t *testing.T) {
	s := newService(t, newCache(t), durable.NewMemoryStore(), connectivity.NewMonitor(true))
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, durable.NewMemoryStore(), connectivity.NewMonitor(true), Config{})
	assert.Error(t, err)
}
