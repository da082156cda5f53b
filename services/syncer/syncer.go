// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncer drains the content cache's pending-sync queue into the
// durable store, periodically and whenever connectivity returns.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/services/connectivity"
	"github.com/AleutianAI/AleutianLearn/services/contentcache"
	"github.com/AleutianAI/AleutianLearn/services/durable"
	"github.com/AleutianAI/AleutianLearn/services/orchestrator/observability"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	// ErrOffline is returned by ForceSyncTopic when the durable store is
	// unreachable.
	ErrOffline = errors.New("durable store is offline")

	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("sync service is already running")
)

// Config configures the Service.
type Config struct {
	// Interval between scheduled passes.
	Interval time.Duration
	// ReconnectDelay is waited after connectivity returns before a pass.
	ReconnectDelay time.Duration
	// Rate limits durable store calls per second. rate.Inf disables it.
	Rate rate.Limit
	// Burst is the limiter bucket size.
	Burst int
}

// DefaultConfig returns a 30s interval, a 2s reconnect delay and 20 store
// calls per second.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		ReconnectDelay: 2 * time.Second,
		Rate:           20,
		Burst:          5,
	}
}

// TopicResult describes the sync of one topic.
type TopicResult struct {
	TopicID  string
	Written  int
	Existing int
	Failed   int
	Err      error

	// Deferred is set for a provisional topic. Nothing was written and the
	// topic stays queued until its operation confirms it.
	Deferred bool
}

// PassResult describes one pass over the queue.
type PassResult struct {
	StartTime time.Time
	EndTime   time.Time

	// Skipped is set when the pass did nothing because the store was
	// offline.
	Skipped bool

	Topics       int
	TopicsSynced int
	TopicsFailed int
	// TopicsDeferred counts provisional topics left queued.
	TopicsDeferred int

	UnitsWritten  int
	UnitsExisting int
	UnitsFailed   int
}

// Duration returns how long the pass took.
func (r PassResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Service is the background synchronization service.
//
// # Description
//
// A pass drains every pending topic from the cache, upserts its header and
// writes each generated, unsynced paragraph that the store does not already
// hold. Synced paragraphs get a per-unit marker in the cache, so a failed
// pass only retries what did not land. A topic with any failure returns to
// pending. Failures are logged and counted, never returned to the user.
//
// # Thread Safety
//
// Passes are serialized. A forced sync of a topic that a pass is currently
// syncing waits for and shares that result.
type Service struct {
	cache   *contentcache.Store
	store   durable.Store
	signal  connectivity.Signal
	cfg     Config
	limiter *rate.Limiter
	group   singleflight.Group

	passMu sync.Mutex

	mu      sync.Mutex
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// New creates a Service. Zero config fields take their defaults.
func New(cache *contentcache.Store, store durable.Store, signal connectivity.Signal, cfg Config) (*Service, error) {
	if cache == nil || store == nil || signal == nil {
		return nil, errors.New("cache, store and signal are required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return &Service{
		cache:   cache,
		store:   store,
		signal:  signal,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start runs a pass immediately, then on every Interval tick and
// ReconnectDelay after each offline-to-online transition, until Stop or
// ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.exited = make(chan struct{})

	slog.Info("Sync service starting",
		"interval", s.cfg.Interval.String(),
		"reconnect_delay", s.cfg.ReconnectDelay.String(),
	)
	// Subscribe before the loop starts so no transition is missed.
	transitions, unsubscribe := s.signal.Subscribe()
	go s.runLoop(ctx, transitions, unsubscribe, s.done, s.exited)
	return nil
}

// Stop halts the loop and waits for an in-progress pass to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	slog.Info("Sync service stopping")
	s.running = false
	close(s.done)
	exited := s.exited
	s.mu.Unlock()
	<-exited
}

func (s *Service) runLoop(ctx context.Context, transitions <-chan bool, unsubscribe func(), done <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	defer unsubscribe()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var reconnect <-chan time.Time
	s.executePass(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sync service stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Sync service stopped (stop requested)")
			return
		case <-ticker.C:
			s.executePass(ctx)
		case online, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if online {
				reconnect = time.After(s.cfg.ReconnectDelay)
			} else {
				reconnect = nil
			}
		case <-reconnect:
			reconnect = nil
			s.executePass(ctx)
		}
	}
}

func (s *Service) executePass(ctx context.Context) {
	result := s.RunNow(ctx)
	switch {
	case result.Skipped:
		slog.Debug("Sync pass skipped (offline)")
	case result.Topics > 0:
		slog.Info("Sync pass completed",
			"topics", result.Topics,
			"topics_synced", result.TopicsSynced,
			"topics_failed", result.TopicsFailed,
			"units_written", result.UnitsWritten,
			"units_existing", result.UnitsExisting,
			"units_failed", result.UnitsFailed,
			"duration_ms", result.Duration().Milliseconds(),
		)
	default:
		slog.Debug("Sync pass completed (queue empty)")
	}
}

// =============================================================================
// Passes
// =============================================================================

// RunNow performs one pass synchronously. An offline store skips the pass
// without touching the queue.
func (s *Service) RunNow(ctx context.Context) PassResult {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	result := PassResult{StartTime: time.Now()}
	if !s.signal.Online() {
		result.Skipped = true
		recordPass("skipped_offline")
		result.EndTime = time.Now()
		return result
	}

	ids := s.cache.DrainPendingSync()
	result.Topics = len(ids)
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			for _, rest := range ids[i:] {
				s.cache.MarkSyncFailed(rest, err)
			}
			result.TopicsFailed += len(ids) - i
			break
		}
		tr := s.syncShared(ctx, id, false)
		result.UnitsWritten += tr.Written
		result.UnitsExisting += tr.Existing
		result.UnitsFailed += tr.Failed
		switch {
		case tr.Deferred:
			result.TopicsDeferred++
		case tr.Err != nil:
			result.TopicsFailed++
		default:
			result.TopicsSynced++
		}
	}

	if result.TopicsFailed > 0 {
		recordPass("partial")
	} else {
		recordPass("ok")
	}
	result.EndTime = time.Now()
	return result
}

// ForceSyncTopic syncs one topic immediately, whether or not it is queued.
func (s *Service) ForceSyncTopic(ctx context.Context, topicID string) (TopicResult, error) {
	if !s.signal.Online() {
		return TopicResult{TopicID: topicID}, ErrOffline
	}
	if _, ok := s.cache.Peek(topicID); !ok {
		return TopicResult{TopicID: topicID}, fmt.Errorf("%w: %s", contentcache.ErrEntryNotFound, topicID)
	}
	tr := s.syncShared(ctx, topicID, true)
	return tr, tr.Err
}

// syncShared collapses concurrent syncs of the same topic. claim is set
// for forced syncs, whose topic has not been drained.
func (s *Service) syncShared(ctx context.Context, topicID string, claim bool) TopicResult {
	v, _, _ := s.group.Do(topicID, func() (any, error) {
		if claim {
			s.cache.ClaimForSync(topicID)
		}
		tr := s.syncTopic(ctx, topicID)
		switch {
		case tr.Deferred:
			s.cache.DeferSync(topicID)
		case tr.Err != nil:
			s.cache.MarkSyncFailed(topicID, tr.Err)
		default:
			s.cache.MarkSynced(topicID)
		}
		return tr, nil
	})
	return v.(TopicResult)
}

func (s *Service) syncTopic(ctx context.Context, topicID string) TopicResult {
	tr := TopicResult{TopicID: topicID}

	entry, ok := s.cache.Peek(topicID)
	if !ok {
		// Removed after it was drained; nothing to sync.
		return tr
	}
	if entry.Provisional {
		// Speculative content never reaches the durable store.
		slog.Debug("Sync: provisional topic deferred", "topic_id", topicID)
		tr.Deferred = true
		return tr
	}

	if err := s.limiter.Wait(ctx); err != nil {
		tr.Err = err
		return tr
	}
	err := s.store.UpsertTopic(ctx, durable.Topic{
		ID:           topicID,
		Title:        entry.Title,
		Language:     entry.Language,
		Difficulty:   entry.Difficulty,
		Summary:      entry.Summary,
		ChapterCount: len(entry.Chapters),
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		slog.Warn("Sync: topic upsert failed", "topic_id", topicID, "error", err)
		tr.Err = apperr.Persistence("sync.upsert_topic", err)
		return tr
	}

	units, err := s.cache.UnsyncedUnits(topicID)
	if err != nil {
		return tr
	}

	var lastErr error
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			lastErr = err
			tr.Failed += len(units) - tr.Written - tr.Existing - tr.Failed
			break
		}
		wrote, err := s.syncUnit(ctx, topicID, u)
		if err != nil {
			slog.Warn("Sync: unit failed",
				"topic_id", topicID,
				"chapter_id", u.ChapterID,
				"unit_id", u.Paragraph.ID,
				"error", err,
			)
			tr.Failed++
			lastErr = err
			continue
		}
		if wrote {
			tr.Written++
		} else {
			tr.Existing++
		}
		if err := s.cache.MarkUnitSynced(topicID, u.ChapterID, u.Paragraph); err != nil {
			slog.Debug("Sync: unit vanished before marker", "topic_id", topicID, "unit_id", u.Paragraph.ID)
		}
	}

	recordUnits("written", tr.Written)
	recordUnits("existed", tr.Existing)
	recordUnits("failed", tr.Failed)

	if lastErr != nil {
		tr.Err = apperr.Persistence("sync.topic",
			fmt.Errorf("%d of %d units failed: %w", tr.Failed, len(units), lastErr))
	}
	return tr
}

// syncUnit writes one paragraph unless the store already holds it. A unit
// that was synced before and changed since is overwritten.
func (s *Service) syncUnit(ctx context.Context, topicID string, u contentcache.UnitRef) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	exists, err := s.store.ParagraphExists(ctx, topicID, u.Paragraph.ID)
	if err != nil {
		return false, err
	}
	edited := !u.Paragraph.SyncedAt.IsZero()
	if exists && !edited {
		return false, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	p := durable.Paragraph{
		TopicID:     topicID,
		ChapterID:   u.ChapterID,
		ID:          u.Paragraph.ID,
		Order:       u.Paragraph.Order,
		Heading:     u.Paragraph.Heading,
		Metadata:    u.Paragraph.Metadata,
		GeneratedAt: u.Paragraph.GeneratedAt,
	}
	if u.Paragraph.Content != nil {
		p.Content = *u.Paragraph.Content
	}
	if err := s.store.PutParagraph(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

func recordPass(result string) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordSyncPass(result)
	}
}

func recordUnits(result string, n int) {
	if n == 0 {
		return
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordSyncUnits(result, n)
	}
}
