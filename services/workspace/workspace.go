// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace implements the user-facing actions of the learning
// client: requesting a topic, generating a chapter, editing a paragraph and
// discarding a topic. Every action is an optimistic operation whose view
// and cache changes are rolled back if it fails.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/AleutianAI/AleutianLearn/services/contentcache"
	"github.com/AleutianAI/AleutianLearn/services/optimistic"
	"github.com/AleutianAI/AleutianLearn/services/syncer"
)

// Config wires a Workspace.
type Config struct {
	Client   *stream.Client
	Cache    *contentcache.Store
	Recovery *optimistic.Recovery
	// Syncer is optional. Without it SyncTopic fails with syncer.ErrOffline.
	Syncer *syncer.Service
	// VerifyChain enables hash-chain verification of every stream.
	VerifyChain bool
}

// Workspace composes the stream client, the optimistic engine and the
// content cache.
//
// # Thread Safety
//
// Safe for concurrent use. Operations on the same topic share an operation
// id, so a newer request supersedes the registration of an older one.
type Workspace struct {
	client   *stream.Client
	cache    *contentcache.Store
	recovery *optimistic.Recovery
	syncer   *syncer.Service
	verify   bool
	view     *View
}

// New creates a Workspace.
func New(cfg Config) (*Workspace, error) {
	if cfg.Client == nil || cfg.Cache == nil || cfg.Recovery == nil {
		return nil, errors.New("client, cache and recovery are required")
	}
	return &Workspace{
		client:   cfg.Client,
		cache:    cfg.Cache,
		recovery: cfg.Recovery,
		syncer:   cfg.Syncer,
		verify:   cfg.VerifyChain,
		view:     NewView(),
	}, nil
}

// View returns the optimistic view state.
func (w *Workspace) View() *View { return w.view }

// Cache returns the content cache.
func (w *Workspace) Cache() *contentcache.Store { return w.cache }

func topicOpID(topicID string) string { return "topic:" + topicID }

func chapterOpID(topicID, chapterID string) string {
	return "chapter:" + topicID + "/" + chapterID
}

func (w *Workspace) consumer(hooks stream.Hooks, progress stream.Hooks) *stream.Consumer {
	var opts []stream.ConsumerOption
	if w.verify {
		opts = append(opts, stream.WithChainVerification())
	}
	return stream.NewConsumer(stream.NewGenerationState(), chainHooks(hooks, progress), opts...)
}

// =============================================================================
// RequestTopic
// =============================================================================

// RequestTopic generates a topic outline and stores it in the cache.
//
// # Description
//
// The view shows the topic as generating and a provisional cache entry is
// written before the stream opens. Outline batches replace the entry's
// structure as they arrive; with req.Expand, completed fragments are
// written as paragraph units. On success the entry is confirmed. On
// failure the view and the cache are restored to what they were before.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the stream; the server sees a disconnect.
//   - req: Validated before anything changes.
//   - progress: Optional hooks for rendering; called after the workspace's own.
//
// # Outputs
//
//   - stream.Snapshot: Final state of the generation.
//   - error: Validation, generation or transport failure with a user message.
func (w *Workspace) RequestTopic(ctx context.Context, req stream.TopicRequest, progress stream.Hooks) (stream.Snapshot, error) {
	if err := req.Validate(); err != nil {
		return stream.Snapshot{}, apperr.Validation("workspace.request_topic", err).
			WithUserMessage("That topic request is not valid.")
	}
	topicID := req.TopicID

	var (
		prevView    TopicView
		viewExisted bool
		prevEntry   *contentcache.CacheEntry
	)
	mutation := optimistic.Funcs{
		Name: "request topic " + topicID,
		ApplyFn: func() {
			prevView, viewExisted = w.view.update(topicID, func(t *TopicView, _ bool) {
				t.Title = req.Topic
				t.Status = StatusGenerating
			})
			prevEntry, _ = w.cache.Peek(topicID)
			if err := w.cache.Put(topicID, contentcache.Content{
				Title:      req.Topic,
				Language:   req.Language,
				Difficulty: req.Difficulty,
			}, contentcache.PutOptions{Provisional: true}); err != nil {
				slog.Warn("Provisional cache write failed", "topic_id", topicID, "error", err)
			}
		},
		RollbackFn: func() error {
			w.view.restore(topicID, prevView, viewExisted)
			if prevEntry == nil {
				w.cache.Remove(topicID)
				return nil
			}
			return w.cache.Put(topicID, prevEntry.Content, contentcache.PutOptions{Provisional: prevEntry.Provisional})
		},
	}

	return optimistic.RunWithRecovery(ctx, w.recovery, topicOpID(topicID), mutation,
		func(ctx context.Context) (stream.Snapshot, error) {
			return w.streamTopic(ctx, req, progress)
		}, optimistic.GeneratorPolicy())
}

func (w *Workspace) streamTopic(ctx context.Context, req stream.TopicRequest, progress stream.Hooks) (stream.Snapshot, error) {
	topicID := req.TopicID
	var c *stream.Consumer
	hooks := stream.Hooks{
		OnMetadata: func(meta stream.TopicMetadata) {
			if ctx.Err() != nil {
				return
			}
			w.view.update(topicID, func(t *TopicView, _ bool) {
				if meta.Title != "" {
					t.Title = meta.Title
				}
			})
		},
		OnOutline: func([]stream.OutlineItem) {
			if ctx.Err() != nil {
				return
			}
			snap := c.State().Snapshot()
			meta := stream.TopicMetadata{Title: req.Topic, Language: req.Language, Difficulty: req.Difficulty}
			if snap.Metadata != nil {
				meta = *snap.Metadata
			}
			content := contentcache.ContentFromStream(meta, snap.Outline)
			if err := w.cache.Put(topicID, content, contentcache.PutOptions{Provisional: true}); err != nil {
				slog.Warn("Outline cache write failed", "topic_id", topicID, "error", err)
			}
		},
		OnFragmentComplete: func(f stream.FragmentState) {
			if ctx.Err() == nil {
				w.storeFragment(topicID, f)
			}
		},
	}
	c = w.consumer(hooks, progress)

	if err := w.client.StreamTopic(ctx, req, c); err != nil {
		return c.State().Snapshot(), err
	}
	snap := c.State().Snapshot()
	// A cancelled or swept operation was already rolled back.
	if err := ctx.Err(); err != nil {
		return snap, err
	}

	if err := w.cache.Confirm(topicID); err != nil {
		return snap, apperr.Persistence("workspace.confirm", err)
	}
	w.view.update(topicID, func(t *TopicView, _ bool) { t.Status = StatusReady })
	return snap, nil
}

// storeFragment writes a completed fragment into the cache. Failed
// fragments are marked failed and keep no content.
func (w *Workspace) storeFragment(topicID string, f stream.FragmentState) {
	patch := contentcache.ParagraphPatch{}
	if f.Failed {
		failed := true
		patch.Failed = &failed
	} else {
		text := f.Text
		patch.Content = &text
	}
	if err := w.cache.UpdateUnit(topicID, f.ParentID, f.ID, patch); err != nil {
		slog.Warn("Fragment cache write failed",
			"topic_id", topicID, "chapter_id", f.ParentID, "fragment_id", f.ID, "error", err)
	}
}

// =============================================================================
// GenerateChapter
// =============================================================================

// GenerateChapter streams the paragraphs of one cached chapter. Each
// completed fragment is written into the cache as it arrives and is kept
// even if the stream later fails; only the view is rolled back.
func (w *Workspace) GenerateChapter(ctx context.Context, topicID, chapterID string, progress stream.Hooks) (stream.Snapshot, error) {
	entry, ok := w.cache.Get(topicID)
	if !ok {
		return stream.Snapshot{}, apperr.Validation("workspace.generate_chapter",
			fmt.Errorf("%w: %s", contentcache.ErrEntryNotFound, topicID)).
			WithUserMessage("That topic is not in your library.")
	}
	stubs, title, ok := entry.ParagraphStubs(chapterID)
	if !ok || len(stubs) == 0 {
		return stream.Snapshot{}, apperr.Validation("workspace.generate_chapter",
			fmt.Errorf("%w: %s/%s", contentcache.ErrUnitNotFound, topicID, chapterID)).
			WithUserMessage("That chapter has nothing to generate.")
	}
	req := stream.ChapterRequest{
		TopicID:      topicID,
		Topic:        entry.Title,
		ChapterID:    chapterID,
		ChapterTitle: title,
		Paragraphs:   stubs,
		Language:     entry.Language,
		Difficulty:   entry.Difficulty,
	}

	mutation := optimistic.Funcs{
		Name: "generate chapter " + chapterID,
		ApplyFn: func() {
			w.view.update(topicID, func(t *TopicView, existed bool) {
				if !existed {
					t.Title = entry.Title
					t.Status = StatusReady
				}
				t.GeneratingChapters = append(removeString(t.GeneratingChapters, chapterID), chapterID)
			})
		},
		RollbackFn: func() error {
			w.view.update(topicID, func(t *TopicView, _ bool) {
				t.GeneratingChapters = removeString(t.GeneratingChapters, chapterID)
			})
			return nil
		},
	}

	return optimistic.RunWithRecovery(ctx, w.recovery, chapterOpID(topicID, chapterID), mutation,
		func(ctx context.Context) (stream.Snapshot, error) {
			c := w.consumer(stream.Hooks{
				OnFragmentComplete: func(f stream.FragmentState) { w.storeFragment(topicID, f) },
			}, progress)
			if err := w.client.StreamChapter(ctx, req, c); err != nil {
				return c.State().Snapshot(), err
			}
			if err := ctx.Err(); err != nil {
				return c.State().Snapshot(), err
			}
			w.view.update(topicID, func(t *TopicView, _ bool) {
				t.GeneratingChapters = removeString(t.GeneratingChapters, chapterID)
			})
			return c.State().Snapshot(), nil
		}, optimistic.GeneratorPolicy())
}

// =============================================================================
// SaveParagraph
// =============================================================================

// SaveParagraph stores user-edited paragraph text. The view shows the edit
// immediately; the cache write follows and enqueues the topic for sync.
func (w *Workspace) SaveParagraph(ctx context.Context, topicID, chapterID, unitID, text string) error {
	key := chapterID + "/" + unitID
	mutation := optimistic.Funcs{
		Name: "save paragraph " + unitID,
		ApplyFn: func() {
			w.view.update(topicID, func(t *TopicView, _ bool) {
				if t.Edits == nil {
					t.Edits = make(map[string]string)
				}
				t.Edits[key] = text
			})
		},
		RollbackFn: func() error {
			w.view.update(topicID, func(t *TopicView, existed bool) {
				delete(t.Edits, key)
			})
			if t, ok := w.view.Topic(topicID); ok && t.Status == "" && len(t.Edits) == 0 {
				w.view.remove(topicID)
			}
			return nil
		},
	}

	_, err := optimistic.RunWithRecovery(ctx, w.recovery, "paragraph:"+topicID+"/"+key, mutation,
		func(ctx context.Context) (struct{}, error) {
			if err := ctx.Err(); err != nil {
				return struct{}{}, err
			}
			content := text
			if err := w.cache.UpdateUnit(topicID, chapterID, unitID, contentcache.ParagraphPatch{Content: &content}); err != nil {
				return struct{}{}, apperr.Persistence("workspace.save_paragraph", err)
			}
			w.view.update(topicID, func(t *TopicView, _ bool) { delete(t.Edits, key) })
			return struct{}{}, nil
		}, optimistic.PersistencePolicy())
	return err
}

// =============================================================================
// DiscardTopic and SyncTopic
// =============================================================================

// DiscardTopic cancels any in-flight request for the topic and removes it
// from the view and the cache. It reports whether anything was removed.
func (w *Workspace) DiscardTopic(topicID string) bool {
	cancelled := w.recovery.Engine().Cancel(topicOpID(topicID))
	removed := w.cache.Remove(topicID)
	_, inView := w.view.Topic(topicID)
	w.view.remove(topicID)
	return cancelled || removed || inView
}

// SyncTopic pushes one topic to the durable store now, retrying network
// failures.
func (w *Workspace) SyncTopic(ctx context.Context, topicID string) (syncer.TopicResult, error) {
	if w.syncer == nil {
		return syncer.TopicResult{TopicID: topicID}, syncer.ErrOffline
	}
	mutation := optimistic.Funcs{
		Name: "sync topic " + topicID,
		ApplyFn: func() {
			w.view.update(topicID, func(t *TopicView, _ bool) { t.Syncing = true })
		},
		RollbackFn: func() error {
			w.view.update(topicID, func(t *TopicView, _ bool) { t.Syncing = false })
			return nil
		},
	}
	tr, err := optimistic.RunWithRecovery(ctx, w.recovery, "sync:"+topicID, mutation,
		func(ctx context.Context) (syncer.TopicResult, error) {
			return w.syncer.ForceSyncTopic(ctx, topicID)
		}, optimistic.NetworkPolicy())
	if err == nil {
		w.view.update(topicID, func(t *TopicView, _ bool) { t.Syncing = false })
	}
	return tr, err
}

// chainHooks calls first then second for every hook either sets.
func chainHooks(first, second stream.Hooks) stream.Hooks {
	return stream.Hooks{
		OnEvent: func(e stream.StreamEvent) {
			if first.OnEvent != nil {
				first.OnEvent(e)
			}
			if second.OnEvent != nil {
				second.OnEvent(e)
			}
		},
		OnMetadata: func(m stream.TopicMetadata) {
			if first.OnMetadata != nil {
				first.OnMetadata(m)
			}
			if second.OnMetadata != nil {
				second.OnMetadata(m)
			}
		},
		OnOutline: func(items []stream.OutlineItem) {
			if first.OnOutline != nil {
				first.OnOutline(items)
			}
			if second.OnOutline != nil {
				second.OnOutline(items)
			}
		},
		OnFragmentComplete: func(f stream.FragmentState) {
			if first.OnFragmentComplete != nil {
				first.OnFragmentComplete(f)
			}
			if second.OnFragmentComplete != nil {
				second.OnFragmentComplete(f)
			}
		},
	}
}
