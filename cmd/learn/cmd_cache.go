// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianLearn/pkg/ux"
	"github.com/AleutianAI/AleutianLearn/services/contentcache"
	"github.com/spf13/cobra"
)

func runCacheList(cmd *cobra.Command, args []string) error {
	store, closeCache, err := openCacheOnly()
	if err != nil {
		return err
	}
	defer closeCache()

	stats := store.Stats()
	out.Title(fmt.Sprintf("Cached topics (%d/%d)", stats.Entries, stats.Capacity))
	if stats.Degraded {
		out.Warning("Cache is in memory only; the storage medium is unavailable")
	}
	for _, s := range store.List() {
		synced := "never synced"
		if !s.LastSynced.IsZero() {
			synced = "synced " + s.LastSynced.Local().Format(time.DateTime)
		}
		state := ""
		if s.Pending {
			state = "pending"
		}
		if s.Provisional {
			state = "provisional"
		}
		out.Row(s.TopicID, s.Title,
			fmt.Sprintf("%d/%d paragraphs", s.GeneratedUnits, s.TotalUnits),
			synced, state)
	}
	out.Field("pending sync", stats.Pending)
	return nil
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	store, closeCache, err := openCacheOnly()
	if err != nil {
		return err
	}
	defer closeCache()

	entry, ok := store.Get(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", contentcache.ErrEntryNotFound, args[0])
	}
	printEntry(out, entry)
	return nil
}

func runCacheDiscard(cmd *cobra.Command, args []string) error {
	store, closeCache, err := openCacheOnly()
	if err != nil {
		return err
	}
	defer closeCache()

	if !store.Remove(args[0]) {
		return fmt.Errorf("%w: %s", contentcache.ErrEntryNotFound, args[0])
	}
	out.Success("Removed " + args[0])
	return nil
}

func runCachePurge(cmd *cobra.Command, args []string) error {
	if !purgeConfirm {
		return errors.New("purge removes every cached topic, including unsynced edits; pass --yes to confirm")
	}
	store, closeCache, err := openCacheOnly()
	if err != nil {
		return err
	}
	defer closeCache()

	out.Success(fmt.Sprintf("Removed %d topics", store.Purge()))
	return nil
}

// openCacheOnly opens the cache without the durable store or the sync
// service.
func openCacheOnly() (*contentcache.Store, func(), error) {
	store, db, err := openCache(cfg.Client)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if db != nil {
			_ = db.Close()
		}
	}, nil
}

func printEntry(p *ux.Printer, e *contentcache.CacheEntry) {
	p.Title(e.Title)
	if e.Summary != "" {
		p.Muted(e.Summary)
	}
	p.Field("id", e.TopicID)
	p.Field("paragraphs", fmt.Sprintf("%d generated of %d, %d synced", e.GeneratedUnits, e.TotalUnits, e.SyncedUnits))
	for _, ch := range e.Chapters {
		p.Info(fmt.Sprintf("%d. %s (%s)", ch.Order+1, ch.Title, ch.ID))
		for _, para := range ch.Paragraphs {
			icon := ux.IconPending
			switch {
			case para.Failed:
				icon = ux.IconWarning
			case para.Generated:
				icon = ux.IconSuccess
			}
			p.Row(fmt.Sprintf("%s %s", icon, para.ID), para.Heading)
			if para.Content != nil && p.Mode() != ux.ModeMachine {
				p.Muted("    " + *para.Content)
			}
		}
	}
}
