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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianLearn/cmd/learn/config"
	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/AleutianAI/AleutianLearn/services/connectivity"
	"github.com/AleutianAI/AleutianLearn/services/contentcache"
	"github.com/AleutianAI/AleutianLearn/services/durable"
	"github.com/AleutianAI/AleutianLearn/services/optimistic"
	"github.com/AleutianAI/AleutianLearn/services/storage/badger"
	"github.com/AleutianAI/AleutianLearn/services/syncer"
	"github.com/AleutianAI/AleutianLearn/services/workspace"
	"golang.org/x/time/rate"
)

// clientStack is everything the client commands share: the local cache,
// the optimistic engine, the durable store and the sync service.
type clientStack struct {
	db        *badger.DB
	cache     *contentcache.Store
	engine    *optimistic.Engine
	notifier  *optimistic.MemoryNotifier
	durable   durable.Store
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	syncer    *syncer.Service
	workspace *workspace.Workspace
}

// openCache opens the cache medium and the store on top of it. The returned
// DB is nil for the memory medium.
func openCache(c config.ClientConfig) (*contentcache.Store, *badger.DB, error) {
	var (
		medium contentcache.Medium
		db     *badger.DB
	)
	switch c.CacheMedium {
	case "memory":
		medium = contentcache.NewMemoryMedium(0)
	default:
		bcfg := badger.DefaultConfig(c.CacheDir)
		bcfg.Logger = slog.Default().With("component", "badger")
		var err error
		if db, err = badger.Open(bcfg); err != nil {
			return nil, nil, fmt.Errorf("open cache at %s: %w", c.CacheDir, err)
		}
		medium = contentcache.NewBadgerMedium(db)
	}

	store, err := contentcache.NewStore(medium, contentcache.Config{
		Capacity: c.CacheCapacity,
		Expiry:   c.CacheExpiry,
		Now:      time.Now,
	})
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, nil, err
	}
	if store.Degraded() {
		slog.Warn("Content cache is running in memory only; changes will not survive a restart")
	}
	return store, db, nil
}

// openDurable opens the configured durable backend.
func openDurable(ctx context.Context, c config.SyncConfig) (durable.Store, error) {
	switch c.Backend {
	case "memory":
		return durable.NewMemoryStore(), nil
	case "gcs":
		store, err := durable.NewGCSStore(ctx, durable.GCSConfig{
			ProjectID:       c.GCSProject,
			Bucket:          c.GCSBucket,
			Prefix:          c.GCSPrefix,
			CredentialsFile: c.GCSCredentials,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := durable.OpenSQLite(ctx, c.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// openMonitor returns a connectivity monitor. With a probe URL it is seeded
// by one synchronous probe and kept current by a background prober.
func openMonitor(ctx context.Context, c config.SyncConfig) (*connectivity.Monitor, *connectivity.Prober, error) {
	if c.ProbeURL == "" {
		return connectivity.NewMonitor(true), nil, nil
	}
	monitor := connectivity.NewMonitor(false)
	prober, err := connectivity.NewProber(connectivity.ProberConfig{
		URL:      c.ProbeURL,
		Interval: c.ProbeInterval,
	}, &http.Client{}, monitor)
	if err != nil {
		return nil, nil, err
	}
	if !prober.Check(ctx) {
		slog.Info("Durable store unreachable, working offline", "probe_url", c.ProbeURL)
	}
	prober.Start(ctx)
	return monitor, prober, nil
}

// openClient builds the client stack from cfg.
func openClient(ctx context.Context, cfg config.LearnConfig) (*clientStack, error) {
	s := &clientStack{}
	var err error

	if s.cache, s.db, err = openCache(cfg.Client); err != nil {
		return nil, err
	}
	if s.durable, err = openDurable(ctx, cfg.Sync); err != nil {
		s.Close()
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	if s.monitor, s.prober, err = openMonitor(ctx, cfg.Sync); err != nil {
		s.Close()
		return nil, err
	}
	s.syncer, err = syncer.New(s.cache, s.durable, s.monitor, syncer.Config{
		Interval:       cfg.Sync.Interval,
		ReconnectDelay: cfg.Sync.ReconnectDelay,
		Rate:           rate.Limit(cfg.Sync.Rate),
		Burst:          cfg.Sync.Burst,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.engine = optimistic.NewEngine(optimistic.Config{StaleThreshold: cfg.Client.StaleThreshold})
	if err := s.engine.StartSweeper(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.notifier = optimistic.NewMemoryNotifier(optimistic.DefaultNotificationTTL, 32)
	recovery := optimistic.NewRecovery(s.engine, s.notifier)

	s.workspace, err = workspace.New(workspace.Config{
		Client:      stream.NewClient(cfg.Client.ServerURL, &http.Client{}),
		Cache:       s.cache,
		Recovery:    recovery,
		Syncer:      s.syncer,
		VerifyChain: cfg.Client.VerifyChain,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases everything in reverse order of opening. Safe on a
// partially built stack.
func (s *clientStack) Close() {
	if s.syncer != nil {
		s.syncer.Stop()
	}
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.durable != nil {
		if err := s.durable.Close(); err != nil {
			slog.Warn("Failed to close durable store", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("Failed to close cache database", "error", err)
		}
	}
}
