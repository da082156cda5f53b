// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPDoer is the part of *http.Client the prober needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	// URL is polled with GET. A 200 response means online.
	URL string
	// Interval between probes. Defaults to 10s.
	Interval time.Duration
	// Timeout per probe. Defaults to 3s.
	Timeout time.Duration
}

// Prober polls a health endpoint and feeds the result into a Monitor.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine.
type Prober struct {
	cfg     ProberConfig
	client  HTTPDoer
	monitor *Monitor

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewProber creates a prober. A nil client uses http.DefaultClient.
func NewProber(cfg ProberConfig, client HTTPDoer, monitor *Monitor) (*Prober, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("probe url is required")
	}
	if monitor == nil {
		return nil, errors.New("monitor must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{cfg: cfg, client: client, monitor: monitor}, nil
}

// Check performs one probe and updates the monitor. It returns the result.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	online := p.probe(ctx) == nil
	p.monitor.SetOnline(online)
	return online
}

func (p *Prober) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("Health probe failed", "url", p.cfg.URL, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d (expected %d)", resp.StatusCode, http.StatusOK)
	}
	return nil
}

// Start probes immediately and then every Interval until Stop or ctx is
// cancelled. Starting a running prober is a no-op.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(ctx, p.stopCh, p.doneCh)
}

// Stop halts the loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()
	<-done
}

func (p *Prober) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
