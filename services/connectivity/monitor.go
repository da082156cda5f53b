// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connectivity reports whether the durable backend is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"log/slog"
	"sync"
)

// Signal is the read side of connectivity.
type Signal interface {
	// Online reports the current state.
	Online() bool

	// Subscribe returns a channel that receives the new state on every
	// transition and a function that unsubscribes and closes the channel.
	// Slow subscribers only see the latest state.
	Subscribe() (<-chan bool, func())
}

// Monitor is a Signal whose state is set by SetOnline, either directly or
// by a Prober.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]chan bool
}

// NewMonitor creates a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan bool)}
}

// Online implements Signal.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Signal.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// SetOnline records the state and notifies subscribers if it changed. It
// reports whether a transition happened.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return false
	}
	m.online = online
	slog.Info("Connectivity changed", "online", online)

	for _, ch := range m.subs {
		// Replace an undelivered value so the subscriber sees the latest.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

var _ Signal = (*Monitor)(nil)
