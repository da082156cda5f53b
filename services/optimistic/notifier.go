// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimistic

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a transient message for the user.
type Notification struct {
	ID          string
	Level       Level
	Message     string
	OperationID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Notifier surfaces transient messages to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to slog. Used when no UI is attached.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	slog.Warn("User notification", "level", n.Level, "message", n.Message, "operation_id", n.OperationID)
}

// DefaultNotificationTTL is how long a notification stays active.
const DefaultNotificationTTL = 5 * time.Second

// MemoryNotifier keeps recent notifications for a renderer to poll.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryNotifier struct {
	mu    sync.Mutex
	items []Notification
	ttl   time.Duration
	max   int
	now   func() time.Time
}

// NewMemoryNotifier keeps at most max notifications for ttl each.
func NewMemoryNotifier(ttl time.Duration, max int) *MemoryNotifier {
	if ttl <= 0 {
		ttl = DefaultNotificationTTL
	}
	if max <= 0 {
		max = 32
	}
	return &MemoryNotifier{ttl: ttl, max: max, now: time.Now}
}

// Notify records n, filling in ID and timestamps when unset.
func (m *MemoryNotifier) Notify(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = n.CreatedAt.Add(m.ttl)
	}
	m.items = append(m.items, n)
	if len(m.items) > m.max {
		m.items = append([]Notification(nil), m.items[len(m.items)-m.max:]...)
	}
}

// Active returns the notifications that have not expired, oldest first,
// and forgets the expired ones.
func (m *MemoryNotifier) Active() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	kept := m.items[:0]
	for _, n := range m.items {
		if now.Before(n.ExpiresAt) {
			kept = append(kept, n)
		}
	}
	m.items = kept
	return append([]Notification(nil), kept...)
}

// Drain returns every held notification and clears the feed.
func (m *MemoryNotifier) Drain() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}
