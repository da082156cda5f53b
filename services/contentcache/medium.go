// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contentcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianLearn/services/storage/badger"
)

var (
	// ErrKeyNotFound is returned by Medium.Get for a missing key.
	ErrKeyNotFound = errors.New("medium key not found")

	// ErrQuotaExceeded is returned by a Medium that is out of space.
	ErrQuotaExceeded = errors.New("medium quota exceeded")
)

// Medium is the local persistent key-value store behind the cache.
// Calls are synchronous and may fail; the Store swallows write failures.
type Medium interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// =============================================================================
// MemoryMedium
// =============================================================================

// MemoryMedium keeps values in a map, optionally with a byte quota.
type MemoryMedium struct {
	mu       sync.Mutex
	data     map[string][]byte
	maxBytes int
}

// NewMemoryMedium creates a medium. maxBytes <= 0 means unlimited.
func NewMemoryMedium(maxBytes int) *MemoryMedium {
	return &MemoryMedium{data: make(map[string][]byte), maxBytes: maxBytes}
}

func (m *MemoryMedium) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryMedium) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxBytes > 0 {
		used := len(value)
		for k, v := range m.data {
			if k != key {
				used += len(v)
			}
		}
		if used > m.maxBytes {
			return fmt.Errorf("set %s (%d bytes): %w", key, len(value), ErrQuotaExceeded)
		}
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryMedium) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// =============================================================================
// BadgerMedium
// =============================================================================

// BadgerMedium stores the cache in a local BadgerDB.
type BadgerMedium struct {
	db *badger.DB
}

// NewBadgerMedium wraps an open database. The caller owns db.
func NewBadgerMedium(db *badger.DB) *BadgerMedium {
	return &BadgerMedium{db: db}
}

func (b *BadgerMedium) Get(key string) ([]byte, error) {
	v, err := b.db.Get(key)
	if errors.Is(err, badger.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return v, err
}

func (b *BadgerMedium) Set(key string, value []byte) error {
	return b.db.Set(key, value)
}

func (b *BadgerMedium) Remove(key string) error {
	return b.db.Delete(key)
}

var (
	_ Medium = (*MemoryMedium)(nil)
	_ Medium = (*BadgerMedium)(nil)
)
