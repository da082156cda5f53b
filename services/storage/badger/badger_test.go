// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies the key-value surface on an in-memory database.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())

	require.NoError(t, db.Set("topic/go", []byte(`{"id":"go"}`)))
	require.NoError(t, db.Set("topic/rust", []byte(`{"id":"rust"}`)))
	require.NoError(t, db.Set("queue", []byte(`[]`)))

	got, err := db.Get("topic/go")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"go"}`, string(got))

	got, err = db.Get("topic/rust")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"rust"}`, string(got))

	require.NoError(t, db.Delete("topic/go"))
	_, err = db.Get("topic/go")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, db.Delete("never-written"))
}

// TestOpen_Persistent verifies data survives a reopen.
func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour
	db, err := Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())
	require.NoError(t, db.Set("k", []byte("v")))
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestNewGCRunner_Validation(t *testing.T) {
	_, err := NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)

	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(db.db, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.db, time.Second, 1.5, nil)
	assert.Error(t, err)

	runner, err := NewGCRunner(db.db, time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	runner.Start()
	time.Sleep(5 * time.Millisecond)
	runner.Stop()
}
