// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_SetOnlineNotifies(t *testing.T) {
	m := NewMonitor(false)
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	assert.False(t, m.SetOnline(false), "no transition")
	assert.True(t, m.SetOnline(true))
	assert.True(t, m.Online())

	select {
	case v := <-ch:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}

func TestMonitor_SlowSubscriberSeesLatest(t *testing.T) {
	m := NewMonitor(false)
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	assert.True(t, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %v", v)
	default:
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true)
	ch, unsubscribe := m.Subscribe()
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	assert.True(t, m.SetOnline(false))
}

func TestProber_Check(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(false)
	p, err := NewProber(ProberConfig{URL: srv.URL + "/health"}, srv.Client(), m)
	require.NoError(t, err)

	assert.True(t, p.Check(context.Background()))
	assert.True(t, m.Online())

	healthy.Store(false)
	assert.False(t, p.Check(context.Background()))
	assert.False(t, m.Online())
}

func TestProber_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewMonitor(true)
	p, err := NewProber(ProberConfig{URL: url, Timeout: 500 * time.Millisecond}, nil, m)
	require.NoError(t, err)
	assert.False(t, p.Check(context.Background()))
	assert.False(t, m.Online())
}

func TestProber_StartStop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	m := NewMonitor(false)
	p, err := NewProber(ProberConfig{URL: srv.URL, Interval: 10 * time.Millisecond}, srv.Client(), m)
	require.NoError(t, err)

	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	assert.True(t, m.Online())
	settled := hits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, hits.Load())
}

func TestNewProber_Validation(t *testing.T) {
	_, err := NewProber(ProberConfig{}, nil, NewMonitor(false))
	assert.Error(t, err)
	_, err = NewProber(ProberConfig{URL: "http://x"}, nil, nil)
	assert.Error(t, err)
}
