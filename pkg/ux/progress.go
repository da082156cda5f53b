// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
)

// GenerationProgress renders a generation stream line by line as events
// arrive: the topic title, each new chapter, then each finished paragraph.
//
// # Thread Safety
//
// Hooks run on the consumer goroutine; counters are guarded anyway so
// Summary can be called from elsewhere.
type GenerationProgress struct {
	p *Printer

	mu       sync.Mutex
	seen     map[string]bool
	expected int
	done     int
	failed   int
}

// NewGenerationProgress creates a renderer writing to p.
func NewGenerationProgress(p *Printer) *GenerationProgress {
	return &GenerationProgress{p: p, seen: make(map[string]bool)}
}

// Expect sets the number of paragraphs the stream should complete. Outline
// events add to it.
func (g *GenerationProgress) Expect(n int) {
	g.mu.Lock()
	g.expected = n
	g.mu.Unlock()
}

// Hooks returns consumer hooks that drive the renderer.
func (g *GenerationProgress) Hooks() stream.Hooks {
	return stream.Hooks{
		OnMetadata:         g.onMetadata,
		OnOutline:          g.onOutline,
		OnFragmentComplete: g.onFragment,
	}
}

func (g *GenerationProgress) onMetadata(meta stream.TopicMetadata) {
	if meta.Placeholder {
		return
	}
	g.p.Title(meta.Title)
	if meta.Summary != "" {
		g.p.Muted(meta.Summary)
	}
}

func (g *GenerationProgress) onOutline(items []stream.OutlineItem) {
	g.mu.Lock()
	var fresh []stream.OutlineItem
	for _, item := range items {
		if g.seen[item.ID] {
			continue
		}
		g.seen[item.ID] = true
		g.expected += len(item.Paragraphs)
		fresh = append(fresh, item)
	}
	g.mu.Unlock()

	for _, item := range fresh {
		if g.p.Mode() == ModeMachine {
			g.p.Row("chapter", item.ID, item.Title)
			continue
		}
		g.p.Info(fmt.Sprintf("%s %d. %s", g.p.icon(IconArrow), item.Order+1, item.Title))
	}
}

func (g *GenerationProgress) onFragment(f stream.FragmentState) {
	g.mu.Lock()
	g.done++
	if f.Failed {
		g.failed++
	}
	done, expected := g.done, g.expected
	g.mu.Unlock()

	if g.p.Mode() == ModeMachine {
		status := "ok"
		if f.Failed {
			status = "failed"
		}
		g.p.Row("paragraph", f.ID, status)
		return
	}
	bar := ""
	if expected > 0 {
		bar = "  " + g.p.ProgressBar(done, expected, 20)
	}
	if f.Failed {
		g.p.Warning(fmt.Sprintf("%s could not be generated%s", f.ID, bar))
		return
	}
	g.p.Success(fmt.Sprintf("%s%s", f.ID, bar))
}

// Counts returns the completed and failed paragraph counts.
func (g *GenerationProgress) Counts() (done, failed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done, g.failed
}

// Summary prints the final line for a finished stream.
func (g *GenerationProgress) Summary(snap stream.Snapshot) {
	done, failed := g.Counts()
	switch snap.Status {
	case stream.StatusComplete:
		msg := fmt.Sprintf("%d chapters, %d paragraphs", len(snap.Outline), done)
		if failed > 0 {
			msg += fmt.Sprintf(" (%d degraded)", failed)
		}
		g.p.Success(msg)
	case stream.StatusFailed:
		g.p.Error(snap.ErrorMessage)
	default:
		g.p.Warning("stream ended before completion")
	}
	if snap.Violations > 0 {
		g.p.Warning(fmt.Sprintf("%d protocol violations ignored", snap.Violations))
	}
}
