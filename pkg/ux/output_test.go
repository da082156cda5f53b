// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/stretchr/testify/assert"
)

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModePlain, ParseMode("plain"))
	assert.Equal(t, ModePlain, ParseMode(" Minimal "))
	assert.Equal(t, ModeMachine, ParseMode("machine"))
	assert.Equal(t, ModeRich, ParseMode(""))
	assert.Equal(t, ModeRich, ParseMode("whatever"))
}

func TestDetectMode_NonTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	assert.Equal(t, ModePlain, DetectMode(f))
	assert.Equal(t, ModePlain, DetectMode(nil))
}

func TestPrinter_PlainMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Title("Go basics")
	p.Success("done")
	p.Warning("careful")
	p.Error("broken")
	p.Field("entries", 3)

	out := buf.String()
	assert.Contains(t, out, "Go basics\n")
	assert.Contains(t, out, "✓ done\n")
	assert.Contains(t, out, "⚠ careful\n")
	assert.Contains(t, out, "✗ broken\n")
	assert.Contains(t, out, "entries: 3")
	assert.NotContains(t, out, "\x1b[", "plain mode has no escape codes")
}

func TestPrinter_MachineMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)

	p.Title("dropped")
	p.Muted("dropped too")
	p.Success("done")
	p.Row("go", "Go basics", "12")
	p.Field("pending", 2)

	assert.Equal(t, "OK\tdone\ngo\tGo basics\t12\npending\t2\n", buf.String())
}

func TestPrinter_ProgressBar(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, ModePlain)
	assert.Equal(t, "██████████ 100%", p.ProgressBar(5, 5, 10))
	assert.Equal(t, "█████░░░░░  50%", p.ProgressBar(1, 2, 10))
	assert.Equal(t, "3/0", p.ProgressBar(3, 0, 10))

	m := NewPrinter(&bytes.Buffer{}, ModeMachine)
	assert.Equal(t, "1/4", m.ProgressBar(1, 4, 10))
}

func TestGenerationProgress(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerationProgress(NewPrinter(&buf, ModePlain))
	hooks := g.Hooks()

	hooks.OnMetadata(stream.TopicMetadata{Title: "placeholder", Placeholder: true})
	hooks.OnMetadata(stream.TopicMetadata{Title: "Go basics", Summary: "An intro."})
	outline := []stream.OutlineItem{{
		ID: "go.c00", Title: "Syntax", Order: 0,
		Paragraphs: []stream.ParagraphStub{{ID: "go.c00.p00"}, {ID: "go.c00.p01"}},
	}}
	hooks.OnOutline(outline)
	hooks.OnOutline(outline)
	hooks.OnFragmentComplete(stream.FragmentState{ID: "go.c00.p00", Complete: true})
	hooks.OnFragmentComplete(stream.FragmentState{ID: "go.c00.p01", Complete: true, Failed: true})

	done, failed := g.Counts()
	assert.Equal(t, 2, done)
	assert.Equal(t, 1, failed)

	g.Summary(stream.Snapshot{Status: stream.StatusComplete, Outline: outline})

	out := buf.String()
	assert.NotContains(t, out, "placeholder")
	assert.Contains(t, out, "Go basics")
	assert.Equal(t, 1, strings.Count(out, "1. Syntax"), "chapters print once")
	assert.Contains(t, out, "go.c00.p00")
	assert.Contains(t, out, "go.c00.p01 could not be generated")
	assert.Contains(t, out, "1 chapters, 2 paragraphs (1 degraded)")
}

func TestGenerationProgress_Failed(t *testing.T) {
	var buf bytes.Buffer
	g := NewGenerationProgress(NewPrinter(&buf, ModeMachine))
	g.Summary(stream.Snapshot{Status: stream.StatusFailed, ErrorMessage: "try again", Violations: 1})
	assert.Equal(t, "ERROR\ttry again\nWARN\t1 protocol violations ignored\n", buf.String())
}
