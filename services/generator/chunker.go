// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generator

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// DefaultChunkSize is the target rune length of one fragment_chunk delta.
const DefaultChunkSize = 160

// SplitFragments splits a whole paragraph into display deltas.
//
// # Description
//
// Used when a backend returns a paragraph in one piece so the client still
// sees it arrive progressively. Splits on line and word boundaries via
// the recursive character splitter. A separating space is restored at the
// start of every chunk after the first, so the deltas read naturally when
// appended; the authoritative text is still sent in fragment_complete.
//
// # Outputs
//
//   - []string: At least one element for non-empty text; nil for empty text.
func SplitFragments(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len([]rune(text)) <= size {
		return []string{text}
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
	)
	chunks, err := splitter.SplitText(text)
	if err != nil || len(chunks) == 0 {
		return []string{text}
	}

	out := make([]string, 0, len(chunks))
	for i, c := range chunks {
		if c == "" {
			continue
		}
		if i > 0 && !strings.HasPrefix(c, " ") && !strings.HasPrefix(c, "\n") {
			c = " " + c
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}
