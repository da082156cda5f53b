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
	"sort"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
)

// ContentFromStream builds cache content from streamed topic metadata and
// outline. Paragraphs start without content.
func ContentFromStream(meta stream.TopicMetadata, outline []stream.OutlineItem) Content {
	items := append([]stream.OutlineItem(nil), outline...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Order < items[j].Order })

	c := Content{
		Title:      meta.Title,
		Language:   meta.Language,
		Difficulty: meta.Difficulty,
		Summary:    meta.Summary,
		Chapters:   make([]Chapter, 0, len(items)),
	}
	for _, item := range items {
		ch := Chapter{ID: item.ID, Title: item.Title, Order: item.Order}
		for _, p := range item.Paragraphs {
			ch.Paragraphs = append(ch.Paragraphs, ParagraphRecord{ID: p.ID, Order: p.Order, Heading: p.Heading})
		}
		c.Chapters = append(c.Chapters, ch)
	}
	return c
}

// ParagraphStubs returns the stubs of one chapter for a chapter request.
func (e *CacheEntry) ParagraphStubs(chapterID string) ([]stream.ParagraphStub, string, bool) {
	for _, ch := range e.Chapters {
		if ch.ID != chapterID {
			continue
		}
		stubs := make([]stream.ParagraphStub, len(ch.Paragraphs))
		for i, p := range ch.Paragraphs {
			stubs[i] = stream.ParagraphStub{ID: p.ID, Order: p.Order, Heading: p.Heading}
		}
		return stubs, ch.Title, true
	}
	return nil, "", false
}
