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
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
)

const systemPrompt = "You write structured, accurate learning material. Follow the requested output format exactly."

// outlinePrompt asks for a JSON outline. The shape matches rawOutline.
func outlinePrompt(req OutlineRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a course outline about %q.\n", req.Topic)
	if req.Difficulty != "" {
		fmt.Fprintf(&b, "Audience level: %s.\n", req.Difficulty)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "Write in %s.\n", req.Language)
	}
	b.WriteString(`Respond with JSON only:
{"title": string, "summary": string, "chapters": [{"title": string, "paragraphs": [string, ...]}, ...]}
Each paragraph entry is a short heading. Use 3 to 8 chapters with 2 to 5 paragraphs each.`)
	return b.String()
}

func paragraphPrompt(req ParagraphRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nChapter: %s\nParagraph heading: %s\n", req.Topic, req.ChapterTitle, req.Paragraph.Heading)
	if req.Difficulty != "" {
		fmt.Fprintf(&b, "Audience level: %s.\n", req.Difficulty)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "Write in %s.\n", req.Language)
	}
	b.WriteString("Write one explanatory paragraph of 80 to 160 words for this heading. Plain prose, no heading, no lists.")
	return b.String()
}

type rawOutline struct {
	Title    string `json:"title"`
	Summary  string `json:"summary"`
	Chapters []struct {
		Title      string   `json:"title"`
		Paragraphs []string `json:"paragraphs"`
	} `json:"chapters"`
}

// ParseOutline converts a model's JSON answer into an Outline with stable
// chapter and paragraph ids derived from topicID and position.
func ParseOutline(raw, topicID string) (*Outline, error) {
	raw = stripCodeFence(raw)
	var ro rawOutline
	if err := json.Unmarshal([]byte(raw), &ro); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutline, err)
	}

	out := &Outline{Title: strings.TrimSpace(ro.Title), Summary: strings.TrimSpace(ro.Summary)}
	for _, ch := range ro.Chapters {
		title := strings.TrimSpace(ch.Title)
		if title == "" {
			continue
		}
		order := len(out.Chapters)
		item := stream.OutlineItem{
			ID:    ChapterID(topicID, order),
			Title: title,
			Order: order,
		}
		for _, heading := range ch.Paragraphs {
			heading = strings.TrimSpace(heading)
			if heading == "" {
				continue
			}
			pOrder := len(item.Paragraphs)
			item.Paragraphs = append(item.Paragraphs, stream.ParagraphStub{
				ID:      ParagraphID(item.ID, pOrder),
				Order:   pOrder,
				Heading: heading,
			})
		}
		out.Chapters = append(out.Chapters, item)
	}

	if len(out.Chapters) == 0 {
		return nil, fmt.Errorf("%w: no chapters", ErrMalformedOutline)
	}
	if out.Title == "" {
		out.Title = out.Chapters[0].Title
	}
	return out, nil
}

// ChapterID returns the id of the chapter at order within topicID.
func ChapterID(topicID string, order int) string {
	return fmt.Sprintf("%s.c%02d", topicID, order)
}

// ParagraphID returns the id of the paragraph at order within chapterID.
func ParagraphID(chapterID string, order int) string {
	return fmt.Sprintf("%s.p%02d", chapterID, order)
}

// Slug turns free text into an id usable as a topic id.
func Slug(text string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 64 {
			break
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "topic"
	}
	return s
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
