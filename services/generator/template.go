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
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
)

var templateChapters = []struct {
	title      string
	paragraphs []string
}{
	{"Introduction to %s", []string{"What %s is", "Why %s matters"}},
	{"Core concepts of %s", []string{"Key terms", "How the pieces fit", "A first example"}},
	{"Working with %s", []string{"Common tasks", "Typical mistakes"}},
	{"Going further with %s", []string{"Advanced topics", "Where to learn more"}},
}

// TemplateGenerator produces a fixed-shape outline and boilerplate text
// without a model. It backs the offline demo mode of `learn serve`.
type TemplateGenerator struct{}

// NewTemplateGenerator creates a TemplateGenerator.
func NewTemplateGenerator() *TemplateGenerator { return &TemplateGenerator{} }

// Name implements Named.
func (TemplateGenerator) Name() string { return "template" }

// GenerateOutline implements Generator.
func (TemplateGenerator) GenerateOutline(ctx context.Context, req OutlineRequest) (*Outline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &Outline{
		Title:   req.Topic,
		Summary: fmt.Sprintf("A structured introduction to %s.", req.Topic),
	}
	for i, tc := range templateChapters {
		item := stream.OutlineItem{
			ID:    ChapterID(req.TopicID, i),
			Title: fmt.Sprintf(tc.title, req.Topic),
			Order: i,
		}
		for j, h := range tc.paragraphs {
			heading := h
			if strings.Contains(h, "%s") {
				heading = fmt.Sprintf(h, req.Topic)
			}
			item.Paragraphs = append(item.Paragraphs, stream.ParagraphStub{
				ID:      ParagraphID(item.ID, j),
				Order:   j,
				Heading: heading,
			})
		}
		out.Chapters = append(out.Chapters, item)
	}
	return out, nil
}

// GenerateParagraph implements Generator.
func (TemplateGenerator) GenerateParagraph(ctx context.Context, req ParagraphRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s. This section of %q covers %s in the context of %s. "+
		"Read it alongside the other paragraphs of the chapter, then try the ideas on a small example of your own.",
		req.Paragraph.Heading, req.ChapterTitle, req.Paragraph.Heading, req.Topic), nil
}

var _ Generator = TemplateGenerator{}
