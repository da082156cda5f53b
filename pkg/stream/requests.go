// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// MaxTopicBytes bounds the free-text topic a user may submit.
const MaxTopicBytes = 512

// requestValidate is shared by every request type in this package.
var requestValidate *validator.Validate

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
}

// TopicRequest asks the producer for a topic outline.
//
// Validation:
//   - TopicID: required, slug characters only
//   - Topic: required, at most MaxTopicBytes
//   - Difficulty: optional, one of beginner/intermediate/advanced
//   - Expand: when true, paragraph text is generated in the same stream
type TopicRequest struct {
	TopicID    string `json:"topic_id" validate:"required,slug"`
	Topic      string `json:"topic" validate:"required,max=512"`
	Language   string `json:"language,omitempty" validate:"omitempty,max=32"`
	Difficulty string `json:"difficulty,omitempty" validate:"omitempty,oneof=beginner intermediate advanced"`
	Expand     bool   `json:"expand,omitempty"`
}

// Validate checks the request against its validator tags.
func (r *TopicRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ChapterRequest asks the producer for the paragraph text of one chapter.
type ChapterRequest struct {
	TopicID      string          `json:"topic_id" validate:"required,slug"`
	Topic        string          `json:"topic" validate:"required,max=512"`
	ChapterID    string          `json:"chapter_id" validate:"required,slug"`
	ChapterTitle string          `json:"chapter_title" validate:"required,max=512"`
	Paragraphs   []ParagraphStub `json:"paragraphs" validate:"required,min=1,max=64,dive"`
	Language     string          `json:"language,omitempty" validate:"omitempty,max=32"`
	Difficulty   string          `json:"difficulty,omitempty" validate:"omitempty,oneof=beginner intermediate advanced"`
}

// Validate checks the request and its paragraph stubs.
func (r *ChapterRequest) Validate() error {
	if err := requestValidate.Struct(r); err != nil {
		return err
	}
	for _, p := range r.Paragraphs {
		if !slugPattern.MatchString(p.ID) {
			return &InvalidParagraphError{ID: p.ID}
		}
	}
	return nil
}

// InvalidParagraphError reports a paragraph stub whose id is not a slug.
type InvalidParagraphError struct {
	ID string
}

func (e *InvalidParagraphError) Error() string {
	return "invalid paragraph id: " + e.ID
}
