// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindUnknown, KindOf(base))
	assert.Equal(t, KindGeneration, KindOf(Generation("outline", base)))
	assert.Equal(t, KindPersistence, KindOf(fmt.Errorf("sync: %w", Persistence("put", base))))
}

func TestIs_NestedKinds(t *testing.T) {
	inner := Transport("read", errors.New("reset"))
	outer := Generation("stream", inner)

	assert.True(t, Is(outer, KindGeneration))
	assert.True(t, Is(outer, KindTransport))
	assert.False(t, Is(outer, KindPersistence))
	assert.False(t, Is(nil, KindGeneration))
}

func TestUserMessage(t *testing.T) {
	t.Run("falls back to default", func(t *testing.T) {
		assert.Equal(t, DefaultUserMessage, UserMessage(errors.New("internal detail")))
	})

	t.Run("uses outermost message", func(t *testing.T) {
		err := Generation("outline", errors.New("model 500")).WithUserMessage("Could not generate this topic.")
		assert.Equal(t, "Could not generate this topic.", UserMessage(fmt.Errorf("wrap: %w", err)))
	})

	t.Run("never leaks raw text", func(t *testing.T) {
		err := Persistence("write", errors.New("disk full at /var/lib"))
		assert.NotContains(t, UserMessage(err), "disk full")
	})
}

func TestError_Unwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := Validation("parse", sentinel)

	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "validation_failure")
	assert.Equal(t, "parse: validation_failure", New(KindValidation, "parse", nil).Error())
}
