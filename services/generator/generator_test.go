// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const outlineJSON = `{"title":"Go","summary":"A tour","chapters":[
 {"title":"Basics","paragraphs":["Syntax","  ","Types"]},
 {"title":"  ","paragraphs":["dropped"]},
 {"title":"Concurrency","paragraphs":["Goroutines"]}]}`

// =============================================================================
// Outline parsing
// =============================================================================

func TestParseOutline(t *testing.T) {
	out, err := ParseOutline(outlineJSON, "go")
	require.NoError(t, err)

	assert.Equal(t, "Go", out.Title)
	require.Len(t, out.Chapters, 2)
	assert.Equal(t, "go.c00", out.Chapters[0].ID)
	assert.Equal(t, "go.c01", out.Chapters[1].ID)
	assert.Equal(t, 1, out.Chapters[1].Order)
	require.Len(t, out.Chapters[0].Paragraphs, 2)
	assert.Equal(t, "go.c00.p01", out.Chapters[0].Paragraphs[1].ID)
	assert.Equal(t, "Types", out.Chapters[0].Paragraphs[1].Heading)
}

func TestParseOutline_CodeFence(t *testing.T) {
	out, err := ParseOutline("```json\n"+outlineJSON+"\n```", "go")
	require.NoError(t, err)
	assert.Len(t, out.Chapters, 2)
}

func TestParseOutline_Malformed(t *testing.T) {
	_, err := ParseOutline("not json", "go")
	assert.ErrorIs(t, err, ErrMalformedOutline)

	_, err = ParseOutline(`{"title":"x","chapters":[]}`, "go")
	assert.ErrorIs(t, err, ErrMalformedOutline)
}

func TestParseOutline_TitleFallback(t *testing.T) {
	out, err := ParseOutline(`{"chapters":[{"title":"Only"}]}`, "t")
	require.NoError(t, err)
	assert.Equal(t, "Only", out.Title)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "the-go-language", Slug("  The Go Language! "))
	assert.Equal(t, "c-and-c", Slug("C++ and C#"))
	assert.Equal(t, "topic", Slug("日本語"))
	assert.LessOrEqual(t, len(Slug(strings.Repeat("ab ", 100))), 65)
}

// =============================================================================
// Chunking
// =============================================================================

func TestSplitFragments(t *testing.T) {
	assert.Nil(t, SplitFragments("   ", 10))
	assert.Equal(t, []string{"short"}, SplitFragments("short", 10))

	text := strings.Repeat("Goroutines are cheap. ", 20)
	chunks := SplitFragments(text, 50)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(strings.TrimSpace(c))), 50)
	}
	joined := strings.Join(chunks, "")
	assert.Equal(t, strings.Fields(strings.TrimSpace(text)), strings.Fields(joined))
}

// =============================================================================
// Template generator
// =============================================================================

func TestTemplateGenerator(t *testing.T) {
	g := NewTemplateGenerator()
	out, err := g.GenerateOutline(context.Background(), OutlineRequest{TopicID: "rust", Topic: "Rust"})
	require.NoError(t, err)
	require.Len(t, out.Chapters, 4)
	assert.Equal(t, "What Rust is", out.Chapters[0].Paragraphs[0].Heading)
	assert.Equal(t, "Key terms", out.Chapters[1].Paragraphs[0].Heading)

	text, err := g.GenerateParagraph(context.Background(), ParagraphRequest{
		Topic: "Rust", ChapterTitle: "Intro", Paragraph: stream.ParagraphStub{Heading: "Ownership"},
	})
	require.NoError(t, err)
	assert.Contains(t, text, "Ownership")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.GenerateOutline(ctx, OutlineRequest{TopicID: "rust", Topic: "Rust"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "template", NameOf(g))
}

// =============================================================================
// Ollama
// =============================================================================

func TestOllamaGenerator_Outline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "json", req.Format)
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: outlineJSON, Done: true})
	}))
	defer srv.Close()

	g, err := NewOllamaGenerator(OllamaConfig{BaseURL: srv.URL + "/", Model: "tiny"})
	require.NoError(t, err)

	out, err := g.GenerateOutline(context.Background(), OutlineRequest{TopicID: "go", Topic: "Go"})
	require.NoError(t, err)
	assert.Len(t, out.Chapters, 2)
	assert.Equal(t, "ollama/tiny", g.Name())
}

func TestOllamaGenerator_StreamParagraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"Go ", "is ", "fun."} {
			fmt.Fprintf(w, `{"response":%q,"done":false}`+"\n", part)
		}
		io.WriteString(w, `{"response":"","done":true}`+"\n")
	}))
	defer srv.Close()

	g, err := NewOllamaGenerator(OllamaConfig{BaseURL: srv.URL, Model: "tiny"})
	require.NoError(t, err)

	var deltas []string
	text, err := g.StreamParagraph(context.Background(), ParagraphRequest{Paragraph: stream.ParagraphStub{ID: "p"}}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Go is fun.", text)
	assert.Equal(t, []string{"Go ", "is ", "fun."}, deltas)
}

func TestOllamaGenerator_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model 'tiny' not found"}`)
	}))
	defer srv.Close()

	g, _ := NewOllamaGenerator(OllamaConfig{BaseURL: srv.URL, Model: "tiny"})
	_, err := g.GenerateParagraph(context.Background(), ParagraphRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull tiny")
}

func TestNewOllamaGenerator_RequiresURL(t *testing.T) {
	_, err := NewOllamaGenerator(OllamaConfig{})
	assert.Error(t, err)
}

// =============================================================================
// OpenAI
// =============================================================================

func TestOpenAIGenerator_OutlineAndStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if format, ok := req["response_format"].(map[string]any); ok {
			assert.Equal(t, "json_schema", format["type"])
			schema := format["json_schema"].(map[string]any)
			assert.Equal(t, "outline", schema["name"])
			assert.Equal(t, true, schema["strict"])
		}

		if stream, _ := req["stream"].(bool); stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, part := range []string{"Channels ", "connect goroutines."} {
				fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
			}
			io.WriteString(w, "data: [DONE]\n\n")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "1",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": outlineJSON}}},
		})
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "test", Model: "gpt-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	out, err := g.GenerateOutline(context.Background(), OutlineRequest{TopicID: "go", Topic: "Go"})
	require.NoError(t, err)
	assert.Len(t, out.Chapters, 2)

	var deltas int
	text, err := g.StreamParagraph(context.Background(), ParagraphRequest{Paragraph: stream.ParagraphStub{ID: "p"}}, func(string) error {
		deltas++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Channels connect goroutines.", text)
	assert.Equal(t, 2, deltas)
}

func TestOutlineSchema(t *testing.T) {
	raw, err := json.Marshal(OutlineSchema())
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.ElementsMatch(t, []any{"title", "summary", "chapters"}, schema["required"])

	props := schema["properties"].(map[string]any)
	chapters := props["chapters"].(map[string]any)
	assert.Equal(t, "array", chapters["type"])
	item := chapters["items"].(map[string]any)
	assert.Contains(t, item["properties"], "paragraphs")
	assert.NotContains(t, string(raw), "$ref")
}

func TestOpenAIGenerator_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(OpenAIConfig{APIKey: "test", Model: "gpt-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = g.GenerateOutline(context.Background(), OutlineRequest{TopicID: "go", Topic: "Go"})
	assert.Error(t, err)
}
