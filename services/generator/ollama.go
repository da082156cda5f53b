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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OllamaConfig configures OllamaGenerator.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float32
	// HTTPClient overrides the default client (5 minute timeout).
	HTTPClient *http.Client
}

// OllamaGenerator talks to an Ollama server over its HTTP API. Paragraphs
// use the NDJSON streaming mode of /api/generate.
type OllamaGenerator struct {
	httpClient *http.Client
	baseURL    string
	model      string
	options    map[string]any
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllamaGenerator creates an OllamaGenerator.
func NewOllamaGenerator(cfg OllamaConfig) (*OllamaGenerator, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base URL not set")
	}
	if cfg.Model == "" {
		slog.Warn("Ollama model not set, defaulting to llama3.2")
		cfg.Model = "llama3.2"
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.4
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama generator", "base_url", baseURL, "model", cfg.Model)
	return &OllamaGenerator{
		httpClient: client,
		baseURL:    baseURL,
		model:      cfg.Model,
		options:    map[string]any{"temperature": temp, "top_p": 0.9, "num_predict": 2048},
	}, nil
}

// Name implements Named.
func (o *OllamaGenerator) Name() string { return "ollama/" + o.model }

// GenerateOutline implements Generator using JSON format mode.
func (o *OllamaGenerator) GenerateOutline(ctx context.Context, req OutlineRequest) (*Outline, error) {
	ctx, span := tracer.Start(ctx, "OllamaGenerator.GenerateOutline")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.String("topic.id", req.TopicID))

	resp, err := o.post(ctx, ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  outlinePrompt(req),
		System:  systemPrompt,
		Stream:  false,
		Format:  "json",
		Options: o.options,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, fmt.Errorf("decode ollama outline: %w", err)
	}
	outline, err := ParseOutline(out.Response, req.TopicID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed outline")
		return nil, err
	}
	return outline, nil
}

// GenerateParagraph implements Generator.
func (o *OllamaGenerator) GenerateParagraph(ctx context.Context, req ParagraphRequest) (string, error) {
	return o.StreamParagraph(ctx, req, nil)
}

// StreamParagraph implements ParagraphStreamer.
func (o *OllamaGenerator) StreamParagraph(ctx context.Context, req ParagraphRequest, onDelta DeltaFunc) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaGenerator.StreamParagraph")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.String("paragraph.id", req.Paragraph.ID))

	resp, err := o.post(ctx, ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  paragraphPrompt(req),
		System:  systemPrompt,
		Stream:  true,
		Options: o.options,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		var chunk ollamaGenerateResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			span.RecordError(err)
			return full.String(), fmt.Errorf("decode ollama stream: %w", err)
		}
		if chunk.Error != "" {
			return full.String(), fmt.Errorf("ollama stream: %s", chunk.Error)
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onDelta != nil {
				if err := onDelta(chunk.Response); err != nil {
					return full.String(), err
				}
			}
		}
		if chunk.Done {
			break
		}
	}

	text := strings.TrimSpace(full.String())
	if text == "" {
		return "", fmt.Errorf("ollama paragraph: %w", ErrEmptyResponse)
	}
	return text, nil
}

func (o *OllamaGenerator) post(ctx context.Context, payload ollamaGenerateRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return nil, fmt.Errorf("ollama API call failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode == http.StatusNotFound && strings.Contains(string(snippet), "not found") {
			return nil, fmt.Errorf("model '%s' not found, run 'ollama pull %s'", o.model, o.model)
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(snippet))
		return nil, fmt.Errorf("ollama failed with status %d", resp.StatusCode)
	}
	return resp, nil
}

var (
	_ Generator         = (*OllamaGenerator)(nil)
	_ ParagraphStreamer = (*OllamaGenerator)(nil)
)
