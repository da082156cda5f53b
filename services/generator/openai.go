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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.learn.generator")

const openAISecretPath = "/run/secrets/openai_api_key"

// OpenAIConfig configures OpenAIGenerator.
type OpenAIConfig struct {
	// APIKey falls back to OPENAI_API_KEY, then the mounted secret file.
	APIKey string
	// Model defaults to gpt-4o-mini.
	Model string
	// BaseURL overrides the API endpoint (OpenAI-compatible servers).
	BaseURL     string
	Temperature float32
	MaxTokens   int
}

// OpenAIGenerator generates outlines and paragraphs with the chat
// completions API. Paragraphs are streamed.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIGenerator creates an OpenAIGenerator.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		data, err := os.ReadFile(openAISecretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and secret not found at %s", openAISecretPath)
		}
		cfg.APIKey = strings.TrimSpace(string(data))
		slog.Info("Read the OpenAI API key from mounted secret")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
		slog.Warn("OpenAI model not set, defaulting", "model", cfg.Model)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.4
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI generator", "model", cfg.Model)
	return &OpenAIGenerator{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Name implements Named.
func (g *OpenAIGenerator) Name() string { return "openai/" + g.cfg.Model }

func (g *OpenAIGenerator) request(prompt string) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: g.cfg.Temperature,
	}
	if g.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = g.cfg.MaxTokens
	}
	return req
}

// GenerateOutline implements Generator using structured output with
// OutlineSchema.
func (g *OpenAIGenerator) GenerateOutline(ctx context.Context, req OutlineRequest) (*Outline, error) {
	ctx, span := tracer.Start(ctx, "OpenAIGenerator.GenerateOutline")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.cfg.Model), attribute.String("topic.id", req.TopicID))

	chatReq := g.request(outlinePrompt(req))
	chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "outline",
			Schema: OutlineSchema(),
			Strict: true,
		},
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outline request failed")
		return nil, fmt.Errorf("openai outline: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return nil, fmt.Errorf("openai outline: %w", ErrEmptyResponse)
	}
	slog.Debug("Received outline from OpenAI", "finish_reason", resp.Choices[0].FinishReason)

	outline, err := ParseOutline(resp.Choices[0].Message.Content, req.TopicID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed outline")
		return nil, err
	}
	span.SetAttributes(attribute.Int("outline.chapters", len(outline.Chapters)))
	return outline, nil
}

// GenerateParagraph implements Generator.
func (g *OpenAIGenerator) GenerateParagraph(ctx context.Context, req ParagraphRequest) (string, error) {
	return g.StreamParagraph(ctx, req, nil)
}

// StreamParagraph implements ParagraphStreamer.
func (g *OpenAIGenerator) StreamParagraph(ctx context.Context, req ParagraphRequest, onDelta DeltaFunc) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIGenerator.StreamParagraph")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.cfg.Model), attribute.String("paragraph.id", req.Paragraph.ID))

	chatReq := g.request(paragraphPrompt(req))
	chatReq.Stream = true

	st, err := g.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return "", fmt.Errorf("openai paragraph: %w", err)
	}
	defer st.Close()

	var full strings.Builder
	for {
		// Stop pulling tokens as soon as the caller is gone.
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		resp, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream recv failed")
			return full.String(), fmt.Errorf("openai paragraph: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return full.String(), err
			}
		}
	}

	text := strings.TrimSpace(full.String())
	if text == "" {
		return "", fmt.Errorf("openai paragraph: %w", ErrEmptyResponse)
	}
	return text, nil
}

var (
	_ Generator         = (*OpenAIGenerator)(nil)
	_ ParagraphStreamer = (*OpenAIGenerator)(nil)
)
