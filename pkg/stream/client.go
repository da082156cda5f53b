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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
)

// Client opens generation streams against a learn server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client. A nil httpClient uses a client with no
// overall timeout, since streams are long-lived and bounded by ctx instead.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// TopicPath is the route that streams a topic outline.
const TopicPath = "/v1/topics/stream"

// ChapterPath returns the route that streams one chapter's paragraphs.
func ChapterPath(topicID, chapterID string) string {
	return fmt.Sprintf("/v1/topics/%s/chapters/%s/stream", url.PathEscape(topicID), url.PathEscape(chapterID))
}

// StreamTopic opens a topic stream and feeds it to consumer.
func (c *Client) StreamTopic(ctx context.Context, req TopicRequest, consumer *Consumer) error {
	if err := req.Validate(); err != nil {
		return apperr.Validation("stream.topic", err)
	}
	return c.stream(ctx, TopicPath, req, consumer)
}

// StreamChapter opens a chapter stream and feeds it to consumer.
func (c *Client) StreamChapter(ctx context.Context, req ChapterRequest, consumer *Consumer) error {
	if err := req.Validate(); err != nil {
		return apperr.Validation("stream.chapter", err)
	}
	return c.stream(ctx, ChapterPath(req.TopicID, req.ChapterID), req, consumer)
}

func (c *Client) stream(ctx context.Context, path string, payload any, consumer *Consumer) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Validation("stream.encode", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Transport("stream.request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transport("stream.connect", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusBadRequest {
			return apperr.Validation("stream.connect", statusErr)
		}
		return apperr.Transport("stream.connect", statusErr)
	}

	return consumer.Consume(ctx, resp.Body)
}
