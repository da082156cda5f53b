// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig locates the bucket that holds synchronized topics.
type GCSConfig struct {
	ProjectID string
	Bucket    string
	// Prefix is prepended to every object name. Defaults to "learn".
	Prefix string
	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string
}

// GCSStore writes topics and paragraphs as JSON objects:
//
//	<prefix>/topics/<topic>/topic.json
//	<prefix>/topics/<topic>/paragraphs/<paragraph>.json
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore creates a client for cfg.Bucket. Extra client options are
// appended after the credentials option.
func NewGCSStore(ctx context.Context, cfg GCSConfig, opts ...option.ClientOption) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "learn"
	}
	return &GCSStore{client: client, bucket: client.Bucket(cfg.Bucket), prefix: prefix}, nil
}

func (g *GCSStore) UpsertTopic(ctx context.Context, t Topic) error {
	if t.ID == "" {
		return errors.New("topic id is required")
	}
	return g.writeJSON(ctx, topicObject(g.prefix, t.ID), t)
}

func (g *GCSStore) ParagraphExists(ctx context.Context, topicID, paragraphID string) (bool, error) {
	_, err := g.bucket.Object(paragraphObject(g.prefix, topicID, paragraphID)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat paragraph %s/%s: %w", topicID, paragraphID, err)
	}
	return true, nil
}

func (g *GCSStore) PutParagraph(ctx context.Context, p Paragraph) error {
	if err := validateParagraph(p); err != nil {
		return err
	}
	return g.writeJSON(ctx, paragraphObject(g.prefix, p.TopicID, p.ID), p)
}

func (g *GCSStore) GetParagraph(ctx context.Context, topicID, paragraphID string) (Paragraph, error) {
	name := paragraphObject(g.prefix, topicID, paragraphID)
	r, err := g.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Paragraph{}, fmt.Errorf("%w: %s/%s", ErrNotFound, topicID, paragraphID)
	}
	if err != nil {
		return Paragraph{}, fmt.Errorf("open %s: %w", name, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return Paragraph{}, fmt.Errorf("read %s: %w", name, err)
	}
	var p Paragraph
	if err := json.Unmarshal(raw, &p); err != nil {
		return Paragraph{}, fmt.Errorf("decode %s: %w", name, err)
	}
	return p, nil
}

// Close releases the client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

func (g *GCSStore) writeJSON(ctx context.Context, name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	w := g.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	return nil
}

func topicObject(prefix, topicID string) string {
	return path.Join(prefix, "topics", escapeSegment(topicID), "topic.json")
}

func paragraphObject(prefix, topicID, paragraphID string) string {
	return path.Join(prefix, "topics", escapeSegment(topicID), "paragraphs", escapeSegment(paragraphID)+".json")
}

// escapeSegment keeps ids from introducing extra path levels.
func escapeSegment(s string) string {
	return strings.NewReplacer("/", "%2F", "..", "%2E%2E").Replace(s)
}

var _ Store = (*GCSStore)(nil)
