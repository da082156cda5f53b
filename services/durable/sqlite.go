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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianLearn/services/durable/migrations"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists topics and paragraphs in a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := "file:" + clean + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db, path: clean}, nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) UpsertTopic(ctx context.Context, t Topic) error {
	if t.ID == "" {
		return errors.New("topic id is required")
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO topics (id, title, language, difficulty, summary, chapter_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    title = excluded.title,
    language = excluded.language,
    difficulty = excluded.difficulty,
    summary = excluded.summary,
    chapter_count = excluded.chapter_count,
    updated_at = excluded.updated_at`,
		t.ID, t.Title, t.Language, t.Difficulty, t.Summary, t.ChapterCount, toMillis(updated),
	)
	if err != nil {
		return fmt.Errorf("upsert topic %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ParagraphExists(ctx context.Context, topicID, paragraphID string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM paragraphs WHERE topic_id = ? AND id = ?`, topicID, paragraphID,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check paragraph %s/%s: %w", topicID, paragraphID, err)
	}
	return true, nil
}

func (s *SQLiteStore) PutParagraph(ctx context.Context, p Paragraph) error {
	if err := validateParagraph(p); err != nil {
		return err
	}
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO paragraphs (topic_id, id, chapter_id, ord, heading, content, metadata_json, generated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(topic_id, id) DO UPDATE SET
    chapter_id = excluded.chapter_id,
    ord = excluded.ord,
    heading = excluded.heading,
    content = excluded.content,
    metadata_json = excluded.metadata_json,
    generated_at = excluded.generated_at`,
		p.TopicID, p.ID, p.ChapterID, p.Order, p.Heading, p.Content, meta, toMillis(p.GeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("put paragraph %s/%s: %w", p.TopicID, p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetParagraph(ctx context.Context, topicID, paragraphID string) (Paragraph, error) {
	var (
		p           Paragraph
		metaRaw     string
		generatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT topic_id, id, chapter_id, ord, heading, content, metadata_json, generated_at
FROM paragraphs WHERE topic_id = ? AND id = ?`, topicID, paragraphID,
	).Scan(&p.TopicID, &p.ID, &p.ChapterID, &p.Order, &p.Heading, &p.Content, &metaRaw, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Paragraph{}, fmt.Errorf("%w: %s/%s", ErrNotFound, topicID, paragraphID)
	}
	if err != nil {
		return Paragraph{}, fmt.Errorf("get paragraph %s/%s: %w", topicID, paragraphID, err)
	}
	if p.Metadata, err = decodeMetadata(metaRaw); err != nil {
		return Paragraph{}, err
	}
	p.GeneratedAt = fromMillis(generatedAt)
	return p, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

var _ Store = (*SQLiteStore)(nil)
