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
	"bufio"
	"context"
	"errors"
	"io"
)

// maxLineBytes bounds a single SSE line. Outline batches can be large.
const maxLineBytes = 1 << 20

// ErrIncompleteStream is returned when the body ends before a terminal event.
var ErrIncompleteStream = errors.New("stream ended without complete or error event")

// EventCallback receives each parsed event in arrival order. Returning an
// error stops reading.
type EventCallback func(event StreamEvent) error

// StreamReader reads events from an SSE body.
type StreamReader interface {
	// Read parses events from r and passes them to callback until a terminal
	// event, an error, EOF or context cancellation.
	//
	// # Outputs
	//
	//   - error: nil after a terminal event; ErrIncompleteStream on early EOF;
	//     ctx.Err() on cancellation; otherwise the parse/IO/callback error.
	Read(ctx context.Context, r io.Reader, callback EventCallback) error
}

type sseStreamReader struct {
	parser SSEParser
}

// NewSSEStreamReader creates a StreamReader using parser.
func NewSSEStreamReader(parser SSEParser) StreamReader {
	return &sseStreamReader{parser: parser}
}

// Read implements StreamReader.
func (r *sseStreamReader) Read(ctx context.Context, reader io.Reader, callback EventCallback) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		event, err := r.parser.ParseLine(scanner.Text())
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}

		if err := callback(*event); err != nil {
			return err
		}
		if event.IsTerminal() {
			return nil
		}
	}

	// A cancelled request surfaces as a read error on the body.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrIncompleteStream
}

var _ StreamReader = (*sseStreamReader)(nil)
