// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package producer

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
)

// channelBuffer lets the producer run slightly ahead of a slow reader.
const channelBuffer = 16

// OpenTopic runs StreamTopic on a goroutine and returns its events as a
// channel. The channel is closed when the stream ends or ctx is done.
func (p *Producer) OpenTopic(ctx context.Context, req stream.TopicRequest) <-chan stream.StreamEvent {
	return p.open(ctx, func(sink EventSink) error { return p.StreamTopic(ctx, req, sink) })
}

// OpenChapter is the channel form of StreamChapter.
func (p *Producer) OpenChapter(ctx context.Context, req stream.ChapterRequest) <-chan stream.StreamEvent {
	return p.open(ctx, func(sink EventSink) error { return p.StreamChapter(ctx, req, sink) })
}

func (p *Producer) open(ctx context.Context, run func(EventSink) error) <-chan stream.StreamEvent {
	out := make(chan stream.StreamEvent, channelBuffer)
	go func() {
		defer close(out)
		sink := SinkFunc(func(ctx context.Context, ev stream.StreamEvent) error {
			select {
			case out <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err := run(sink); err != nil && ctx.Err() == nil {
			slog.Debug("Channel stream ended with error", "error", err)
		}
	}()
	return out
}
