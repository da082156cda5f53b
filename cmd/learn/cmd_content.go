// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/AleutianAI/AleutianLearn/pkg/stream"
	"github.com/AleutianAI/AleutianLearn/pkg/ux"
	"github.com/AleutianAI/AleutianLearn/services/generator"
	"github.com/AleutianAI/AleutianLearn/services/optimistic"
	"github.com/AleutianAI/AleutianLearn/services/syncer"
	"github.com/spf13/cobra"
)

// reportedError marks a failure the user has already been shown through a
// notification, so main only sets the exit code.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// renderNotifications prints and clears the pending notifications. It
// reports whether any error notification was shown.
func renderNotifications(n *optimistic.MemoryNotifier) bool {
	shownError := false
	for _, item := range n.Drain() {
		if item.Level == optimistic.LevelError {
			out.Error(item.Message)
			shownError = true
			continue
		}
		out.Info(item.Message)
	}
	return shownError
}

// finish renders notifications and converts err into a reportedError when
// a notification already explained it.
func finish(stack *clientStack, err error) error {
	if renderNotifications(stack.notifier) && err != nil {
		return reportedError{err: err}
	}
	return err
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	stack, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	id := topicID
	if id == "" {
		id = generator.Slug(args[0])
	}
	req := stream.TopicRequest{
		TopicID:    id,
		Topic:      args[0],
		Language:   language,
		Difficulty: difficulty,
		Expand:     expand,
	}

	progress := ux.NewGenerationProgress(out)
	snap, err := stack.workspace.RequestTopic(ctx, req, progress.Hooks())
	if err != nil {
		return finish(stack, err)
	}
	progress.Summary(snap)
	out.Muted(fmt.Sprintf("Cached as %s", id))

	if syncAfter {
		syncAndReport(ctx, stack, id)
	}
	return finish(stack, nil)
}

func runChapter(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	stack, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	topic, chapter := args[0], args[1]
	progress := ux.NewGenerationProgress(out)
	if entry, ok := stack.cache.Peek(topic); ok {
		if stubs, title, ok := entry.ParagraphStubs(chapter); ok {
			out.Title(title)
			progress.Expect(len(stubs))
		}
	}

	snap, err := stack.workspace.GenerateChapter(ctx, topic, chapter, progress.Hooks())
	if err != nil {
		return finish(stack, err)
	}
	progress.Summary(snap)

	if syncAfter {
		syncAndReport(ctx, stack, topic)
	}
	return finish(stack, nil)
}

func runEdit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stack, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	topic, chapter, unit, text := args[0], args[1], args[2], args[3]
	if err := stack.workspace.SaveParagraph(ctx, topic, chapter, unit, text); err != nil {
		return finish(stack, err)
	}
	out.Success(fmt.Sprintf("Saved %s", unit))

	if syncAfter {
		syncAndReport(ctx, stack, topic)
	}
	return finish(stack, nil)
}

// syncAndReport syncs one topic and prints the outcome. Failures leave the
// topic queued, so they are reported but not returned.
func syncAndReport(ctx context.Context, stack *clientStack, id string) {
	if !stack.monitor.Online() {
		out.Warning("Offline: the topic stays queued and syncs when the store is reachable")
		return
	}
	res, err := stack.workspace.SyncTopic(ctx, id)
	switch {
	case errors.Is(err, syncer.ErrOffline):
		out.Warning("Offline: the topic stays queued and syncs when the store is reachable")
	case err != nil:
		// The notifier already carries the user message.
	default:
		printTopicResult(res)
	}
}

func printTopicResult(res syncer.TopicResult) {
	if res.Deferred {
		out.Info(fmt.Sprintf("%s is still generating; it syncs once the request completes", res.TopicID))
		return
	}
	if res.Err != nil {
		out.Warning(fmt.Sprintf("%s: %d written, %d already stored, %d failed",
			res.TopicID, res.Written, res.Existing, res.Failed))
		return
	}
	out.Success(fmt.Sprintf("%s: %d written, %d already stored",
		res.TopicID, res.Written, res.Existing))
}
