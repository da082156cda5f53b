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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianLearn/services/syncer"
	"github.com/spf13/cobra"
)

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	switch {
	case syncTopicID != "":
		if !stack.monitor.Online() {
			out.Warning("Offline: nothing was synced")
			return syncer.ErrOffline
		}
		res, err := stack.workspace.SyncTopic(ctx, syncTopicID)
		if err != nil {
			return finish(stack, err)
		}
		printTopicResult(res)
		return finish(stack, nil)

	case watchSync:
		if err := stack.syncer.Start(ctx); err != nil {
			return err
		}
		out.Info(fmt.Sprintf("Syncing every %s; press Ctrl+C to stop", cfg.Sync.Interval))
		<-ctx.Done()
		stack.syncer.Stop()
		printQueue(stack)
		return nil

	default:
		printPass(stack.syncer.RunNow(ctx))
		printQueue(stack)
		return nil
	}
}

func printPass(res syncer.PassResult) {
	if res.Skipped {
		out.Warning("Offline: the queue was left untouched")
		return
	}
	if res.Topics == 0 {
		out.Success("Nothing to sync")
		return
	}
	msg := fmt.Sprintf("%d/%d topics synced, %d paragraphs written, %d already stored",
		res.TopicsSynced, res.Topics, res.UnitsWritten, res.UnitsExisting)
	if res.TopicsDeferred > 0 {
		msg += fmt.Sprintf(", %d still generating", res.TopicsDeferred)
	}
	if res.TopicsFailed > 0 {
		out.Warning(fmt.Sprintf("%s, %d failed and stay queued", msg, res.UnitsFailed))
		return
	}
	out.Success(msg)
	out.Muted(fmt.Sprintf("took %s", res.Duration().Round(time.Millisecond)))
}

func printQueue(stack *clientStack) {
	for _, item := range stack.cache.Queue() {
		cols := []string{item.TopicID, string(item.State), fmt.Sprintf("attempts=%d", item.Attempts)}
		if item.LastError != "" {
			cols = append(cols, item.LastError)
		}
		out.Row(cols...)
	}
}
