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
	"os"

	"github.com/AleutianAI/AleutianLearn/cmd/learn/config"
	"github.com/AleutianAI/AleutianLearn/pkg/apperr"
	"github.com/AleutianAI/AleutianLearn/pkg/logging"
	"github.com/AleutianAI/AleutianLearn/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	outputMode string

	topicID      string
	expand       bool
	difficulty   string
	language     string
	syncAfter    bool
	syncTopicID  string
	watchSync    bool
	purgeConfirm bool

	cfg       config.LearnConfig
	appLogger *logging.Logger
	out       *ux.Printer

	rootCmd = &cobra.Command{
		Use:   "learn",
		Short: "Generate, cache and sync structured learning content",
		Long: `learn streams topic outlines and paragraphs from a generation server,
keeps them in a local cache that works offline, and reconciles the cache
with a durable store when connectivity allows.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if appLogger != nil {
				_ = appLogger.Close()
			}
		},
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the generation server that streams topics over SSE",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Content ---
	generateCmd = &cobra.Command{
		Use:     "generate [topic]",
		Short:   "Generate a topic outline and cache it locally",
		Aliases: []string{"gen"},
		Args:    cobra.ExactArgs(1),
		RunE:    runGenerate, // Defined in cmd_content.go
	}
	chapterCmd = &cobra.Command{
		Use:   "chapter [topic-id] [chapter-id]",
		Short: "Generate the paragraphs of one cached chapter",
		Args:  cobra.ExactArgs(2),
		RunE:  runChapter,
	}
	editCmd = &cobra.Command{
		Use:   "edit [topic-id] [chapter-id] [paragraph-id] [text]",
		Short: "Replace the text of one cached paragraph",
		Args:  cobra.ExactArgs(4),
		RunE:  runEdit,
	}

	// --- Sync ---
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local cache with the durable store",
		Args:  cobra.NoArgs,
		RunE:  runSync, // Defined in cmd_sync.go
	}

	// --- Cache ---
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the local content cache",
	}
	cacheListCmd = &cobra.Command{
		Use:     "list",
		Short:   "List cached topics",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE:    runCacheList, // Defined in cmd_cache.go
	}
	cacheShowCmd = &cobra.Command{
		Use:   "show [topic-id]",
		Short: "Print a cached topic",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheShow,
	}
	cacheDiscardCmd = &cobra.Command{
		Use:   "discard [topic-id]",
		Short: "Remove one topic from the cache",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheDiscard,
	}
	cachePurgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Remove every cached topic",
		Args:  cobra.NoArgs,
		RunE:  runCachePurge,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.aleutian-learn/learn.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&outputMode, "output", "", "output style: rich, plain or machine (default: detect)")

	generateCmd.Flags().StringVar(&topicID, "id", "", "topic id (default: derived from the topic)")
	generateCmd.Flags().BoolVar(&expand, "expand", false, "also generate every paragraph")
	generateCmd.Flags().StringVar(&difficulty, "difficulty", "", "beginner, intermediate or advanced")
	generateCmd.Flags().StringVar(&language, "language", "", "content language")
	for _, c := range []*cobra.Command{generateCmd, chapterCmd, editCmd} {
		c.Flags().BoolVar(&syncAfter, "sync", false, "sync the topic to the durable store afterwards")
	}

	syncCmd.Flags().StringVar(&syncTopicID, "topic", "", "sync only this topic, even if it is not queued")
	syncCmd.Flags().BoolVar(&watchSync, "watch", false, "keep syncing in the background until interrupted")

	cachePurgeCmd.Flags().BoolVar(&purgeConfirm, "yes", false, "confirm removal of every cached topic")

	cacheCmd.AddCommand(cacheListCmd, cacheShowCmd, cacheDiscardCmd, cachePurgeCmd)
	rootCmd.AddCommand(serveCmd, generateCmd, chapterCmd, editCmd, syncCmd, cacheCmd)
}

// setup loads the configuration and installs the logger before any command.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	appLogger = logging.Install(logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "learn",
		Format:  logging.Format(cfg.Log.Format),
	}))

	if outputMode != "" {
		out = ux.NewPrinter(os.Stdout, ux.ParseMode(outputMode))
	} else {
		out = ux.Stdout()
	}
	return nil
}

// userMessage hides the cause of classified failures behind their user
// message. Unclassified errors come from the CLI itself and print as is.
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	if apperr.KindOf(err) != apperr.KindUnknown {
		return apperr.UserMessage(err)
	}
	return err.Error()
}
