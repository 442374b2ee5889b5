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
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/db"
	"github.com/AleutianAI/AleutianEdge/pkg/embed"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/vector"
	"github.com/AleutianAI/AleutianEdge/services/indexer/migrate"
	"github.com/AleutianAI/AleutianEdge/services/indexer/store"
)

var (
	dryRun         bool
	resume         bool
	skipSwap       bool
	swapOnly       bool
	spacesOnly     bool
	checkpointPath string
	targetName     string

	rootCmd = &cobra.Command{
		Use:   "edgemigrate",
		Short: "Re-embed the document corpus into a new vector collection",
		Long: `edgemigrate copies every indexed chunk into a new Qdrant
collection with freshly computed embeddings, swaps the canonical
collection name over, and re-embeds auxiliary tables. Progress is
checkpointed per batch, so an interrupted run continues with --resume.`,
		RunE: runMigration,
	}
)

func init() {
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would happen without writing")
	rootCmd.Flags().BoolVar(&resume, "resume", false, "continue from an existing checkpoint")
	rootCmd.Flags().BoolVar(&skipSwap, "skip-swap", false, "run chunks and extras but leave the old collection in place")
	rootCmd.Flags().BoolVar(&swapOnly, "swap-only", false, "only swap an already migrated collection")
	rootCmd.Flags().BoolVar(&spacesOnly, "spaces-only", false, "only re-embed the auxiliary tables")
	rootCmd.Flags().StringVar(&checkpointPath, "checkpoint",
		envOr("MIGRATION_CHECKPOINT_PATH", "/var/lib/aleutian-edge/migration-checkpoint.json"),
		"checkpoint file path")
	rootCmd.Flags().StringVar(&targetName, "target", "", "target collection name (default <canonical>_v2)")
	rootCmd.MarkFlagsMutuallyExclusive("swap-only", "spaces-only")
	rootCmd.MarkFlagsMutuallyExclusive("swap-only", "skip-swap")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

// phases maps the flag combination onto the phase subset to run.
func phases() []migrate.Phase {
	switch {
	case swapOnly:
		return []migrate.Phase{migrate.PhaseSwap}
	case spacesOnly:
		return []migrate.Phase{migrate.PhaseExtras}
	case skipSwap:
		return []migrate.Phase{migrate.PhaseChunks, migrate.PhaseExtras}
	default:
		return []migrate.Phase{migrate.PhaseChunks, migrate.PhaseSwap, migrate.PhaseExtras}
	}
}

func runMigration(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Service: "edgemigrate",
		LogDir:  os.Getenv("LOG_DIR"),
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	vectors, err := vector.New(cfg.Vector.Addr, logger)
	if err != nil {
		return fmt.Errorf("connect qdrant: %w", err)
	}
	defer vectors.Close()

	target := targetName
	if target == "" {
		target = cfg.Vector.CollectionName + "_v2"
	}

	migrator := migrate.New(migrate.Config{
		CheckpointPath:   checkpointPath,
		CanonicalName:    cfg.Vector.CollectionName,
		TargetCollection: target,
		VectorSize:       cfg.Vector.VectorSize,
		BatchSize:        cfg.Embedding.BatchSize,
		DryRun:           dryRun,
		Resume:           resume,
	},
		store.NewChunks(pool, logger),
		store.NewDocuments(pool, logger),
		vectors,
		embed.New(cfg.Embedding, logger),
		pool,
		logger,
	)

	return migrator.Run(ctx, phases())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
