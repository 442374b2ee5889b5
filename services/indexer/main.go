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
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/db"
	"github.com/AleutianAI/AleutianEdge/pkg/embed"
	"github.com/AleutianAI/AleutianEdge/pkg/inference"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
	"github.com/AleutianAI/AleutianEdge/pkg/objectstore"
	"github.com/AleutianAI/AleutianEdge/pkg/observability"
	"github.com/AleutianAI/AleutianEdge/pkg/tracing"
	"github.com/AleutianAI/AleutianEdge/pkg/vector"
	"github.com/AleutianAI/AleutianEdge/services/indexer/bm25"
	"github.com/AleutianAI/AleutianEdge/services/indexer/chunker"
	"github.com/AleutianAI/AleutianEdge/services/indexer/handlers"
	"github.com/AleutianAI/AleutianEdge/services/indexer/pipeline"
	"github.com/AleutianAI/AleutianEdge/services/indexer/store"
	"github.com/AleutianAI/AleutianEdge/services/indexer/writer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Service: "indexer",
		JSON:    true,
		LogDir:  os.Getenv("LOG_DIR"),
	})
	defer logger.Close()

	shutdownTracer, err := tracing.Init("indexer-service")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	metrics := observability.InitIndexerMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("FATAL: database: %v", err)
	}
	defer pool.Close()

	documents := store.NewDocuments(pool, logger)
	chunks := store.NewChunks(pool, logger)

	vectors, err := vector.New(cfg.Vector.Addr, logger)
	if err != nil {
		log.Fatalf("FATAL: qdrant: %v", err)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx, cfg.Vector.CollectionName, cfg.Vector.VectorSize); err != nil {
		log.Fatalf("FATAL: vector collection: %v", err)
	}

	objects, err := objectstore.New(ctx, cfg.ObjectStore, logger)
	if err != nil {
		log.Fatalf("FATAL: object store: %v", err)
	}

	keyword, err := bm25.Open(cfg.Indexer.BM25IndexPath, logger)
	if err != nil {
		log.Fatalf("FATAL: bm25 index: %v", err)
	}

	cache, err := pipeline.OpenScanCache(cfg.Indexer.ScanCachePath, logger)
	if err != nil {
		log.Fatalf("FATAL: scan cache: %v", err)
	}
	defer cache.Close()

	embedder := embed.New(cfg.Embedding, logger)

	// The analyzer is optional twice over: the flag can be off, and the
	// inference backend may simply not be running on this appliance.
	var analyzer *pipeline.Analyzer
	if cfg.Indexer.AIAnalysisEnabled {
		if llm, err := inference.New(cfg.Inference, logger); err != nil {
			logger.Warn("inference backend unavailable, falling back to term-frequency topics",
				"error", err)
		} else {
			analyzer = pipeline.NewAnalyzer(llm, logger)
		}
	}

	docWriter := writer.New(writer.Config{
		Collection:          cfg.Vector.CollectionName,
		SimilarityEnabled:   cfg.Indexer.SimilarityLinkingEnabled,
		SimilarityThreshold: cfg.Indexer.SimilarityThreshold,
	}, chunker.New(chunker.Config{
		ParentSize:   cfg.Indexer.ParentChunkSize,
		ChildSize:    cfg.Indexer.ChildChunkSize,
		ChildOverlap: cfg.Indexer.ChildChunkOverlap,
	}), chunks, vectors, embedder, keyword, logger, metrics)

	ingest := pipeline.New(pipeline.Config{
		ScanInterval:   cfg.Indexer.ScanInterval,
		MaxSizeBytes:   cfg.Indexer.MaxSizeMB * 1024 * 1024,
		AIAnalysis:     analyzer != nil,
		EmbeddingModel: cfg.Embedding.ModelName,
	}, objects, documents, docWriter, pipeline.NewExtractor(nil, logger),
		analyzer, cache, logger, metrics)

	router := gin.Default()
	router.Use(otelgin.Middleware("indexer-service"))
	router.GET("/metrics/prometheus", gin.WrapH(promhttp.Handler()))
	handlers.New(cfg.Vector.CollectionName, documents, chunks, ingest,
		keyword, vectors, embedder).Register(router)

	srv := &http.Server{Addr: ":" + cfg.Indexer.Port, Handler: router}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ingest.Run(groupCtx) })
	group.Go(func() error {
		logger.Info("indexer listening", "port", cfg.Indexer.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer exited", "error", err)
	}
	if shutdownTracer != nil {
		shutdownTracer(context.Background())
	}
	logger.Info("indexer stopped")
}
