// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the environment-variable configuration shared by the
// supervisor, the indexer, and the migration CLI.
//
// Every recognized option lives here so the full table is visible in one
// place. All durations are given in seconds in the environment and are
// exposed as time.Duration. Unset options fall back to documented defaults;
// a malformed value is an error rather than a silent default, because a
// typo in a threshold must not weaken the recovery ladder.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full configuration tree for the appliance control plane.
type Config struct {
	Supervisor  SupervisorConfig
	Telemetry   TelemetryConfig
	Disk        DiskConfig
	Indexer     IndexerConfig
	Database    DatabaseConfig
	Vector      VectorConfig
	ObjectStore ObjectStoreConfig
	Inference   InferenceConfig
	Embedding   EmbeddingConfig
	Influx      InfluxConfig
}

// SupervisorConfig drives the self-healing loop and the reboot policy.
type SupervisorConfig struct {
	// Port is the listen port of the supervisor API.
	Port string

	// Interval is T_heal, the period of the self-healing cycle.
	Interval time.Duration `validate:"gte=1s"`

	// Enabled is the master switch of the recovery ladder. When false the
	// loop still samples and logs but never acts.
	Enabled bool

	// RebootEnabled permits Category D host reboots.
	RebootEnabled bool

	// CooldownMinutes is the per-service recovery cooldown window.
	CooldownMinutes int `validate:"gte=1"`

	// HeartbeatPath is the well-known path of the heartbeat JSON file.
	HeartbeatPath string `validate:"required"`

	// HeartbeatMaxAge marks the /health endpoint unhealthy when the
	// heartbeat is older than this.
	HeartbeatMaxAge time.Duration `validate:"gte=1s"`

	// UpdateMarkerPath is the marker file an update installer creates; its
	// presence blocks reboots.
	UpdateMarkerPath string `validate:"required"`

	// DockerLogRoot is the fixed path under which Category C prunes logs
	// older than seven days.
	DockerLogRoot string `validate:"required"`

	// TelemetryUnit is the container restarted when the live metrics
	// sample goes stale past a minute.
	TelemetryUnit string `validate:"required"`
}

// TelemetryConfig drives sampling and persistence cadence.
type TelemetryConfig struct {
	// LiveInterval is T_live, the sampler period.
	LiveInterval time.Duration `validate:"gte=1s"`

	// PersistInterval is T_persist, the database commit cadence.
	PersistInterval time.Duration `validate:"gte=1s"`

	// CleanupInterval is T_cleanup, the retention procedure cadence.
	CleanupInterval time.Duration `validate:"gte=1s"`

	// RetentionDays bounds how long metric rows are kept.
	RetentionDays int `validate:"gte=1"`
}

// DiskConfig is the W1..W4 disk ladder.
type DiskConfig struct {
	WarningPercent  float64 `validate:"gt=0,lte=100"`
	CleanupPercent  float64 `validate:"gt=0,lte=100"`
	CriticalPercent float64 `validate:"gt=0,lte=100"`
	RebootPercent   float64 `validate:"gt=0,lte=100"`
}

// IndexerConfig drives the document ingest pipeline and the chunker.
type IndexerConfig struct {
	// Port is the listen port of the indexer management API.
	Port string

	// ScanInterval is T_scan, the object-store scan period.
	ScanInterval time.Duration `validate:"gte=1s"`

	// MaxSizeMB rejects files strictly larger than this many megabytes.
	MaxSizeMB int64 `validate:"gte=1"`

	// ChunkSize and ChunkOverlap are the legacy single-level parameters,
	// kept recognized for compatibility with older deployments.
	ChunkSize    int `validate:"gte=50"`
	ChunkOverlap int `validate:"gte=0"`

	// ParentChunkSize, ChildChunkSize, ChildChunkOverlap are word budgets
	// of the hierarchical chunker.
	ParentChunkSize   int `validate:"gte=100"`
	ChildChunkSize    int `validate:"gte=50"`
	ChildChunkOverlap int `validate:"gte=0"`

	// AIAnalysisEnabled enables category/summary/topics extraction via the
	// inference backend; when false a TF topic list is derived instead.
	AIAnalysisEnabled bool

	// SimilarityLinkingEnabled enables post-index similar-document rows.
	SimilarityLinkingEnabled bool

	// SimilarityThreshold is the vector score floor for linking.
	SimilarityThreshold float64 `validate:"gt=0,lte=1"`

	// BM25IndexPath is the on-disk keyword index directory.
	BM25IndexPath string `validate:"required"`

	// ScanCachePath is the badger directory for the file-hash fast path.
	ScanCachePath string `validate:"required"`
}

// DatabaseConfig configures the shared Postgres pool.
type DatabaseConfig struct {
	URL              string `validate:"required"`
	MinConns         int    `validate:"gte=1"`
	MaxConns         int    `validate:"gte=1"`
	StatementTimeout time.Duration
}

// VectorConfig configures the Qdrant client and collection.
type VectorConfig struct {
	// Addr is the host:port of the Qdrant gRPC endpoint.
	Addr string `validate:"required"`

	// CollectionName is the canonical (aliasable) collection name.
	CollectionName string `validate:"required"`

	// VectorSize is the embedding dimension used when creating collections.
	VectorSize uint64 `validate:"gte=1"`
}

// ObjectStoreConfig configures the edge-local S3 store.
type ObjectStoreConfig struct {
	Endpoint  string `validate:"required"`
	AccessKey string
	SecretKey string
	Bucket    string `validate:"required"`
	UseSSL    bool
}

// InferenceConfig configures the local LLM backend.
type InferenceConfig struct {
	// Backend selects "ollama" or "openai" (any OpenAI-compatible server).
	Backend string `validate:"oneof=ollama openai"`

	// BaseURL of the inference server.
	BaseURL string

	// Model is the default model tag.
	Model string
}

// EmbeddingConfig configures the embedding server client.
type EmbeddingConfig struct {
	// ServiceURL is the embedding server base URL (exposes /batch_embed).
	ServiceURL string `validate:"required"`

	// BatchSize is how many texts are embedded per request.
	BatchSize int `validate:"gte=1,lte=256"`

	// ModelName tags vector payloads and document rows.
	ModelName string
}

// InfluxConfig is the optional live-sample side sink; empty URL disables it.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Load reads the environment and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Supervisor: SupervisorConfig{
			Port:             getenv("SUPERVISOR_PORT", "12240"),
			Interval:         0,
			Enabled:          getenvBool("SELF_HEALING_ENABLED", true),
			RebootEnabled:    getenvBool("SELF_HEALING_REBOOT_ENABLED", false),
			HeartbeatPath:    getenv("HEARTBEAT_PATH", "/var/run/aleutian-edge/heartbeat.json"),
			UpdateMarkerPath: getenv("UPDATE_MARKER_PATH", "/var/run/aleutian-edge/update-in-progress"),
			DockerLogRoot:    getenv("DOCKER_LOG_ROOT", "/var/lib/docker/containers"),
			TelemetryUnit:    getenv("TELEMETRY_UNIT", "dashboard-backend"),
		},
		Influx: InfluxConfig{
			URL:    os.Getenv("INFLUX_URL"),
			Token:  os.Getenv("INFLUX_TOKEN"),
			Org:    os.Getenv("INFLUX_ORG"),
			Bucket: os.Getenv("INFLUX_BUCKET"),
		},
	}

	var err error
	if cfg.Supervisor.Interval, err = getenvSeconds("SELF_HEALING_INTERVAL", 10); err != nil {
		return nil, err
	}
	if cfg.Supervisor.CooldownMinutes, err = getenvInt("SELF_HEALING_COOLDOWN_MINUTES", 10); err != nil {
		return nil, err
	}
	if cfg.Supervisor.HeartbeatMaxAge, err = getenvSeconds("HEARTBEAT_MAX_AGE", 60); err != nil {
		return nil, err
	}

	if cfg.Telemetry.LiveInterval, err = getenvSeconds("METRICS_INTERVAL_LIVE", 5); err != nil {
		return nil, err
	}
	if cfg.Telemetry.PersistInterval, err = getenvSeconds("METRICS_INTERVAL_PERSIST", 30); err != nil {
		return nil, err
	}
	if cfg.Telemetry.CleanupInterval, err = getenvSeconds("METRICS_INTERVAL_CLEANUP", 3600); err != nil {
		return nil, err
	}
	if cfg.Telemetry.RetentionDays, err = getenvInt("METRICS_RETENTION_DAYS", 30); err != nil {
		return nil, err
	}

	if cfg.Disk.WarningPercent, err = getenvFloat("DISK_WARNING_PERCENT", 80); err != nil {
		return nil, err
	}
	if cfg.Disk.CleanupPercent, err = getenvFloat("DISK_CLEANUP_PERCENT", 90); err != nil {
		return nil, err
	}
	if cfg.Disk.CriticalPercent, err = getenvFloat("DISK_CRITICAL_PERCENT", 95); err != nil {
		return nil, err
	}
	if cfg.Disk.RebootPercent, err = getenvFloat("DISK_REBOOT_PERCENT", 97); err != nil {
		return nil, err
	}

	cfg.Indexer.Port = getenv("INDEXER_PORT", "12250")
	if cfg.Indexer.ScanInterval, err = getenvSeconds("DOCUMENT_INDEXER_INTERVAL", 30); err != nil {
		return nil, err
	}
	if cfg.Indexer.MaxSizeMB, err = getenvInt64("DOCUMENT_MAX_SIZE_MB", 100); err != nil {
		return nil, err
	}
	if cfg.Indexer.ChunkSize, err = getenvInt("DOCUMENT_INDEXER_CHUNK_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.Indexer.ChunkOverlap, err = getenvInt("DOCUMENT_INDEXER_CHUNK_OVERLAP", 100); err != nil {
		return nil, err
	}
	if cfg.Indexer.ParentChunkSize, err = getenvInt("DOCUMENT_INDEXER_PARENT_CHUNK_SIZE", 2000); err != nil {
		return nil, err
	}
	if cfg.Indexer.ChildChunkSize, err = getenvInt("DOCUMENT_INDEXER_CHILD_CHUNK_SIZE", 400); err != nil {
		return nil, err
	}
	if cfg.Indexer.ChildChunkOverlap, err = getenvInt("DOCUMENT_INDEXER_CHILD_CHUNK_OVERLAP", 50); err != nil {
		return nil, err
	}
	cfg.Indexer.AIAnalysisEnabled = getenvBool("AI_ANALYSIS_ENABLED", true)
	cfg.Indexer.SimilarityLinkingEnabled = getenvBool("SIMILARITY_LINKING_ENABLED", true)
	if cfg.Indexer.SimilarityThreshold, err = getenvFloat("SIMILARITY_THRESHOLD", 0.8); err != nil {
		return nil, err
	}
	cfg.Indexer.BM25IndexPath = getenv("BM25_INDEX_PATH", "/var/lib/aleutian-edge/bm25")
	cfg.Indexer.ScanCachePath = getenv("SCAN_CACHE_PATH", "/var/lib/aleutian-edge/scan-cache")

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	if cfg.Database.MinConns, err = getenvInt("DATABASE_MIN_CONNS", 1); err != nil {
		return nil, err
	}
	if cfg.Database.MaxConns, err = getenvInt("DATABASE_MAX_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.Database.StatementTimeout, err = getenvSeconds("DATABASE_STATEMENT_TIMEOUT", 30); err != nil {
		return nil, err
	}

	cfg.Vector.Addr = getenv("QDRANT_ADDR", "localhost:6334")
	cfg.Vector.CollectionName = getenv("QDRANT_COLLECTION_NAME", "edge_documents")
	var vecSize int64
	if vecSize, err = getenvInt64("EMBEDDING_VECTOR_SIZE", 768); err != nil {
		return nil, err
	}
	cfg.Vector.VectorSize = uint64(vecSize)

	cfg.ObjectStore.Endpoint = getenv("MINIO_ENDPOINT", "localhost:9000")
	cfg.ObjectStore.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	cfg.ObjectStore.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	cfg.ObjectStore.Bucket = getenv("MINIO_BUCKET", "documents")
	cfg.ObjectStore.UseSSL = getenvBool("MINIO_USE_SSL", false)

	cfg.Inference.Backend = getenv("LLM_BACKEND_TYPE", "ollama")
	cfg.Inference.BaseURL = getenv("OLLAMA_BASE_URL", "http://localhost:11434")
	cfg.Inference.Model = os.Getenv("OLLAMA_MODEL")

	cfg.Embedding.ServiceURL = getenv("EMBEDDING_SERVICE_URL", "http://localhost:12220")
	if cfg.Embedding.BatchSize, err = getenvInt("EMBEDDING_BATCH_SIZE", 16); err != nil {
		return nil, err
	}
	cfg.Embedding.ModelName = getenv("EMBEDDING_MODEL_NAME", "google/embeddinggemma-300m")

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Database.MinConns > cfg.Database.MaxConns {
		return nil, fmt.Errorf("DATABASE_MIN_CONNS (%d) exceeds DATABASE_MAX_CONNS (%d)",
			cfg.Database.MinConns, cfg.Database.MaxConns)
	}
	if cfg.Indexer.ChildChunkSize >= cfg.Indexer.ParentChunkSize {
		return nil, fmt.Errorf("child chunk size (%d) must be below parent chunk size (%d)",
			cfg.Indexer.ChildChunkSize, cfg.Indexer.ParentChunkSize)
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	case "0", "false", "FALSE", "False", "no", "off":
		return false
	default:
		return fallback
	}
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func getenvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func getenvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

// getenvSeconds reads an integer number of seconds.
func getenvSeconds(key string, fallback int) (time.Duration, error) {
	n, err := getenvInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
