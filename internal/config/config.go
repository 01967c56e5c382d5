// Package config loads environment configuration, the targets file and the logger.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Checkpoint backends.
const (
	BackendBadger   = "badger"
	BackendWeaviate = "weaviate"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string
	SurrealDBReconnect int

	// Checkpoint store
	CheckpointBackend string
	BadgerPath        string
	WeaviateURL       string
	WeaviateClass     string

	// Mutation loop
	BatchSize      int
	BatchesPerSec  float64
	MaxBatches     int
	AuditDir       string
	PushgatewayURL string
	TraceExporter  string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "knowledge"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "graph"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),
		SurrealDBReconnect: getEnvInt("SURREALDB_MAX_RECONNECTS", 10),

		CheckpointBackend: strings.ToLower(getEnv("CHECKPOINT_BACKEND", BackendBadger)),
		BadgerPath:        getEnv("CHECKPOINT_BADGER_PATH", "./checkpoints"),
		WeaviateURL:       getEnv("WEAVIATE_URL", "http://localhost:8080"),
		WeaviateClass:     getEnv("WEAVIATE_CLASS", "MutationCheckpoint"),

		BatchSize:      getEnvInt("ENRICH_BATCH_SIZE", 500),
		BatchesPerSec:  getEnvFloat("ENRICH_BATCHES_PER_SECOND", 0),
		MaxBatches:     getEnvInt("ENRICH_MAX_BATCHES", 0),
		AuditDir:       getEnv("ENRICH_AUDIT_DIR", "./audit"),
		PushgatewayURL: getEnv("ENRICH_PUSHGATEWAY_URL", ""),
		TraceExporter:  strings.ToLower(getEnv("ENRICH_TRACE_EXPORTER", "none")),

		LogFile:  getEnv("ENRICH_LOG_FILE", "/tmp/enrich.log"),
		LogLevel: parseLogLevel(getEnv("ENRICH_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
