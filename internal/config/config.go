// Package config loads harvester settings from the environment, optional
// .env files and a YAML credentials file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendSurreal  = "surreal"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Config holds all configuration values.
type Config struct {
	// Storage
	Backend     string
	DatabaseURL string
	SQLitePath  string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Provider client
	UserAgent         string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	MaxRetries        int
	MetadataPrefix    string
	IgnoreDeleted     bool
	CredentialsFile   string

	// Scheduler
	Schedule    string
	Concurrency int
	MetricsAddr string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables after loading .env
// files. Variables already set in the environment win over the files.
func Load() (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}

	rps, err := getEnvFloat("IGSNH_REQUESTS_PER_SECOND", 1)
	if err != nil {
		return Config{}, err
	}
	timeout, err := getEnvDuration("IGSNH_REQUEST_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	retries, err := getEnvInt("IGSNH_MAX_RETRIES", 5)
	if err != nil {
		return Config{}, err
	}
	concurrency, err := getEnvInt("IGSNH_CONCURRENCY", 4)
	if err != nil {
		return Config{}, err
	}
	ignoreDeleted, err := getEnvBool("IGSNH_IGNORE_DELETED", true)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Backend:     strings.ToLower(getEnv("IGSNH_BACKEND", BackendSQLite)),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/igsnh?sslmode=disable"),
		SQLitePath:  getEnv("IGSNH_SQLITE_PATH", "igsnh.db"),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "igsn"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "harvest"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		UserAgent:         getEnv("IGSNH_USER_AGENT", ""),
		RequestsPerSecond: rps,
		RequestTimeout:    timeout,
		MaxRetries:        retries,
		MetadataPrefix:    getEnv("IGSNH_METADATA_PREFIX", "igsn"),
		IgnoreDeleted:     ignoreDeleted,
		CredentialsFile:   getEnv("IGSNH_CREDENTIALS_FILE", ""),

		Schedule:    getEnv("IGSNH_SCHEDULE", "@hourly"),
		Concurrency: concurrency,
		MetricsAddr: getEnv("IGSNH_METRICS_ADDR", ":9090"),

		LogFile:  getEnv("IGSNH_LOG_FILE", "/tmp/igsnh.log"),
		LogLevel: parseLogLevel(getEnv("IGSNH_LOG_LEVEL", "INFO")),
	}, nil
}

// loadEnvFiles loads .env.local, then .env. Missing files are ignored.
func loadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
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
