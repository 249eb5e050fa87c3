package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/brojonat/defiscore/service/scoring"
	"github.com/joho/godotenv"
)

// DefaultMaxUploadBytes bounds the body of a POST /api/v1/score request.
const DefaultMaxUploadBytes = 100 << 20

// Config holds all application configuration loaded from environment variables.
// All fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr     string
	MetricsAddr    string
	LogLevel       string
	MaxUploadBytes int64

	// Database configuration. Empty disables persistence.
	DatabaseURL string

	// NATS configuration. Empty disables score events.
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Scoring configuration
	ScoringClusters    int
	ScoringSeed        int64
	ScoringOrder       scoring.ClusterOrder
	AggregationWorkers int
}

// LoadDotEnv loads variables from the given files (".env" when none are given)
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables and validates all fields.
// Returns an error listing every problem found.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	maxUpload, err := parseInt("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "defiscore-scoring")

	// Scoring configuration
	defaults := scoring.DefaultPolicy()

	clusters, err := parseInt("SCORING_CLUSTERS", defaults.KMeans.Clusters)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.ScoringClusters = clusters

	seed, err := parseInt("SCORING_SEED", int(defaults.KMeans.Seed))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.ScoringSeed = int64(seed)

	cfg.ScoringOrder = scoring.ClusterOrder(getEnvOrDefault("SCORING_CLUSTER_ORDER", string(defaults.Order)))

	workers, err := parseInt("AGGREGATION_WORKERS", 8)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.AggregationWorkers = workers

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}

	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MaxUploadBytes must be positive"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.AggregationWorkers < 1 {
		errs = append(errs, fmt.Errorf("AggregationWorkers must be at least 1"))
	}

	if err := c.ScoringPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// ScoringPolicy returns the default policy with the configured overrides
// applied. The cluster count is always taken from the config.
func (c *Config) ScoringPolicy() scoring.Policy {
	p := scoring.DefaultPolicy()
	p.KMeans.Clusters = c.ScoringClusters
	p.KMeans.Seed = c.ScoringSeed
	if c.ScoringOrder != "" {
		p.Order = c.ScoringOrder
	}
	return p
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
