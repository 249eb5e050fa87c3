package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/defiscore/service/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"SERVER_ADDR",
	"METRICS_ADDR",
	"LOG_LEVEL",
	"MAX_UPLOAD_BYTES",
	"DATABASE_URL",
	"NATS_URL",
	"TEMPORAL_HOST",
	"TEMPORAL_NAMESPACE",
	"TEMPORAL_TASK_QUEUE",
	"SCORING_CLUSTERS",
	"SCORING_SEED",
	"SCORING_CLUSTER_ORDER",
	"AGGREGATION_WORKERS",
	"DEFISCORE_DOTENV_TEST",
}

// clearEnv unsets every key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		} else {
			t.Cleanup(func() { os.Unsetenv(k) })
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(DefaultMaxUploadBytes), cfg.MaxUploadBytes)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, "localhost:7233", cfg.TemporalHost)
	assert.Equal(t, "default", cfg.TemporalNamespace)
	assert.Equal(t, "defiscore-scoring", cfg.TemporalTaskQueue)
	assert.Equal(t, 5, cfg.ScoringClusters)
	assert.Equal(t, int64(42), cfg.ScoringSeed)
	assert.Equal(t, scoring.OrderIndex, cfg.ScoringOrder)
	assert.Equal(t, 8, cfg.AggregationWorkers)
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("SCORING_CLUSTERS", "3")
	t.Setenv("SCORING_SEED", "7")
	t.Setenv("SCORING_CLUSTER_ORDER", "repayment")
	t.Setenv("AGGREGATION_WORKERS", "2")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.Equal(t, 2, cfg.AggregationWorkers)

	p := cfg.ScoringPolicy()
	assert.Equal(t, 3, p.KMeans.Clusters)
	assert.Equal(t, int64(7), p.KMeans.Seed)
	assert.Equal(t, scoring.OrderRepayment, p.Order)
	assert.Equal(t, scoring.DefaultPolicy().Weights, p.Weights)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "non-integer cluster count",
			env:     map[string]string{"SCORING_CLUSTERS": "five"},
			wantErr: "SCORING_CLUSTERS: invalid integer",
		},
		{
			name:    "non-integer seed",
			env:     map[string]string{"SCORING_SEED": "x"},
			wantErr: "SCORING_SEED: invalid integer",
		},
		{
			name:    "more clusters than multipliers",
			env:     map[string]string{"SCORING_CLUSTERS": "9"},
			wantErr: "need a multiplier for each of 9 clusters",
		},
		{
			name:    "zero clusters",
			env:     map[string]string{"SCORING_CLUSTERS": "0"},
			wantErr: "cluster count must be at least 1",
		},
		{
			name:    "negative clusters",
			env:     map[string]string{"SCORING_CLUSTERS": "-2"},
			wantErr: "cluster count must be at least 1",
		},
		{
			name:    "unknown order",
			env:     map[string]string{"SCORING_CLUSTER_ORDER": "size"},
			wantErr: "unknown cluster order",
		},
		{
			name:    "zero workers",
			env:     map[string]string{"AGGREGATION_WORKERS": "0"},
			wantErr: "AggregationWorkers must be at least 1",
		},
		{
			name:    "negative upload limit",
			env:     map[string]string{"MAX_UPLOAD_BYTES": "-1"},
			wantErr: "MaxUploadBytes must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCORING_CLUSTERS", "a")
	t.Setenv("AGGREGATION_WORKERS", "b")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCORING_CLUSTERS")
	assert.Contains(t, err.Error(), "AGGREGATION_WORKERS")
}

func TestMustLoad_Panics(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCORING_CLUSTERS", "nope")

	assert.Panics(t, func() { MustLoad() })
}

func TestValidate(t *testing.T) {
	valid := Config{
		ServerAddr:         ":8080",
		MaxUploadBytes:     DefaultMaxUploadBytes,
		TemporalHost:       "localhost:7233",
		TemporalNamespace:  "default",
		TemporalTaskQueue:  "defiscore-scoring",
		ScoringClusters:    5,
		ScoringSeed:        42,
		ScoringOrder:       scoring.OrderIndex,
		AggregationWorkers: 4,
	}
	require.NoError(t, valid.Validate())

	noClusters := valid
	noClusters.ScoringClusters = 0
	err := noClusters.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster count must be at least 1")

	missing := valid
	missing.TemporalHost = ""
	missing.TemporalTaskQueue = ""
	err = missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TemporalHost is required")
	assert.Contains(t, err.Error(), "TemporalTaskQueue is required")
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DEFISCORE_DOTENV_TEST=from-file\n"), 0o644))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("DEFISCORE_DOTENV_TEST"))

	t.Setenv("DEFISCORE_DOTENV_TEST", "from-env")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("DEFISCORE_DOTENV_TEST"), "existing variables win")

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
