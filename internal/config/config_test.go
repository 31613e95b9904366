package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TXN_API_URL", "https://api.example.com/v1/transactions")
	t.Setenv("GCP_PROJECT", "demo-project")
	t.Setenv("STAGING_BUCKET", "demo-staging")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "finance", cfg.Dataset)
	assert.Equal(t, BackendGCS, cfg.ObjectStore)
	assert.Equal(t, BackendBigQuery, cfg.StateStore)
	assert.Equal(t, "0 2 * * *", cfg.Schedule)
	assert.Equal(t, 24*time.Hour, cfg.LogicalDateLag)
	assert.Equal(t, 4, cfg.MaxParallel)
}

func TestLoadParseErrors(t *testing.T) {
	t.Setenv("TXN_API_URL", "https://api.example.com")
	t.Setenv("MAX_PARALLEL", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_PARALLEL")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			ObjectStore:       BackendMemory,
			StateStore:        BackendMemory,
			Warehouse:         BackendMemory,
			APIURL:            "http://localhost:9000",
			Schedule:          "0 2 * * *",
			MaxParallel:       1,
			MaxConcurrentRuns: 1,
			RunTimeout:        time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid memory setup", func(c *Config) {}, ""},
		{"gcs without bucket", func(c *Config) { c.ObjectStore = BackendGCS }, "STAGING_BUCKET"},
		{"minio without endpoint", func(c *Config) { c.ObjectStore = BackendMinIO; c.StagingBucket = "b" }, "MINIO_ENDPOINT"},
		{"postgres without url", func(c *Config) { c.StateStore = BackendPostgres }, "DATABASE_URL"},
		{"bigquery without project", func(c *Config) { c.Warehouse = BackendBigQuery }, "GCP_PROJECT"},
		{"unknown store", func(c *Config) { c.StateStore = "redis" }, "not supported"},
		{"bad schedule", func(c *Config) { c.Schedule = "every day" }, "SCHEDULE"},
		{"no parallelism", func(c *Config) { c.MaxParallel = 0 }, "MAX_PARALLEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
