// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Backend names accepted by OBJECT_STORE, STATE_STORE and WAREHOUSE.
const (
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendMinIO    = "minio"
	BackendBigQuery = "bigquery"
	BackendPostgres = "postgres"
)

// Config holds everything the daemon and CLI need to wire the pipeline.
type Config struct {
	ProjectID string
	Dataset   string
	Location  string

	ObjectStore   string
	StagingBucket string
	MinIO         MinIOConfig

	StateStore  string
	DatabaseURL string

	Warehouse string

	APIURL     string
	APIToken   string
	APITimeout time.Duration

	// PipelineFile points at a YAML pipeline definition; empty uses the embedded default.
	PipelineFile string

	Schedule          string
	LogicalDateLag    time.Duration
	MaxParallel       int
	MaxConcurrentRuns int
	RunTimeout        time.Duration
	LoadTimeout       time.Duration

	NotionToken      string
	NotionDatabaseID string

	HTTPPort      string
	OperatorToken string

	LogLevel  string
	LogFormat string
}

// MinIOConfig configures the S3-compatible object store backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Load reads the configuration from environment variables and validates it.
func Load() (*Config, error) {
	apiTimeout, err := envDuration("TXN_API_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	lag, err := envDuration("LOGICAL_DATE_LAG", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	maxParallel, err := envInt("MAX_PARALLEL", 4)
	if err != nil {
		return nil, err
	}
	maxRuns, err := envInt("MAX_CONCURRENT_RUNS", 2)
	if err != nil {
		return nil, err
	}
	runTimeout, err := envDuration("RUN_TIMEOUT", 2*time.Hour)
	if err != nil {
		return nil, err
	}
	loadTimeout, err := envDuration("LOAD_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	minioSSL, err := envBool("MINIO_USE_SSL", true)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:     envString("GCP_PROJECT", ""),
		Dataset:       envString("BQ_DATASET", "finance"),
		Location:      envString("BQ_LOCATION", "EU"),
		ObjectStore:   envString("OBJECT_STORE", BackendGCS),
		StagingBucket: envString("STAGING_BUCKET", ""),
		MinIO: MinIOConfig{
			Endpoint:  envString("MINIO_ENDPOINT", ""),
			AccessKey: envString("MINIO_ACCESS_KEY", ""),
			SecretKey: envString("MINIO_SECRET_KEY", ""),
			UseSSL:    minioSSL,
			Region:    envString("MINIO_REGION", ""),
		},
		StateStore:        envString("STATE_STORE", BackendBigQuery),
		DatabaseURL:       envString("DATABASE_URL", ""),
		Warehouse:         envString("WAREHOUSE", BackendBigQuery),
		APIURL:            envString("TXN_API_URL", ""),
		APIToken:          envString("TXN_API_TOKEN", ""),
		APITimeout:        apiTimeout,
		PipelineFile:      envString("PIPELINE_FILE", ""),
		Schedule:          envString("SCHEDULE", "0 2 * * *"),
		LogicalDateLag:    lag,
		MaxParallel:       maxParallel,
		MaxConcurrentRuns: maxRuns,
		RunTimeout:        runTimeout,
		LoadTimeout:       loadTimeout,
		NotionToken:       envString("NOTION_TOKEN", ""),
		NotionDatabaseID:  envString("NOTION_DATABASE_ID", ""),
		HTTPPort:          envString("HTTP_PORT", "8080"),
		OperatorToken:     envString("OPERATOR_TOKEN", ""),
		LogLevel:          envString("LOG_LEVEL", "info"),
		LogFormat:         envString("LOG_FORMAT", "console"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.ObjectStore {
	case BackendMemory:
	case BackendGCS:
		if c.StagingBucket == "" {
			return errors.New("STAGING_BUCKET is required for the gcs object store")
		}
	case BackendMinIO:
		if c.StagingBucket == "" || c.MinIO.Endpoint == "" {
			return errors.New("STAGING_BUCKET and MINIO_ENDPOINT are required for the minio object store")
		}
	default:
		return fmt.Errorf("OBJECT_STORE %q is not supported", c.ObjectStore)
	}

	switch c.StateStore {
	case BackendMemory:
	case BackendBigQuery:
		if c.ProjectID == "" {
			return errors.New("GCP_PROJECT is required for the bigquery state store")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres state store")
		}
	default:
		return fmt.Errorf("STATE_STORE %q is not supported", c.StateStore)
	}

	switch c.Warehouse {
	case BackendMemory:
	case BackendBigQuery:
		if c.ProjectID == "" {
			return errors.New("GCP_PROJECT is required for the bigquery warehouse")
		}
	default:
		return fmt.Errorf("WAREHOUSE %q is not supported", c.Warehouse)
	}

	if c.APIURL == "" {
		return errors.New("TXN_API_URL is required")
	}
	if c.MaxParallel < 1 {
		return errors.New("MAX_PARALLEL must be >= 1")
	}
	if c.MaxConcurrentRuns < 1 {
		return errors.New("MAX_CONCURRENT_RUNS must be >= 1")
	}
	if c.RunTimeout <= 0 {
		return errors.New("RUN_TIMEOUT must be positive")
	}
	if c.LogicalDateLag < 0 {
		return errors.New("LOGICAL_DATE_LAG must be >= 0")
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("SCHEDULE %q: %w", c.Schedule, err)
	}
	return nil
}
