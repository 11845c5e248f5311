// Package config loads the auditor configuration from the environment.
package config

import (
	"context"
	"log"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Source   SourceConfig   `env:", prefix=SOURCE_"`
	Lake     LakeConfig     `env:", prefix=LAKE_"`
	Registry RegistryConfig `env:", prefix=REGISTRY_"`
	Checks   ChecksConfig   `env:", prefix=CHECKS_"`
	Pool     PoolConfig     `env:", prefix=POOL_"`
	Catalog  CatalogConfig  `env:", prefix=CATALOG_"`
	Metrics  MetricsConfig  `env:", prefix=METRICS_"`
	Log      LogConfig      `env:", prefix=LOG_"`

	// DatasetsPath points at the dataset schema YAML. Empty means the
	// built-in defaults.
	DatasetsPath string `env:"DATASETS_CONFIG"`
}

type SourceConfig struct {
	// Name of the vendor whose lake slice is audited, e.g. "binance".
	Name string `env:"NAME, default=binance"`

	// Datasets to audit. Empty means every dataset in the schema catalog.
	Datasets []string `env:"DATASETS"`

	// Symbols to audit per dataset.
	Symbols []string `env:"SYMBOLS"`
}

type LakeConfig struct {
	Backend  string `env:"BACKEND, default=local"`
	LocalDir string `env:"LOCAL_DIR, default=./data"`

	GCSBucket string `env:"GCS_BUCKET"`

	S3Bucket   string `env:"S3_BUCKET"`
	S3Region   string `env:"S3_REGION, default=us-east-1"`
	S3Endpoint string `env:"S3_ENDPOINT"`

	Prefix string `env:"PREFIX"`
}

type RegistryConfig struct {
	// Dir holds the per-source failure documents and quality states.
	Dir string `env:"DIR, default=./state"`
}

type ChecksConfig struct {
	GapThreshold  time.Duration `env:"GAP_THRESHOLD, default=60s"`
	NullThreshold float64       `env:"NULL_THRESHOLD, default=0"`
}

type PoolConfig struct {
	Workers             int           `env:"WORKERS, default=4"`
	QueueSize           int           `env:"QUEUE_SIZE, default=8"`
	MaxDownloadAttempts int           `env:"MAX_DOWNLOAD_ATTEMPTS, default=3"`
	DownloadBackoff     time.Duration `env:"DOWNLOAD_BACKOFF, default=1s"`
}

type CatalogConfig struct {
	PostgresDSN string `env:"DSN"`
	Namespace   string `env:"NAMESPACE, default=default"`
}

type MetricsConfig struct {
	Enabled bool   `env:"ENABLED"`
	Address string `env:"ADDRESS, default=:9090"`
}

type LogConfig struct {
	Format string `env:"FORMAT, default=text"`
	Level  string `env:"LEVEL, default=info"`
}

// Load populates a Config from the process environment.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad is Load for main: any error is fatal.
func MustLoad(ctx context.Context) Config {
	cfg, err := Load(ctx)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}
