package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"replydesk"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"replydesk"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	// Worker
	WorkerEnabled      bool          `envconfig:"WORKER_ENABLED" default:"true"`
	WorkerPollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5s"`
	WorkerBatchSize    int           `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	StaleLockThreshold time.Duration `envconfig:"STALE_LOCK_THRESHOLD" default:"15m"`

	// Summary cache
	SummaryCacheTTL     time.Duration `envconfig:"SUMMARY_CACHE_TTL" default:"5s"`
	SummaryCacheEntries int           `envconfig:"SUMMARY_CACHE_ENTRIES" default:"256"`

	// Remote draft/verify service
	AssistURL     string        `envconfig:"ASSIST_URL" default:"http://assist:8000"`
	AssistTimeout time.Duration `envconfig:"ASSIST_TIMEOUT" default:"30s"`

	// Review-platform connector service
	PlatformURL     string        `envconfig:"PLATFORM_URL" default:"http://connector:8010"`
	PlatformTimeout time.Duration `envconfig:"PLATFORM_TIMEOUT" default:"60s"`

	// Server
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	ListMaxLimit  int    `envconfig:"LIST_MAX_LIMIT" default:"100"`
	BulkMaxLimit  int    `envconfig:"BULK_MAX_LIMIT" default:"500"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may come from the shell; a missing .env is not an error.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("%w: WORKER_BATCH_SIZE must be positive", ErrMissingRequired)
	}
	if c.StaleLockThreshold <= 0 {
		return fmt.Errorf("%w: STALE_LOCK_THRESHOLD must be positive", ErrMissingRequired)
	}
	return nil
}
