// Package config loads the dispatcher configuration from the environment
// and the tenant registry from YAML.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/queue"
	"github.com/feichai0017/table-dispatcher/pkg/storage"
	"github.com/feichai0017/table-dispatcher/pkg/storage/minio"
	"github.com/feichai0017/table-dispatcher/pkg/storage/s3"
)

type AppConfig struct {
	Server   ServerConfig   `envPrefix:"SERVER_"`
	Worker   WorkerConfig   `envPrefix:"WORKER_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Queue    QueueConfig    `envPrefix:"QUEUE_"`
	Dispatch DispatchConfig `envPrefix:"DISPATCH_"`
	Log      LogConfig      `envPrefix:"LOG_"`
	Storage  StorageConfig  `envPrefix:"STORAGE_"`
}

type ServerConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowOrigins    []string      `env:"ALLOW_ORIGINS" envSeparator:"," envDefault:"*"`
}

type WorkerConfig struct {
	Concurrency     int           `env:"CONCURRENCY" envDefault:"10"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9091"`
	RetryDelay      time.Duration `env:"RETRY_DELAY" envDefault:"1m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type QueueConfig struct {
	MaxRetry int `env:"MAX_RETRY" envDefault:"3"`
	// Timeout must exceed DISPATCH_STATEMENT_TIMEOUT.
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"20m"`
	UniqueTTL time.Duration `env:"UNIQUE_TTL" envDefault:"0s"`
	StatusTTL time.Duration `env:"STATUS_TTL" envDefault:"24h"`
}

type DispatchConfig struct {
	TenantFile       string        `env:"TENANT_FILE" envDefault:"tenants.yaml"`
	StatementTimeout time.Duration `env:"STATEMENT_TIMEOUT" envDefault:"1000s"`
	MaxOpenConns     int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	ScanCron         string        `env:"SCAN_CRON" envDefault:"0 */5 * * * *"`
	SweepCron        string        `env:"SWEEP_CRON" envDefault:"0 0 2 * * *"`
	LeafDenylist     []string      `env:"LEAF_DENYLIST" envSeparator:"," envDefault:"indicatorwarehouse"`
	HistoryLimit     int           `env:"HISTORY_LIMIT" envDefault:"9"`
	CallbackTimeout  time.Duration `env:"CALLBACK_TIMEOUT" envDefault:"10s"`
	MaxCascade       int           `env:"MAX_CASCADE" envDefault:"8"`
}

type LogConfig struct {
	Level    string   `env:"LEVEL" envDefault:"info"`
	Encoding string   `env:"ENCODING" envDefault:"json"`
	Outputs  []string `env:"OUTPUTS" envSeparator:"," envDefault:"stdout"`
	// Rotation of file outputs.
	MaxSizeMB  int  `env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int  `env:"MAX_BACKUPS" envDefault:"3"`
	MaxAgeDays int  `env:"MAX_AGE_DAYS" envDefault:"7"`
	Compress   bool `env:"COMPRESS" envDefault:"true"`
}

// Rotation maps the file rotation settings onto the logger.
func (l LogConfig) Rotation() logger.Rotation {
	return logger.Rotation{
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

type StorageConfig struct {
	// Type is s3, minio or empty to disable report archiving.
	Type            string        `env:"TYPE"`
	BucketName      string        `env:"BUCKET_NAME" envDefault:"dispatcher-reports"`
	Endpoint        string        `env:"ENDPOINT"`
	Region          string        `env:"REGION" envDefault:"us-east-1"`
	AccessKey       string        `env:"ACCESS_KEY"`
	SecretKey       string        `env:"SECRET_KEY"`
	UseSSL          bool          `env:"USE_SSL" envDefault:"false"`
	Prefix          string        `env:"PREFIX" envDefault:"reports/"`
	ReportRetention time.Duration `env:"REPORT_RETENTION" envDefault:"720h"`
}

// Load reads envPath if it exists and parses the environment.
func Load(envPath string) (*AppConfig, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
			}
			log.Printf("Warning: .env file not found at %s, falling back to environment variables", envPath)
		}
	}

	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.Queue.Timeout <= c.Dispatch.StatementTimeout {
		return fmt.Errorf("QUEUE_TIMEOUT (%s) must exceed DISPATCH_STATEMENT_TIMEOUT (%s)",
			c.Queue.Timeout, c.Dispatch.StatementTimeout)
	}
	if c.Dispatch.HistoryLimit < 1 {
		return fmt.Errorf("DISPATCH_HISTORY_LIMIT must be positive, got %d", c.Dispatch.HistoryLimit)
	}
	switch storage.StorageType(c.Storage.Type) {
	case storage.StorageTypeNone, storage.StorageTypeS3, storage.StorageTypeMinio:
	default:
		return fmt.Errorf("unsupported STORAGE_TYPE %q", c.Storage.Type)
	}
	return nil
}

// QueueConfig returns the settings of the job queue client.
func (c *AppConfig) QueueConfig() *queue.QueueConfig {
	return &queue.QueueConfig{
		RedisAddr:      c.Redis.Addr,
		RedisPassword:  c.Redis.Password,
		RedisDB:        c.Redis.DB,
		MaxRetries:     c.Queue.MaxRetry,
		ProcessTimeout: c.Queue.Timeout,
		UniqueTTL:      c.Queue.UniqueTTL,
		StatusTTL:      c.Queue.StatusTTL,
	}
}

// StorageConfig returns the report archive settings.
func (c *AppConfig) StorageConfig() storage.Config {
	s := c.Storage
	return storage.Config{
		Type: storage.StorageType(s.Type),
		S3: s3.Config{
			BucketName: s.BucketName,
			Region:     s.Region,
			Endpoint:   s.Endpoint,
			AccessKey:  s.AccessKey,
			SecretKey:  s.SecretKey,
			Prefix:     s.Prefix,
		},
		Minio: minio.Config{
			AccessKey:  s.AccessKey,
			SecretKey:  s.SecretKey,
			Endpoint:   s.Endpoint,
			UseSSL:     s.UseSSL,
			Region:     s.Region,
			BucketName: s.BucketName,
			Prefix:     s.Prefix,
		},
	}
}
