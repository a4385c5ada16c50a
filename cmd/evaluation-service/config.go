package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codalab/internal/common/cache"
	"codalab/internal/common/db"
	"codalab/internal/common/mq"
	"codalab/internal/common/storage"
	"codalab/internal/evaluation/notify"
	"codalab/internal/evaluation/repository"
	"codalab/internal/evaluation/service"
	"codalab/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultContainerName   = "compute_worker"
	defaultMetricsPath     = "/metrics"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	MetricsPath  string        `yaml:"metricsPath"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// TopicsConfig names the queues the pipeline talks over.
type TopicsConfig struct {
	Jobs     string `yaml:"jobs"`
	Compute  string `yaml:"compute"`
	Response string `yaml:"response"`
}

// EvaluationConfig holds pipeline settings.
type EvaluationConfig struct {
	ContainerName      string        `yaml:"containerName"`
	SiteURL            string        `yaml:"siteURL"`
	FromEmail          string        `yaml:"fromEmail"`
	ChainFailurePolicy string        `yaml:"chainFailurePolicy"`
	ScoreParsePolicy   string        `yaml:"scoreParsePolicy"`
	LockTTL            time.Duration `yaml:"lockTTL"`
	LockWait           time.Duration `yaml:"lockWait"`
	LockRenew          time.Duration `yaml:"lockRenew"`
}

// WatchdogConfig holds stale submission sweeper settings.
type WatchdogConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"staleAfter"`
	BatchSize  int           `yaml:"batchSize"`
}

// AppConfig holds evaluation-service config.
type AppConfig struct {
	Server     ServerConfig        `yaml:"server"`
	Logger     logger.Config       `yaml:"logger"`
	Kafka      KafkaConfig         `yaml:"kafka"`
	Topics     TopicsConfig        `yaml:"topics"`
	Database   db.MySQLConfig      `yaml:"database"`
	Redis      cache.RedisConfig   `yaml:"redis"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	SMTP       notify.SMTPConfig   `yaml:"smtp"`
	Evaluation EvaluationConfig    `yaml:"evaluation"`
	Watchdog   WatchdogConfig      `yaml:"watchdog"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if cfg.MinIO.Bucket == "" {
		return fmt.Errorf("minio bucket is required")
	}
	applyRedisDefaults(&cfg.Redis)
	applyMySQLDefaults(&cfg.Database)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = defaultMetricsPath
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}

	if cfg.Topics.Jobs == "" {
		cfg.Topics.Jobs = "evaluation.jobs"
	}
	if cfg.Topics.Compute == "" {
		cfg.Topics.Compute = "compute"
	}
	if cfg.Topics.Response == "" {
		cfg.Topics.Response = "response"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "evaluation-service"
	}

	if cfg.Evaluation.ContainerName == "" {
		cfg.Evaluation.ContainerName = defaultContainerName
	}
	cfg.Evaluation.SiteURL = strings.TrimRight(cfg.Evaluation.SiteURL, "/")
	if cfg.Evaluation.ChainFailurePolicy == "" {
		cfg.Evaluation.ChainFailurePolicy = string(service.ChainFailureLog)
	}
	switch service.ChainFailurePolicy(cfg.Evaluation.ChainFailurePolicy) {
	case service.ChainFailureLog, service.ChainFailureFail:
	default:
		return fmt.Errorf("unknown chain failure policy %q", cfg.Evaluation.ChainFailurePolicy)
	}
	if cfg.Evaluation.ScoreParsePolicy == "" {
		cfg.Evaluation.ScoreParsePolicy = string(service.ScoreParseFailFast)
	}
	switch service.ScoreParsePolicy(cfg.Evaluation.ScoreParsePolicy) {
	case service.ScoreParseFailFast, service.ScoreParseSkip:
	default:
		return fmt.Errorf("unknown score parse policy %q", cfg.Evaluation.ScoreParsePolicy)
	}
	if cfg.Evaluation.FromEmail == "" {
		cfg.Evaluation.FromEmail = cfg.SMTP.From
	}

	if cfg.Watchdog.Enabled && cfg.Watchdog.StaleAfter <= 0 {
		return fmt.Errorf("watchdog staleAfter is required when the watchdog is enabled")
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func applyMySQLDefaults(cfg *db.MySQLConfig) {
	defaults := db.DefaultMySQLConfig()
	if cfg.MaxOpenConnections == 0 {
		cfg.MaxOpenConnections = defaults.MaxOpenConnections
	}
	if cfg.MaxIdleConnections == 0 {
		cfg.MaxIdleConnections = defaults.MaxIdleConnections
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		GroupPrefix:  k.ConsumerGroup,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
}

func (k KafkaConfig) subscribeOptions(group string) *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   group,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
		MessageTTL:      k.MessageTTL,
	}
}

func (e EvaluationConfig) lockConfig() repository.LockConfig {
	return repository.LockConfig{TTL: e.LockTTL, WaitTimeout: e.LockWait, RenewInterval: e.LockRenew}
}

func (w WatchdogConfig) toServiceConfig() service.WatchdogConfig {
	return service.WatchdogConfig{
		Interval:   w.Interval,
		StaleAfter: w.StaleAfter,
		BatchSize:  w.BatchSize,
	}
}
