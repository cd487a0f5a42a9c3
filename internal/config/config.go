package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds runtime settings. Values come from an optional YAML file
// (CONFIG_FILE) and are then overridden by environment variables.
type AppConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// StoreDriver selects the inventory/ledger backend: mysql or memory.
	StoreDriver     string        `yaml:"store_driver"`
	MySQLDSN        string        `yaml:"mysql_dsn"`
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`

	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// AuditSink selects where audit entries go: log, gorm or redis.
	AuditSink             string `yaml:"audit_sink"`
	AuditDBDriver         string `yaml:"audit_db_driver"`
	AuditDBDSN            string `yaml:"audit_db_dsn"`
	AuditQueueSize        int    `yaml:"audit_queue_size"`
	AuditDeliveryAttempts int    `yaml:"audit_delivery_attempts"`

	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	AuditStream string `yaml:"audit_stream"`
	// AuditStreamMaxLen trims the audit stream to about this many entries.
	// Zero keeps every entry.
	AuditStreamMaxLen int    `yaml:"audit_stream_max_len"`
	AuditGroup        string `yaml:"audit_group"`
	AuditConsumer     string `yaml:"audit_consumer"`

	// Kafka relay is enabled when brokers are set and AuditSink is redis.
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

func Default() AppConfig {
	return AppConfig{
		HTTPAddr:              ":8080",
		GRPCAddr:              ":50051",
		MetricsAddr:           ":9090",
		StoreDriver:           "mysql",
		MySQLDSN:              "root:root@tcp(localhost:3306)/fulfillment?parseTime=true",
		LockWaitTimeout:       5 * time.Second,
		MaxRetries:            3,
		RetryBackoff:          20 * time.Millisecond,
		AuditSink:             "log",
		AuditDBDriver:         "sqlite",
		AuditDBDSN:            "audit.db",
		AuditQueueSize:        4096,
		AuditDeliveryAttempts: 5,
		RedisAddr:             "localhost:6379",
		AuditStream:           "fulfillment:audit",
		AuditGroup:            "fulfillment-audit-relay",
		AuditConsumer:         "relay-1",
		KafkaTopic:            "fulfillment-audit",
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// Load reads and validates the configuration, falling back to defaults.
func Load() (AppConfig, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getEnv("GRPC_ADDR", cfg.GRPCAddr)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.MySQLDSN = getEnv("MYSQL_DSN", cfg.MySQLDSN)
	cfg.AuditSink = getEnv("AUDIT_SINK", cfg.AuditSink)
	cfg.AuditDBDriver = getEnv("AUDIT_DB_DRIVER", cfg.AuditDBDriver)
	cfg.AuditDBDSN = getEnv("AUDIT_DB_DSN", cfg.AuditDBDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.AuditStream = getEnv("AUDIT_STREAM", cfg.AuditStream)
	cfg.AuditGroup = getEnv("AUDIT_GROUP", cfg.AuditGroup)
	cfg.AuditConsumer = getEnv("AUDIT_CONSUMER", cfg.AuditConsumer)
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", cfg.JaegerEndpoint)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = splitCSV(brokers)
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.MaxRetries, err = getEnvInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return AppConfig{}, fmt.Errorf("invalid MAX_RETRIES: %w", err)
	}
	if cfg.AuditQueueSize, err = getEnvInt("AUDIT_QUEUE_SIZE", cfg.AuditQueueSize); err != nil {
		return AppConfig{}, fmt.Errorf("invalid AUDIT_QUEUE_SIZE: %w", err)
	}
	if cfg.AuditDeliveryAttempts, err = getEnvInt("AUDIT_DELIVERY_ATTEMPTS", cfg.AuditDeliveryAttempts); err != nil {
		return AppConfig{}, fmt.Errorf("invalid AUDIT_DELIVERY_ATTEMPTS: %w", err)
	}
	if cfg.AuditStreamMaxLen, err = getEnvInt("AUDIT_STREAM_MAXLEN", cfg.AuditStreamMaxLen); err != nil {
		return AppConfig{}, fmt.Errorf("invalid AUDIT_STREAM_MAXLEN: %w", err)
	}
	backoffMS, err := getEnvInt("RETRY_BACKOFF_MS", int(cfg.RetryBackoff/time.Millisecond))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RETRY_BACKOFF_MS: %w", err)
	}
	cfg.RetryBackoff = time.Duration(backoffMS) * time.Millisecond
	if v := getEnv("LOCK_WAIT_TIMEOUT", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid LOCK_WAIT_TIMEOUT: %w", err)
		}
		cfg.LockWaitTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	switch c.StoreDriver {
	case "mysql":
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN must not be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be mysql or memory, got %q", c.StoreDriver)
	}
	switch c.AuditSink {
	case "log", "redis":
	case "gorm":
		if c.AuditDBDriver != "sqlite" && c.AuditDBDriver != "mysql" {
			return fmt.Errorf("AUDIT_DB_DRIVER must be sqlite or mysql, got %q", c.AuditDBDriver)
		}
	default:
		return fmt.Errorf("AUDIT_SINK must be log, gorm or redis, got %q", c.AuditSink)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("RETRY_BACKOFF_MS must be >= 0")
	}
	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("LOCK_WAIT_TIMEOUT must be > 0")
	}
	if c.AuditQueueSize <= 0 {
		return fmt.Errorf("AUDIT_QUEUE_SIZE must be > 0")
	}
	if c.AuditDeliveryAttempts <= 0 {
		return fmt.Errorf("AUDIT_DELIVERY_ATTEMPTS must be > 0")
	}
	if c.AuditStreamMaxLen < 0 {
		return fmt.Errorf("AUDIT_STREAM_MAXLEN must be >= 0")
	}
	if c.AuditSink == "redis" && c.AuditStream == "" {
		return fmt.Errorf("AUDIT_STREAM must not be empty")
	}
	if c.RelayEnabled() && (c.KafkaTopic == "" || c.AuditGroup == "" || c.AuditConsumer == "") {
		return fmt.Errorf("KAFKA_TOPIC, AUDIT_GROUP and AUDIT_CONSUMER are required for the kafka relay")
	}
	return nil
}

func (c AppConfig) RelayEnabled() bool {
	return c.AuditSink == "redis" && len(c.KafkaBrokers) > 0
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
