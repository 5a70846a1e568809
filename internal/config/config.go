package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rayjennings3rd/paige-ai/common/config"
	"github.com/rayjennings3rd/paige-ai/internal/ingest"
)

// Config 血糖对账服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 患者键派生密钥（必填）
	HashKey string

	// 每日文件来源
	Source struct {
		Mode           string // "http" 或 "file"
		BaseURL        string // http 模式；默认由 S3_BUCKET 推导
		Dir            string // file 模式
		FilePattern    string // %s = YYYY-MM-DD
		Encoding       string // utf-8 / iso-8859-1
		TimeoutSeconds int
		RetryCount     int
	}

	// 读数有效范围（mg/dL）
	Validation struct {
		MinMgdl float64
		MaxMgdl float64
	}

	Reconcile struct {
		LateWindowDays int
		WorkerCount    int
		SweepPageSize  int
		SweepMaxPages  int
	}

	Store struct {
		Backend        string // "postgres" 或 "memory"
		TimeoutSeconds int    // 单次存储操作超时
		MaxRetries     int
		RetryBackoffMs int
	}

	Lock struct {
		Mode       string // "redis" 或 "local"
		TTLSeconds int
	}

	Notify struct {
		Mode          string // "stream"、"mqtt" 或 "none"
		RunStream     string
		AnomalyStream string
		RunTopic      string
		AnomalyTopic  string
	}

	Schedule struct {
		Mode string // "once" 或 "daily"
		Hour int    // daily 模式下每天运行的整点
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "glucose"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnectTimeout = 10
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "glucose-reconciler"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.HashKey = os.Getenv("HASH_KEY")

	cfg.Source.Mode = getEnv("SOURCE_MODE", "http")
	cfg.Source.BaseURL = getEnv("SOURCE_BASE_URL", "")
	if cfg.Source.BaseURL == "" {
		if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
			cfg.Source.BaseURL = ingest.S3BaseURL(bucket)
		}
	}
	cfg.Source.Dir = getEnv("SOURCE_DIR", "./data")
	cfg.Source.FilePattern = getEnv("SOURCE_FILE_PATTERN", ingest.DefaultFilePattern)
	cfg.Source.Encoding = strings.ToLower(getEnv("SOURCE_ENCODING", ingest.EncodingLatin1))
	cfg.Source.TimeoutSeconds = getEnvInt("SOURCE_TIMEOUT_SECONDS", 60)
	cfg.Source.RetryCount = getEnvInt("SOURCE_RETRY_COUNT", 3)

	cfg.Validation.MinMgdl = getEnvFloat("GLUCOSE_MIN_MGDL", 10)
	cfg.Validation.MaxMgdl = getEnvFloat("GLUCOSE_MAX_MGDL", 1000)

	cfg.Reconcile.LateWindowDays = getEnvInt("LATE_WINDOW_DAYS", 14)
	cfg.Reconcile.WorkerCount = getEnvInt("WORKER_COUNT", 4)
	cfg.Reconcile.SweepPageSize = getEnvInt("SWEEP_PAGE_SIZE", 500)
	cfg.Reconcile.SweepMaxPages = getEnvInt("SWEEP_MAX_PAGES", 10000)

	cfg.Store.Backend = getEnv("STORE_BACKEND", "postgres")
	cfg.Store.TimeoutSeconds = getEnvInt("STORE_TIMEOUT_SECONDS", 5)
	cfg.Store.MaxRetries = getEnvInt("MAX_RETRIES", 3)
	cfg.Store.RetryBackoffMs = getEnvInt("RETRY_BACKOFF_MS", 500)

	cfg.Lock.Mode = getEnv("LOCK_MODE", "redis")
	cfg.Lock.TTLSeconds = getEnvInt("LOCK_TTL_SECONDS", 30)

	cfg.Notify.Mode = getEnv("NOTIFY_MODE", "stream")
	cfg.Notify.RunStream = getEnv("NOTIFY_STREAM", "glucose:runs")
	cfg.Notify.AnomalyStream = getEnv("ANOMALY_STREAM", "glucose:anomalies")
	cfg.Notify.RunTopic = getEnv("NOTIFY_TOPIC", "glucose/runs")
	cfg.Notify.AnomalyTopic = getEnv("ANOMALY_TOPIC", "glucose/anomalies")

	cfg.Schedule.Mode = getEnv("SCHEDULE_MODE", "once")
	cfg.Schedule.Hour = 9
	if v, err := strconv.Atoi(os.Getenv("SCHEDULE_HOUR")); err == nil {
		cfg.Schedule.Hour = v // 允许 0 点
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HashKey == "" {
		return fmt.Errorf("HASH_KEY is required")
	}

	switch c.Source.Mode {
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("SOURCE_BASE_URL or S3_BUCKET is required when SOURCE_MODE=http")
		}
	case "file":
	default:
		return fmt.Errorf("invalid SOURCE_MODE %q", c.Source.Mode)
	}

	if c.Validation.MinMgdl <= 0 || c.Validation.MinMgdl >= c.Validation.MaxMgdl {
		return fmt.Errorf("invalid glucose range [%v, %v]", c.Validation.MinMgdl, c.Validation.MaxMgdl)
	}
	if c.Reconcile.LateWindowDays < 1 {
		return fmt.Errorf("LATE_WINDOW_DAYS must be positive")
	}

	if !oneOf(c.Store.Backend, "postgres", "memory") {
		return fmt.Errorf("invalid STORE_BACKEND %q", c.Store.Backend)
	}
	if !oneOf(c.Lock.Mode, "redis", "local") {
		return fmt.Errorf("invalid LOCK_MODE %q", c.Lock.Mode)
	}
	if !oneOf(c.Notify.Mode, "stream", "mqtt", "none") {
		return fmt.Errorf("invalid NOTIFY_MODE %q", c.Notify.Mode)
	}
	if !oneOf(c.Schedule.Mode, "once", "daily") {
		return fmt.Errorf("invalid SCHEDULE_MODE %q", c.Schedule.Mode)
	}
	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
		return fmt.Errorf("SCHEDULE_HOUR must be within 0-23, got %d", c.Schedule.Hour)
	}
	return nil
}

func oneOf(value string, options ...string) bool {
	for _, o := range options {
		if value == o {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 非法或非正数时使用默认值
func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return v
	}
	return defaultValue
}
