package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rayjennings3rd/paige-ai/common/database"
	mqttcommon "github.com/rayjennings3rd/paige-ai/common/mqtt"
	rediscommon "github.com/rayjennings3rd/paige-ai/common/redis"
	"github.com/rayjennings3rd/paige-ai/internal/anonymizer"
	"github.com/rayjennings3rd/paige-ai/internal/config"
	"github.com/rayjennings3rd/paige-ai/internal/ingest"
	"github.com/rayjennings3rd/paige-ai/internal/locker"
	"github.com/rayjennings3rd/paige-ai/internal/models"
	"github.com/rayjennings3rd/paige-ai/internal/notifier"
	"github.com/rayjennings3rd/paige-ai/internal/repository"
	"github.com/rayjennings3rd/paige-ai/internal/validator"
	"go.uber.org/zap"
)

const (
	connectTimeout     = 10 * time.Second
	maxRetryBackoff    = 30 * time.Second
	mqttPublishTimeout = 10 * time.Second
)

// ReconcilerService 血糖对账服务
type ReconcilerService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	ingestion   *IngestionService
	now         func() time.Time
}

// NewReconcilerService 按配置装配存储、锁、通知与文件来源
func NewReconcilerService(cfg *config.Config, logger *zap.Logger) (*ReconcilerService, error) {
	s := &ReconcilerService{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	deps := IngestionDeps{}

	// 存储
	switch cfg.Store.Backend {
	case "postgres":
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		deps.Store = repository.NewPostgresReadingSetStore(db, logger)
		deps.Sink = repository.NewPostgresResultSink(db, logger)
		deps.Anomalies = repository.NewPostgresAnomalyStore(db, logger)
		deps.Runs = repository.NewPostgresRunStore(db, logger)
	default:
		logger.Warn("Using in-memory store, state is lost on exit")
		deps.Store = repository.NewMemoryReadingSetStore()
		deps.Sink = repository.NewMemoryResultSink()
		deps.Anomalies = repository.NewMemoryAnomalyStore()
		deps.Runs = repository.NewMemoryRunStore()
	}

	// Redis（分布式锁或 Streams 通知需要）
	if cfg.Lock.Mode == "redis" || cfg.Notify.Mode == "stream" {
		client := rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, client); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisClient = client
	}

	if cfg.Lock.Mode == "redis" {
		deps.Locker = locker.NewRedisLocker(s.redisClient, time.Duration(cfg.Lock.TTLSeconds)*time.Second, logger)
	} else {
		deps.Locker = locker.NewLocalLocker()
	}

	switch cfg.Notify.Mode {
	case "stream":
		deps.Notifier = notifier.NewStreamNotifier(s.redisClient, cfg.Notify.RunStream, cfg.Notify.AnomalyStream, logger)
	case "mqtt":
		client, err := mqttcommon.NewClient(&cfg.MQTT, mqttPublishTimeout)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
		s.mqttClient = client
		deps.Notifier = notifier.NewMQTTNotifier(client, cfg.Notify.RunTopic, cfg.Notify.AnomalyTopic, logger)
	default:
		deps.Notifier = notifier.NopNotifier{}
	}

	// 文件来源
	switch cfg.Source.Mode {
	case "http":
		deps.Source = ingest.NewHTTPSource(
			cfg.Source.BaseURL,
			cfg.Source.FilePattern,
			time.Duration(cfg.Source.TimeoutSeconds)*time.Second,
			cfg.Source.RetryCount,
			logger,
		)
	default:
		deps.Source = ingest.NewDirSource(cfg.Source.Dir, cfg.Source.FilePattern)
	}

	anon, err := anonymizer.NewBlake2bAnonymizer([]byte(cfg.HashKey))
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create anonymizer: %w", err)
	}
	deps.Anonymizer = anon

	v, err := validator.New(cfg.Validation.MinMgdl, cfg.Validation.MaxMgdl)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	deps.Validator = v

	s.ingestion = NewIngestionService(deps, IngestionOptions{
		Encoding:       cfg.Source.Encoding,
		LateWindowDays: cfg.Reconcile.LateWindowDays,
		WorkerCount:    cfg.Reconcile.WorkerCount,
		SweepPageSize:  cfg.Reconcile.SweepPageSize,
		SweepMaxPages:  cfg.Reconcile.SweepMaxPages,
		LockTimeout:    time.Duration(cfg.Lock.TTLSeconds) * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:    cfg.Store.MaxRetries + 1,
			Backoff:        time.Duration(cfg.Store.RetryBackoffMs) * time.Millisecond,
			MaxBackoff:     maxRetryBackoff,
			AttemptTimeout: time.Duration(cfg.Store.TimeoutSeconds) * time.Second,
		},
	}, logger)

	return s, nil
}

// Migrate 创建表结构（仅 postgres）
func (s *ReconcilerService) Migrate(ctx context.Context) error {
	if s.db == nil {
		s.logger.Info("No database configured, skipping migration")
		return nil
	}
	if err := repository.EnsureSchema(ctx, s.db); err != nil {
		return err
	}
	s.logger.Info("Database schema is up to date")
	return nil
}

// RunOnce 处理指定日期
func (s *ReconcilerService) RunOnce(ctx context.Context, date time.Time) (*models.RunSummary, error) {
	return s.ingestion.RunDaily(ctx, date)
}

// Start 启动服务；once 模式处理当天后返回，daily 模式阻塞到 ctx 结束
func (s *ReconcilerService) Start(ctx context.Context) error {
	s.logger.Info("Starting glucose reconciler service",
		zap.String("schedule_mode", s.config.Schedule.Mode),
		zap.String("store_backend", s.config.Store.Backend),
		zap.String("lock_mode", s.config.Lock.Mode),
		zap.String("notify_mode", s.config.Notify.Mode),
	)

	switch s.config.Schedule.Mode {
	case "once":
		_, err := s.RunOnce(ctx, s.now())
		return err
	case "daily":
		s.startScheduledRun(ctx)
		return nil
	default:
		return fmt.Errorf("unsupported schedule mode: %s", s.config.Schedule.Mode)
	}
}

// startScheduledRun 每天在 SCHEDULE_HOUR 整点运行
func (s *ReconcilerService) startScheduledRun(ctx context.Context) {
	s.logger.Info("Starting scheduled daily run", zap.Int("hour", s.config.Schedule.Hour))

	for {
		now := s.now()
		next := nextRunAt(now, s.config.Schedule.Hour)
		wait := next.Sub(now)
		timer := time.NewTimer(wait)

		s.logger.Info("Next daily run scheduled",
			zap.Time("next_run", next),
			zap.Duration("wait_duration", wait),
		)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			// 失败的运行由下一次运行的去重与扫描补齐
			if _, err := s.RunOnce(ctx, next); err != nil {
				s.logger.Error("Scheduled daily run failed", zap.Error(err))
			}
		}
	}
}

// nextRunAt 返回 now 之后最近的 hour 整点
func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Stop 停止服务并释放连接
func (s *ReconcilerService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping glucose reconciler service")
	s.close()
	s.logger.Info("Glucose reconciler service stopped")
	return nil
}

func (s *ReconcilerService) close() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
		s.mqttClient = nil
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing redis connection", zap.Error(err))
		}
		s.redisClient = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
		s.db = nil
	}
}
