package notifier

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	rediscommon "github.com/rayjennings3rd/paige-ai/common/redis"
	"github.com/rayjennings3rd/paige-ai/internal/models"
	"go.uber.org/zap"
)

// streamMaxLen 每个 stream 保留的近似条数
const streamMaxLen = 10000

// StreamNotifier 发布到 Redis Streams
type StreamNotifier struct {
	client        *redis.Client
	runStream     string
	anomalyStream string
	logger        *zap.Logger
}

// NewStreamNotifier 创建 Redis Streams 通知
func NewStreamNotifier(client *redis.Client, runStream, anomalyStream string, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{
		client:        client,
		runStream:     runStream,
		anomalyStream: anomalyStream,
		logger:        logger,
	}
}

// PublishRunSummary 发布运行汇总
func (n *StreamNotifier) PublishRunSummary(ctx context.Context, summary *models.RunSummary) error {
	id, err := rediscommon.PublishJSONToStream(ctx, n.client, n.runStream, streamMaxLen, summary)
	if err != nil {
		return fmt.Errorf("failed to publish run summary: %w", err)
	}
	n.logger.Debug("Published run summary",
		zap.String("stream", n.runStream),
		zap.String("message_id", id),
		zap.String("run_id", summary.RunID),
	)
	return nil
}

// PublishAnomaly 发布异常，供人工复核
func (n *StreamNotifier) PublishAnomaly(ctx context.Context, anomaly *models.Anomaly) error {
	id, err := rediscommon.PublishJSONToStream(ctx, n.client, n.anomalyStream, streamMaxLen, anomaly)
	if err != nil {
		return fmt.Errorf("failed to publish anomaly: %w", err)
	}
	n.logger.Debug("Published anomaly",
		zap.String("stream", n.anomalyStream),
		zap.String("message_id", id),
		zap.String("kind", string(anomaly.Kind)),
	)
	return nil
}
