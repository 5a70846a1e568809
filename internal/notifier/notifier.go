package notifier

import (
	"context"

	"github.com/rayjennings3rd/paige-ai/internal/models"
)

// Notifier 运行汇总与异常事件的下游通知
// 通知失败只记日志，不影响运行结果
type Notifier interface {
	PublishRunSummary(ctx context.Context, summary *models.RunSummary) error
	PublishAnomaly(ctx context.Context, anomaly *models.Anomaly) error
}

// NopNotifier 不发送任何通知
type NopNotifier struct{}

func (NopNotifier) PublishRunSummary(ctx context.Context, summary *models.RunSummary) error {
	return nil
}

func (NopNotifier) PublishAnomaly(ctx context.Context, anomaly *models.Anomaly) error {
	return nil
}
