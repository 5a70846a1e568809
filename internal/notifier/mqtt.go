package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rayjennings3rd/paige-ai/internal/models"
	"go.uber.org/zap"
)

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// MQTTNotifier 发布到 MQTT broker
// 运行汇总使用 retained 消息，订阅方总能拿到最近一次结果
type MQTTNotifier struct {
	publisher    Publisher
	runTopic     string
	anomalyTopic string
	logger       *zap.Logger
}

// NewMQTTNotifier 创建 MQTT 通知
func NewMQTTNotifier(publisher Publisher, runTopic, anomalyTopic string, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		publisher:    publisher,
		runTopic:     runTopic,
		anomalyTopic: anomalyTopic,
		logger:       logger,
	}
}

// PublishRunSummary 发布运行汇总
func (n *MQTTNotifier) PublishRunSummary(ctx context.Context, summary *models.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	return n.publisher.Publish(n.runTopic, true, payload)
}

// PublishAnomaly 发布异常
func (n *MQTTNotifier) PublishAnomaly(ctx context.Context, anomaly *models.Anomaly) error {
	payload, err := json.Marshal(anomaly)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}
	return n.publisher.Publish(n.anomalyTopic, false, payload)
}
