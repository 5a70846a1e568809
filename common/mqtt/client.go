package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rayjennings3rd/paige-ai/common/config"
)

// disconnectQuiesce 断开前等待在途消息发送的毫秒数
const disconnectQuiesce = 250

// Client 只发布的 paho 封装，每次操作都有超时
type Client struct {
	paho    mqtt.Client
	qos     byte
	timeout time.Duration
}

// NewClient 连接 broker；连接失败或超时返回错误
func NewClient(cfg *config.MQTTConfig, timeout time.Duration) (*Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(timeout)

	c := &Client{
		paho:    mqtt.NewClient(opts),
		qos:     cfg.QoS,
		timeout: timeout,
	}
	if err := c.wait(c.paho.Connect(), "connect to broker "+cfg.Broker); err != nil {
		return nil, err
	}
	return c, nil
}

// Publish 按配置的 QoS 发布
func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	return c.wait(c.paho.Publish(topic, c.qos, retained, payload), "publish to "+topic)
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.paho.Disconnect(disconnectQuiesce)
}

func (c *Client) wait(token mqtt.Token, op string) error {
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt: timed out trying to %s", op)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: failed to %s: %w", op, err)
	}
	return nil
}
