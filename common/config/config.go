package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	SSLMode        string
	MaxConns       int
	MaxIdle        int
	ConnectTimeout int // 秒
}

// RedisConfig Redis配置（锁与通知共用一个连接池）
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// MQTTConfig 只用于发布通知
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN lib/pq 连接串
func (c *DatabaseConfig) GetDSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
	if c.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", c.ConnectTimeout)
	}
	return dsn
}

// LoadFromEnv 用 <prefix>_HOST、<prefix>_PORT 等覆盖已有值；未设置或非法的变量保持原值
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	env := envPrefix(prefix)
	env.str("HOST", &c.Host)
	env.num("PORT", &c.Port, nil)
	env.str("USER", &c.User)
	env.str("PASSWORD", &c.Password)
	env.str("NAME", &c.Database)
	env.str("SSLMODE", &c.SSLMode)
	env.num("MAX_CONNS", &c.MaxConns, nil)
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	env := envPrefix(prefix)
	env.str("ADDR", &c.Addr)
	env.str("PASSWORD", &c.Password)
	env.num("DB", &c.DB, nil)
	env.num("POOL_SIZE", &c.PoolSize, func(v int) bool { return v > 0 })
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	env := envPrefix(prefix)
	env.str("BROKER", &c.Broker)
	env.str("CLIENT_ID", &c.ClientID)
	env.str("USERNAME", &c.Username)
	env.str("PASSWORD", &c.Password)

	qos := int(c.QoS)
	env.num("QOS", &qos, func(v int) bool { return v >= 0 && v <= 2 })
	c.QoS = byte(qos)
}

type envPrefix string

func (p envPrefix) lookup(name string) (string, bool) {
	v := os.Getenv(string(p) + "_" + name)
	return v, v != ""
}

func (p envPrefix) str(name string, dst *string) {
	if v, ok := p.lookup(name); ok {
		*dst = v
	}
}

// num 解析失败或 valid 不通过时忽略
func (p envPrefix) num(name string, dst *int, valid func(int) bool) {
	raw, ok := p.lookup(name)
	if !ok {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil || (valid != nil && !valid(v)) {
		return
	}
	*dst = v
}
