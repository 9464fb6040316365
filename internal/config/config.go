package config

import (
	"fmt"
	"os"
	"time"

	common "eva-checkin/internal/common/config"
)

// Config 问候呼叫与升级服务配置
type Config struct {
	HTTP struct {
		Addr string
	}

	Database struct {
		Enabled     bool // false 时使用内存存储（本地调试）
		AutoMigrate bool
		common.DatabaseConfig
	}

	Redis struct {
		Enabled bool
		common.RedisConfig
	}

	MQTT struct {
		Enabled     bool
		DeviceTopic string // 设备事件主题，如 "eva/devices/+/events"
		common.MQTTConfig
	}

	Sweep struct {
		Interval     time.Duration
		BatchSize    int
		LeaseKey     string
		CallTimeout  time.Duration // in_progress 超过该时长未回调视为超时
		MissedWindow time.Duration // pending 超过该时长未拨出视为过期
	}

	Escalation struct {
		FollowupDelay  time.Duration
		DeviceDedupTTL time.Duration
	}

	Provider struct {
		BaseURL     string
		APIKey      string
		CallbackURL string
		Timeout     time.Duration
		RetryCount  int
	}

	Phone struct {
		DefaultRegion string
	}

	Streams struct {
		CallOutcomes   string
		OperatorAlerts string
		ConsumerGroup  string
		ConsumerName   string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Database.Enabled = common.EnvBool("DB_ENABLED", true)
	cfg.Database.AutoMigrate = common.EnvBool("DB_AUTO_MIGRATE", false)
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "eva"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.DatabaseConfig.LoadFromEnv("DB")

	cfg.Redis.Enabled = common.EnvBool("REDIS_ENABLED", true)
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.RedisConfig.LoadFromEnv("REDIS")

	cfg.MQTT.Enabled = common.EnvBool("MQTT_ENABLED", false)
	cfg.MQTT.DeviceTopic = getEnv("MQTT_DEVICE_TOPIC", "eva/devices/+/events")
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "eva-checkin"
	cfg.MQTT.QoS = 1
	cfg.MQTT.MQTTConfig.LoadFromEnv("MQTT")

	cfg.Sweep.Interval = common.EnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.Sweep.BatchSize = common.EnvInt("SWEEP_BATCH_SIZE", 200)
	cfg.Sweep.LeaseKey = getEnv("SWEEP_LEASE_KEY", "eva:sweep:lease")
	cfg.Sweep.CallTimeout = common.EnvDuration("CALL_TIMEOUT", 15*time.Minute)
	cfg.Sweep.MissedWindow = common.EnvDuration("MISSED_WINDOW", 2*time.Hour)

	cfg.Escalation.FollowupDelay = common.EnvDuration("FOLLOWUP_DELAY", 30*time.Minute)
	cfg.Escalation.DeviceDedupTTL = common.EnvDuration("DEVICE_EVENT_DEDUP_TTL", 24*time.Hour)

	cfg.Provider.BaseURL = getEnv("PROVIDER_BASE_URL", "")
	cfg.Provider.APIKey = getEnv("PROVIDER_API_KEY", "")
	cfg.Provider.CallbackURL = getEnv("PROVIDER_CALLBACK_URL", "")
	cfg.Provider.Timeout = common.EnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.Provider.RetryCount = common.EnvInt("PROVIDER_RETRY_COUNT", 2)

	cfg.Phone.DefaultRegion = getEnv("PHONE_DEFAULT_REGION", "GB")

	cfg.Streams.CallOutcomes = getEnv("STREAM_CALL_OUTCOMES", "eva:call-outcomes")
	cfg.Streams.OperatorAlerts = getEnv("STREAM_OPERATOR_ALERTS", "eva:operator-alerts")
	cfg.Streams.ConsumerGroup = getEnv("STREAM_CONSUMER_GROUP", "eva-checkin")
	cfg.Streams.ConsumerName = getEnv("STREAM_CONSUMER_NAME", hostname())

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.Sweep.CallTimeout <= 0 || c.Sweep.MissedWindow <= 0 {
		return fmt.Errorf("CALL_TIMEOUT and MISSED_WINDOW must be positive")
	}
	if c.Escalation.FollowupDelay < 0 {
		return fmt.Errorf("FOLLOWUP_DELAY must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "eva-checkin"
}
