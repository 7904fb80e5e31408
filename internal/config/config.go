package config

import (
	"os"
	"strconv"

	common "kidguard-dispatch/common/config"
)

// Config 调度服务配置
type Config struct {
	Database common.DatabaseConfig
	Redis    common.RedisConfig
	MQTT     common.MQTTConfig

	HTTP struct {
		Addr string
	}

	// MQTT 心跳摄入（未配置 broker 时关闭）
	MQTTEnabled bool

	Dispatch struct {
		// 终止失败是否升级为报警
		EscalateFailures bool
		// 过期扫描间隔（秒）
		ExpirySweepIntervalSec int
	}

	Presence struct {
		// 离线判定阈值（秒）
		OfflineThresholdSec int
		// 离线扫描间隔（秒）
		SweepIntervalSec int
		// 低电量抑制键前缀
		BatteryKeyPrefix string
	}

	Alerts struct {
		// 已解决报警的保留天数
		RetentionDays int
		// 保留期清理间隔（秒）
		RetentionSweepIntervalSec int
	}

	Notify struct {
		GatewayURL string
		APIKey     string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "kidguard")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "kidguard-dispatch")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTTEnabled = cfg.MQTT.Broker != ""

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Dispatch.EscalateFailures = getEnvBool("DISPATCH_ESCALATE_FAILURES", true)
	cfg.Dispatch.ExpirySweepIntervalSec = getEnvInt("DISPATCH_EXPIRY_SWEEP_SEC", 60)

	cfg.Presence.OfflineThresholdSec = getEnvInt("PRESENCE_OFFLINE_THRESHOLD_SEC", 300)
	cfg.Presence.SweepIntervalSec = getEnvInt("PRESENCE_SWEEP_INTERVAL_SEC", 60)
	cfg.Presence.BatteryKeyPrefix = getEnv("PRESENCE_BATTERY_KEY_PREFIX", "kidguard:battery:low:")

	cfg.Alerts.RetentionDays = getEnvInt("ALERTS_RETENTION_DAYS", 90)
	cfg.Alerts.RetentionSweepIntervalSec = getEnvInt("ALERTS_RETENTION_SWEEP_SEC", 86400)

	cfg.Notify.GatewayURL = getEnv("NOTIFY_GATEWAY_URL", "")
	cfg.Notify.APIKey = getEnv("NOTIFY_API_KEY", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
