package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN builds a lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// live telemetry feed.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config is the full service configuration, loaded from environment
// variables with defaults suitable for local development.
type Config struct {
	Database DatabaseConfig
	MQTT     MQTTConfig
	Redis    RedisConfig

	HTTP struct {
		Addr string
	}

	Bridge struct {
		// Stream the bridge publishes accepted telemetry to.
		TelemetryStream string
		// Cap on retained stream entries (XADD MAXLEN, approximate).
		StreamMaxLen int64
		// Cap on per-device control snapshot cache entries.
		ControlCacheSize int
	}

	Session struct {
		PollInterval time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from the environment.
func Load() *Config {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "iot")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://mqtt-broker:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8000")

	cfg.Bridge.TelemetryStream = getEnv("STREAM_TELEMETRY", "cuwatch:telemetry:stream")
	cfg.Bridge.StreamMaxLen = int64(getEnvInt("STREAM_MAXLEN", 2000))
	cfg.Bridge.ControlCacheSize = getEnvInt("CONTROL_CACHE_SIZE", 1024)

	cfg.Session.PollInterval = time.Duration(getEnvInt("SESSION_POLL_MS", 1000)) * time.Millisecond

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
