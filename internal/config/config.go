package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type MQTTConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            int           `yaml:"qos"`
	ConnectRetries int           `yaml:"connect_retries"`
	ConnectBudget  time.Duration `yaml:"connect_max_elapsed"`
}

type StorageConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

func (c InfluxConfig) Enabled() bool { return c.URL != "" && c.Token != "" }

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type Config struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Storage StorageConfig `yaml:"storage"`
	Influx  InfluxConfig  `yaml:"influx"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`

	// Seconds. The check runs every CheckInterval and flushes once
	// PollingInterval has elapsed since the previous flush.
	PollingInterval int `yaml:"polling_interval"`
	CheckInterval   int `yaml:"check_interval"`

	HTTPPort int `yaml:"http_port"`
	GRPCPort int `yaml:"grpc_port"` // 0 disables the gRPC health server
}

func Default() Config {
	return Config{
		MQTT: MQTTConfig{
			Host:           "localhost",
			Port:           1883,
			ClientID:       "sensor-monitor",
			TopicPrefix:    "sensors",
			ConnectRetries: 5,
			ConnectBudget:  10 * time.Second,
		},
		Storage: StorageConfig{
			URL:          "sqlite://sensor_data.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Influx: InfluxConfig{
			Org:         "sensors",
			Bucket:      "sensor-readings",
			Measurement: "sensor_reading",
		},
		Redis: RedisConfig{TTL: 24 * time.Hour},
		Log:   LogConfig{Level: "info", Format: "json"},

		PollingInterval: 120,
		CheckInterval:   10,
		HTTPPort:        8080,
		GRPCPort:        50051,
	}
}

func (c *Config) PollingPeriod() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

func (c *Config) CheckPeriod() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.MQTT.Host = EnvStr("MQTT_HOST", c.MQTT.Host)
	c.MQTT.Port = EnvInt("MQTT_PORT", c.MQTT.Port)
	c.MQTT.User = EnvStr("MQTT_USER", c.MQTT.User)
	c.MQTT.Password = EnvStr("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.ClientID = EnvStr("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.TopicPrefix = EnvStr("MQTT_TOPIC_PREFIX", c.MQTT.TopicPrefix)
	c.MQTT.QoS = EnvInt("MQTT_QOS", c.MQTT.QoS)
	c.MQTT.ConnectRetries = EnvInt("MQTT_CONNECT_RETRIES", c.MQTT.ConnectRetries)
	c.MQTT.ConnectBudget = EnvDuration("MQTT_CONNECT_MAX_ELAPSED", c.MQTT.ConnectBudget)

	c.Storage.URL = EnvStr("DATABASE_URL", c.Storage.URL)

	c.Influx.URL = EnvStr("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = EnvStr("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = EnvStr("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = EnvStr("INFLUX_BUCKET", c.Influx.Bucket)
	c.Influx.Measurement = EnvStr("INFLUX_MEASUREMENT", c.Influx.Measurement)

	c.Redis.Addr = EnvStr("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = EnvStr("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = EnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.TTL = EnvDuration("REDIS_TTL", c.Redis.TTL)

	c.Log.Level = EnvStr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = EnvStr("LOG_FORMAT", c.Log.Format)

	c.PollingInterval = EnvInt("POLLING_INTERVAL", c.PollingInterval)
	c.CheckInterval = EnvInt("CHECK_INTERVAL", c.CheckInterval)
	c.HTTPPort = EnvInt("HTTP_PORT", c.HTTPPort)
	c.GRPCPort = EnvInt("GRPC_PORT", c.GRPCPort)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.MQTT.Host) == "" {
		return errors.New("mqtt host is required")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port %d out of range", c.MQTT.Port)
	}
	if strings.TrimSpace(c.MQTT.ClientID) == "" {
		return errors.New("mqtt client id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos %d out of range", c.MQTT.QoS)
	}
	if c.PollingInterval <= 0 {
		return errors.New("polling interval must be positive")
	}
	if c.CheckInterval <= 0 {
		return errors.New("check interval must be positive")
	}
	if c.CheckInterval > c.PollingInterval {
		return fmt.Errorf("check interval %ds exceeds polling interval %ds", c.CheckInterval, c.PollingInterval)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("grpc port %d out of range", c.GRPCPort)
	}
	if _, _, err := ParseStorageURL(c.Storage.URL); err != nil {
		return err
	}
	return nil
}

// ParseStorageURL splits a storage connection string into a driver name and
// the DSN that driver expects:
//
//	sqlite://sensor_data.db            -> sqlite, sensor_data.db
//	sqlite:///var/lib/sensors.db       -> sqlite, /var/lib/sensors.db
//	postgres://u:p@host:5432/db        -> postgres, (unchanged)
//	mysql://u:p@tcp(host:3306)/db      -> mysql, u:p@tcp(host:3306)/db?parseTime=true
func ParseStorageURL(raw string) (driver, dsn string, err error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, raw)
	}
	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3":
		return "sqlite", rest, nil
	case "postgres", "postgresql":
		if _, err := url.Parse(raw); err != nil {
			return "", "", fmt.Errorf("invalid postgres url: %w", err)
		}
		return "postgres", raw, nil
	case "mysql":
		if !strings.Contains(rest, "parseTime=") {
			sep := "?"
			if strings.Contains(rest, "?") {
				sep = "&"
			}
			rest += sep + "parseTime=true"
		}
		return "mysql", rest, nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, scheme)
	}
}

// EnvStr returns the trimmed value of key, or def when unset or blank.
func EnvStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvInt and EnvDuration fall back to def when the value does not parse.
func EnvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func EnvDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
