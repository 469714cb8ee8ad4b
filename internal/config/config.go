// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/quantfeed/market-crawler/internal/task"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	Server    ServerConfig    `mapstructure:"server"`
	Dragonfly DragonflyConfig `mapstructure:"dragonfly"`
	Inject    InjectConfig    `mapstructure:"inject"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WorkerConfig governs consumer identity, concurrency, and shutdown.
type WorkerConfig struct {
	ID                  string `mapstructure:"id"`
	PriorityLevel       string `mapstructure:"priority_level"`
	MaxConcurrentTasks  int    `mapstructure:"max_concurrent_tasks"`
	TaskTimeoutSeconds  int    `mapstructure:"task_timeout_seconds"`
	GracefulShutdownSec int    `mapstructure:"graceful_shutdown_timeout"`
	NoProxyPermits      int    `mapstructure:"no_proxy_permits"`
	ProxyPermits        int    `mapstructure:"proxy_permits"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DragonflyConfig holds the broker connection parameters.
type DragonflyConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// InjectConfig toggles cookie and proxy injection.
type InjectConfig struct {
	EnableProxy  bool `mapstructure:"enable_proxy"`
	EnableCookie bool `mapstructure:"enable_cookie"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from environment variables and an optional file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.id", "crawler-worker-01")
	v.SetDefault("worker.priority_level", "NORMAL")
	v.SetDefault("worker.max_concurrent_tasks", 5)
	v.SetDefault("worker.task_timeout_seconds", 30)
	v.SetDefault("worker.graceful_shutdown_timeout", 120)
	v.SetDefault("worker.no_proxy_permits", 5)
	v.SetDefault("worker.proxy_permits", 20)
	v.SetDefault("server.port", 8006)
	v.SetDefault("dragonfly.host", "127.0.0.1")
	v.SetDefault("dragonfly.port", 6379)
	v.SetDefault("dragonfly.db", 0)
	v.SetDefault("inject.enable_proxy", true)
	v.SetDefault("inject.enable_cookie", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// bindEnv wires the exact variable names the deployment manifests use.
func bindEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		"worker.id":                        "WORKER_ID",
		"worker.priority_level":            "PRIORITY_LEVEL",
		"worker.max_concurrent_tasks":      "MAX_CONCURRENT_TASKS",
		"worker.task_timeout_seconds":      "TASK_TIMEOUT_SECONDS",
		"worker.graceful_shutdown_timeout": "GRACEFUL_SHUTDOWN_TIMEOUT",
		"server.port":                      "CRAWLER_SERVICE_PORT",
		"dragonfly.host":                   "DRAGONFLY_HOST",
		"dragonfly.port":                   "DRAGONFLY_PORT",
		"dragonfly.password":               "DRAGONFLY_PASSWORD",
		"dragonfly.db":                     "DRAGONFLY_DB",
		"inject.enable_proxy":              "ENABLE_PROXY_INJECTION",
		"inject.enable_cookie":             "ENABLE_COOKIE_INJECTION",
		"logging.development":              "DEBUG",
		"logging.level":                    "LOG_LEVEL",
	} {
		_ = v.BindEnv(key, env)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Worker.ID == "" {
		return fmt.Errorf("worker.id must be set")
	}
	if _, err := task.ParseTier(c.Worker.PriorityLevel); err != nil {
		return fmt.Errorf("worker.priority_level: %w", err)
	}
	if c.Worker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("worker.max_concurrent_tasks must be > 0")
	}
	if c.Worker.NoProxyPermits <= 0 || c.Worker.ProxyPermits <= 0 {
		return fmt.Errorf("gate permit counts must be > 0")
	}
	if c.Worker.GracefulShutdownSec <= 0 {
		return fmt.Errorf("worker.graceful_shutdown_timeout must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Dragonfly.Host == "" || c.Dragonfly.Port <= 0 {
		return fmt.Errorf("dragonfly host and port must be set")
	}
	return nil
}

// Tier returns the parsed priority tier. Validate must have passed.
func (c Config) Tier() task.Tier {
	tier, _ := task.ParseTier(c.Worker.PriorityLevel)
	return tier
}

// BrokerAddr returns the host:port address of the broker.
func (c Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.Dragonfly.Host, c.Dragonfly.Port)
}

// DrainDeadline converts the graceful shutdown budget into a duration.
func (c Config) DrainDeadline() time.Duration {
	return time.Duration(c.Worker.GracefulShutdownSec) * time.Second
}
