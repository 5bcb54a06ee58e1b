// Package config loads the fleet configuration from defaults, an optional
// config file and CAMWARD_-prefixed environment variables, in ascending
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/camward/camward/internal/health"
)

// Config is the fully resolved application configuration.
type Config struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Network  string `mapstructure:"network"`

	// MetricsAddr exposes prometheus counters on /metrics when set.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Paths struct {
		CertDir         string `mapstructure:"cert_dir"`
		Database        string `mapstructure:"database"`
		CameraSnapshot  string `mapstructure:"camera_snapshot"`
		WebSocketConfig string `mapstructure:"websocket_config"`
		CertReport      string `mapstructure:"cert_report"`
		HealthReport    string `mapstructure:"health_report"`
	} `mapstructure:"paths"`

	Discovery struct {
		Interval time.Duration `mapstructure:"interval"` // re-discovery cadence, 0 disables
	} `mapstructure:"discovery"`

	Health struct {
		Thresholds health.Thresholds `mapstructure:"thresholds"`
		WebhookURL string            `mapstructure:"webhook_url"`
		PingTarget string            `mapstructure:"ping_target"`

		// Service enables the external-service check when name and
		// health_url are both set; pattern plus command additionally arm
		// the restart recovery.
		Service struct {
			Name      string   `mapstructure:"name"`
			HealthURL string   `mapstructure:"health_url"`
			Pattern   string   `mapstructure:"pattern"`
			Command   []string `mapstructure:"command"`
		} `mapstructure:"service"`
	} `mapstructure:"health"`
}

// Load resolves the configuration. A missing config file is fine; a broken
// one is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAMWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("username", "root")
	v.SetDefault("password", "admin")
	v.SetDefault("network", "192.168.1.0/24")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("paths.cert_dir", "./certificates")
	v.SetDefault("paths.database", "./camward.db")
	v.SetDefault("paths.camera_snapshot", "discovered_cameras.json")
	v.SetDefault("paths.websocket_config", "websocket_config.json")
	v.SetDefault("paths.cert_report", "certificate_report.json")
	v.SetDefault("paths.health_report", "health_report.json")

	v.SetDefault("discovery.interval", "0")

	v.SetDefault("health.thresholds.cpu_percent", 80)
	v.SetDefault("health.thresholds.memory_percent", 85)
	v.SetDefault("health.thresholds.disk_percent", 90)
	v.SetDefault("health.webhook_url", "")
	v.SetDefault("health.ping_target", "")
	v.SetDefault("health.service.name", "")
	v.SetDefault("health.service.health_url", "")
	v.SetDefault("health.service.pattern", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("camward")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/camward")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("config: username and password must not be empty")
	}
	return &cfg, nil
}
