// Package config loads the proxy's YAML configuration file and layers
// environment-variable overrides on top, matching every key spec.md §6
// enumerates plus the ambient keys the teacher's own config layer carries
// (storage driver selection, server port, debug/log formatting).
package config

import (
	"fmt"
	"os"
	"time"

	"credpool-go/internal/constants"

	"gopkg.in/yaml.v3"
)

type StorageConfig struct {
	Driver      string `yaml:"driver"`       // "sqlite" (default) or "postgres"
	DatabasePath string `yaml:"database_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
}

type CredentialsConfig struct {
	KeysDirectory string        `yaml:"keys_directory"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
}

type ProberConfig struct {
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	ProbeTestURLTemplate string        `yaml:"probe_test_url_template"`
	MaxConcurrency       int           `yaml:"max_concurrency"`
}

type HealthConfig struct {
	Interval200 time.Duration `yaml:"interval_200"`
	Interval403 time.Duration `yaml:"interval_403"`
	Interval4xx time.Duration `yaml:"interval_4xx"`
	Interval5xx time.Duration `yaml:"interval_5xx"`
}

type AdmissionConfig struct {
	LowThreshold  int     `yaml:"low_threshold"`
	HighThreshold int     `yaml:"high_threshold"`
	CoeffA        float64 `yaml:"coeff_a"`
	CoeffB        float64 `yaml:"coeff_b"`
}

type UpstreamConfig struct {
	DefaultUpstreamURL string        `yaml:"default_upstream_url"`
	GatewayURL         string        `yaml:"gateway_url"`
	ProxyURL           string        `yaml:"proxy_url"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
}

type RateLimitConfig struct {
	PerMinute   int `yaml:"per_minute"`
	PerHourBan  int `yaml:"per_hour_ban"`
}

type LogsConfig struct {
	Retention    time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type StatusConfig struct {
	FilePath      string        `yaml:"file_path"`
	MaxSizeMB     int           `yaml:"max_size_mb"`
	WriteInterval time.Duration `yaml:"write_interval"`
}

type ServerConfig struct {
	Port  int  `yaml:"port"`
	Debug bool `yaml:"debug"`
}

// Config is the root configuration object, loaded once at startup.
type Config struct {
	AuthKey         string            `yaml:"auth_key"`
	SupportedModels []string          `yaml:"supported_models"`
	Server          ServerConfig      `yaml:"server"`
	Storage         StorageConfig     `yaml:"storage"`
	Credentials     CredentialsConfig `yaml:"credentials"`
	Prober          ProberConfig      `yaml:"prober"`
	Health          HealthConfig      `yaml:"health"`
	Admission       AdmissionConfig   `yaml:"admission"`
	Upstream        UpstreamConfig    `yaml:"upstream"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit"`
	Logs            LogsConfig        `yaml:"logs"`
	Status          StatusConfig      `yaml:"status"`
}

// Default returns the configuration a fresh deployment ships with.
func Default() *Config {
	return &Config{
		SupportedModels: []string{"gemini-2.0-flash", "gemini-2.5-pro", "gemini-2.5-flash"},
		Server: ServerConfig{
			Port:  8080,
			Debug: false,
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DatabasePath: "credpool.db",
		},
		Credentials: CredentialsConfig{
			KeysDirectory: "./keys",
			SyncInterval:  constants.CredentialRefreshInterval,
		},
		Prober: ProberConfig{
			ProbeInterval:        10 * time.Minute,
			ProbeTimeout:         15 * time.Second,
			ProbeTestURLTemplate: "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent",
			MaxConcurrency:       8,
		},
		Health: HealthConfig{
			Interval200: 1 * time.Hour,
			Interval403: 6 * time.Hour,
			Interval4xx: 30 * time.Minute,
			Interval5xx: 10 * time.Minute,
		},
		Admission: AdmissionConfig{
			LowThreshold:  10,
			HighThreshold: 40,
			CoeffA:        -0.05,
			CoeffB:        2.5,
		},
		Upstream: UpstreamConfig{
			DefaultUpstreamURL: "https://generativelanguage.googleapis.com",
			RequestTimeout:     60 * time.Second,
			MaxRetries:         constants.DefaultMaxRetries,
		},
		RateLimit: RateLimitConfig{
			PerMinute:  40,
			PerHourBan: 3600,
		},
		Logs: LogsConfig{
			Retention:     7 * 24 * time.Hour,
			PurgeInterval: 1 * time.Hour,
		},
		Status: StatusConfig{
			FilePath:      "status.txt",
			MaxSizeMB:     10,
			WriteInterval: 1 * time.Minute,
		},
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.mergeEnvVars()

	if len(cfg.SupportedModels) == 0 {
		return nil, fmt.Errorf("config: supported_models must not be empty")
	}
	if cfg.Upstream.MaxRetries <= 0 {
		return nil, fmt.Errorf("config: upstream.max_retries must be positive")
	}
	return cfg, nil
}
