package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// mergeEnvVars layers environment-variable overrides on top of the YAML
// config, grounded on the teacher's config_env.go merge pattern: every
// recognized variable is optional, and an unparsable value is ignored
// rather than failing startup.
func (c *Config) mergeEnvVars() {
	if v := os.Getenv("CREDPOOL_AUTH_KEY"); v != "" {
		c.AuthKey = v
	}
	if v := os.Getenv("CREDPOOL_SUPPORTED_MODELS"); v != "" {
		c.SupportedModels = splitCSV(v)
	}
	if v := os.Getenv("CREDPOOL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("CREDPOOL_DEBUG"); v != "" {
		c.Server.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CREDPOOL_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("CREDPOOL_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("CREDPOOL_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("CREDPOOL_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("CREDPOOL_KEYS_DIRECTORY"); v != "" {
		c.Credentials.KeysDirectory = v
	}
	if v := os.Getenv("CREDPOOL_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Credentials.SyncInterval = d
		}
	}
	if v := os.Getenv("CREDPOOL_DEFAULT_UPSTREAM_URL"); v != "" {
		c.Upstream.DefaultUpstreamURL = v
	}
	// GatewayURL is documented (spec.md §6) as overridable at process start;
	// this is that override point.
	if v := os.Getenv("CREDPOOL_GATEWAY_URL"); v != "" {
		c.Upstream.GatewayURL = v
	}
	if v := os.Getenv("CREDPOOL_PROXY_URL"); v != "" {
		c.Upstream.ProxyURL = v
	}
	if v := os.Getenv("CREDPOOL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upstream.MaxRetries = n
		}
	}
	if v := os.Getenv("CREDPOOL_STATUS_FILE_PATH"); v != "" {
		c.Status.FilePath = v
	}
	if v := os.Getenv("CREDPOOL_MAX_STATUS_FILE_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Status.MaxSizeMB = n
		}
	}
	if v := os.Getenv("CREDPOOL_LOW_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Admission.LowThreshold = n
		}
	}
	if v := os.Getenv("CREDPOOL_HIGH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Admission.HighThreshold = n
		}
	}
	if v := os.Getenv("CREDPOOL_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.PerMinute = n
		}
	}
	if v := os.Getenv("CREDPOOL_RATE_LIMIT_PER_HOUR_BAN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.PerHourBan = n
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
