package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables, falling back to
// defaults. CLI flags override on top of this in the binary.
func Load() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REPLICATION_SLOT"); v != "" {
		cfg.Slot = v
	}
	if v := os.Getenv("START_POSITION"); v != "" {
		cfg.StartPosition = v
	}
	if v := os.Getenv("END_POSITION"); v != "" {
		cfg.EndPosition = v
	}
	if v := os.Getenv("TIMELINE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Timeline = i
		}
	}
	if v := os.Getenv("SYSTEM_ID"); v != "" {
		cfg.SystemID = v
	}
	if v := os.Getenv("STATUS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StatusInterval = d
		}
	}
	if v := os.Getenv("PLUGIN_OPTIONS"); v != "" {
		cfg.PluginOptions = parseKeyValues(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("CHECKPOINT_KEY"); v != "" {
		cfg.CheckpointKey = v
	}
	if v := os.Getenv("CHECKPOINT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CheckpointTTL = d
		}
	}
	if v := os.Getenv("SAVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SaveInterval = d
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURLs = splitList(v)
	}
	if v := os.Getenv("NATS_USERNAME"); v != "" {
		cfg.NATSUsername = v
	}
	if v := os.Getenv("NATS_PASSWORD"); v != "" {
		cfg.NATSPassword = v
	}
	if v := os.Getenv("NATS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NATSTimeout = d
		}
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	if v := strings.ToLower(os.Getenv("DEBUG")); v == "1" || v == "true" || v == "yes" {
		cfg.Debug = true
	}

	return cfg
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseKeyValues reads "key=value,key=value" lists; a bare key means "on".
func parseKeyValues(v string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, val, ok := strings.Cut(part, "="); ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		} else {
			out[part] = "on"
		}
	}
	return out
}
