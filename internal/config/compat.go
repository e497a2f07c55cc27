package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvCompat reads environment variables that are not represented by
// dedicated CLI flags.
func (c *Config) ApplyEnvCompat() error {
	if c == nil {
		return nil
	}

	var err error
	if err = applyDurationEnv("THREAD_SYNC_FILE_FLUSH_TIMEOUT", &c.FileFlushTimeout); err != nil {
		return err
	}
	if err = applyDurationEnv("THREAD_SYNC_FALLBACK_RECHECK_DELAY", &c.FallbackRecheckDelay); err != nil {
		return err
	}
	if err = applyDurationEnv("THREAD_SYNC_EXECUTION_POLL_INTERVAL", &c.ExecutionPollEvery); err != nil {
		return err
	}
	if err = applyInt64Env("THREAD_SYNC_MAPPING_CACHE_SIZE", &c.MappingCacheSize); err != nil {
		return err
	}
	if err = applyBoolEnv("THREAD_SYNC_ACCESS_LOG", &c.AccessLog); err != nil {
		return err
	}
	applyStringEnv("THREAD_SYNC_SOURCE", &c.Source)
	applyStringEnv("THREAD_SYNC_METRICS_LABELS", &c.MetricsLabels)
	return nil
}

// Validate rejects configurations the sync engine cannot run with.
func (c *Config) Validate() error {
	if c.FileSyncDebounce <= 0 {
		return fmt.Errorf("file sync debounce must be positive")
	}
	if c.ListPageSize <= 0 {
		return fmt.Errorf("list page size must be positive")
	}
	switch c.LocalStoreType {
	case "postgres", "mongo":
		if strings.TrimSpace(c.LocalStoreURL) == "" {
			return fmt.Errorf("local store %q requires a local store URL", c.LocalStoreType)
		}
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown local store type %q", c.LocalStoreType)
	}
	return nil
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyInt64Env(key string, dest *int64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

// ParseDuration accepts Go durations (1500ms, 2s) and the ISO-8601 subset
// PT#H#M#S.
func ParseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}

	if !strings.HasPrefix(v, "PT") {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	rest := strings.TrimPrefix(v, "PT")
	if rest == "" {
		return 0, fmt.Errorf("invalid format %q", raw)
	}
	total := time.Duration(0)
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		switch rest[i] {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}
