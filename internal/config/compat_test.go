package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnvCompat(t *testing.T) {
	t.Setenv("THREAD_SYNC_FILE_FLUSH_TIMEOUT", "PT5S")
	t.Setenv("THREAD_SYNC_FALLBACK_RECHECK_DELAY", "250ms")
	t.Setenv("THREAD_SYNC_EXECUTION_POLL_INTERVAL", "PT1M30S")
	t.Setenv("THREAD_SYNC_MAPPING_CACHE_SIZE", "42")
	t.Setenv("THREAD_SYNC_ACCESS_LOG", "false")
	t.Setenv("THREAD_SYNC_SOURCE", "web")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnvCompat())

	require.Equal(t, 5*time.Second, cfg.FileFlushTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.FallbackRecheckDelay)
	require.Equal(t, 90*time.Second, cfg.ExecutionPollEvery)
	require.Equal(t, int64(42), cfg.MappingCacheSize)
	require.False(t, cfg.AccessLog)
	require.Equal(t, "web", cfg.Source)
}

func TestApplyEnvCompat_InvalidValue(t *testing.T) {
	t.Setenv("THREAD_SYNC_FALLBACK_RECHECK_DELAY", "soon")
	cfg := DefaultConfig()
	require.ErrorContains(t, cfg.ApplyEnvCompat(), "THREAD_SYNC_FALLBACK_RECHECK_DELAY")
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("PT2H")
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, d)

	d, err = ParseDuration("1s")
	require.NoError(t, err)
	require.Equal(t, time.Second, d)

	_, err = ParseDuration("P1D")
	require.Error(t, err)
	_, err = ParseDuration("")
	require.Error(t, err)
}
