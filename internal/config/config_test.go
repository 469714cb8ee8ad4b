package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantfeed/market-crawler/internal/task"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "crawler-worker-01", cfg.Worker.ID)
	require.Equal(t, task.TierNormal, cfg.Tier())
	require.Equal(t, 5, cfg.Worker.MaxConcurrentTasks)
	require.Equal(t, 5, cfg.Worker.NoProxyPermits)
	require.Equal(t, 20, cfg.Worker.ProxyPermits)
	require.Equal(t, 120, cfg.Worker.GracefulShutdownSec)
	require.Equal(t, "127.0.0.1:6379", cfg.BrokerAddr())
	require.True(t, cfg.Inject.EnableCookie)
	require.True(t, cfg.Inject.EnableProxy)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WORKER_ID", "crawler-critical-7")
	t.Setenv("PRIORITY_LEVEL", "CRITICAL")
	t.Setenv("MAX_CONCURRENT_TASKS", "12")
	t.Setenv("DRAGONFLY_HOST", "dragonfly.internal")
	t.Setenv("DRAGONFLY_PORT", "30010")
	t.Setenv("ENABLE_PROXY_INJECTION", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "crawler-critical-7", cfg.Worker.ID)
	require.Equal(t, task.TierCritical, cfg.Tier())
	require.Equal(t, 12, cfg.Worker.MaxConcurrentTasks)
	require.Equal(t, "dragonfly.internal:30010", cfg.BrokerAddr())
	require.False(t, cfg.Inject.EnableProxy)
}

func TestLoadLegacyMediumTier(t *testing.T) {
	t.Setenv("PRIORITY_LEVEL", "MEDIUM")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, task.TierNormal, cfg.Tier())
}

func TestLoadRejectsBadTier(t *testing.T) {
	t.Setenv("PRIORITY_LEVEL", "URGENT")

	_, err := Load("")
	require.Error(t, err)
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TASKS", "0")

	_, err := Load("")
	require.Error(t, err)
}
