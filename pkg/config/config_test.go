package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultFeedIsValid(t *testing.T) {
	require.NoError(t, DefaultFeed().Validate())
}

func TestWorkingPoolRespectsWaterline(t *testing.T) {
	f := DefaultFeed()
	require.Equal(t, 36, f.WorkingPool(12))
	require.Equal(t, 24, f.WorkingPool(2))
}

func TestValidateRejectsBadWeights(t *testing.T) {
	f := DefaultFeed()
	f.Weights.Diversity = 0.5
	require.Error(t, f.Validate())
}

func TestValidateRejectsRepeatAgeBeyondCooldown(t *testing.T) {
	f := DefaultFeed()
	f.MinRepeatAge = f.RepeatCooldown
	require.Error(t, f.Validate())
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	yml := []byte(`
server:
  port: 9999
feed:
  pageSizeDefault: 10
  pageDeadline: 300ms
recorder:
  mode: kafka
`)
	require.NoError(t, os.WriteFile(path, yml, 0o600))
	t.Setenv("FR_REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, 10, cfg.Feed.PageSizeDefault)
	require.Equal(t, 300*time.Millisecond, cfg.Feed.PageDeadline)
	require.Equal(t, 120*time.Millisecond, cfg.Feed.DownstreamDeadline)
	require.Equal(t, "kafka", cfg.Recorder.Mode)
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
