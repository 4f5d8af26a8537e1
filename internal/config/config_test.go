package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/events")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "new_event", cfg.NotifyChannel)
	assert.Equal(t, "tracker", cfg.TrackerTable)
	assert.True(t, cfg.AutoCreateTracker)
	assert.Equal(t, 10*time.Second, cfg.CallbackInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"event_logger"}, cfg.Processors)
	assert.Equal(t, int32(25), cfg.DBMaxConns)
	assert.Equal(t, []time.Duration{5 * time.Second, 30 * time.Second, 120 * time.Second}, cfg.LockRetryBackoff)
	assert.Equal(t, 15*time.Second, cfg.LagInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/events")
	t.Setenv("AUTO_CREATE_TRACKER", "false")
	t.Setenv("CALLBACK_INTERVAL", "0s")
	t.Setenv("PROCESSORS", "projector_a, reactor_b ,")
	t.Setenv("TRACKER_TABLE", "projector_tracker")
	t.Setenv("FETCH_BATCH_SIZE", "50")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.False(t, cfg.AutoCreateTracker)
	assert.Equal(t, time.Duration(0), cfg.CallbackInterval)
	assert.Equal(t, []string{"projector_a", "reactor_b"}, cfg.Processors)
	assert.Equal(t, "projector_tracker", cfg.TrackerTable)
	assert.Equal(t, 50, cfg.FetchBatchSize)
}

func TestLoad_RejectsNonPositiveBatchSize(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/events")
	t.Setenv("FETCH_BATCH_SIZE", "0")

	_, err := load(viper.New())
	require.Error(t, err)
}
