package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearAdminEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"STRATA_DATABASE__URL", "STRATA_ADMIN__HOSTNAME", "STRATA_ADMIN__SESSION_SECRET",
		"STRATA_SERVER__HTTP_ADDR", "STRATA_SERVER__GRPC_ADDR", "STRATA_POLL__INTERVAL",
	} {
		t.Setenv(key, "") // registers restoration of the original value
		os.Unsetenv(key)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	clearAdminEnv(t)
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	clearAdminEnv(t)
	t.Setenv("STRATA_DATABASE__URL", "postgres://localhost/test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, 1000, cfg.Poll.BatchSize)
	assert.Equal(t, 3, cfg.Poll.MaxRetries)
	assert.Equal(t, 64, cfg.Subscriber.QueueDepth)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadCustomAddrsFromEnv(t *testing.T) {
	clearAdminEnv(t)
	t.Setenv("STRATA_DATABASE__URL", "postgres://localhost/test")
	t.Setenv("STRATA_SERVER__HTTP_ADDR", ":3000")
	t.Setenv("STRATA_SERVER__GRPC_ADDR", ":4000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Server.HTTPAddr)
	assert.Equal(t, ":4000", cfg.Server.GRPCAddr)
}

func TestLoadAdminHostnameRequiresSessionSecret(t *testing.T) {
	clearAdminEnv(t)
	t.Setenv("STRATA_DATABASE__URL", "postgres://localhost/test")
	t.Setenv("STRATA_ADMIN__HOSTNAME", "admin.example.com")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadAdminHostnameShortSessionSecret(t *testing.T) {
	clearAdminEnv(t)
	t.Setenv("STRATA_DATABASE__URL", "postgres://localhost/test")
	t.Setenv("STRATA_ADMIN__HOSTNAME", "admin.example.com")
	t.Setenv("STRATA_ADMIN__SESSION_SECRET", "short")

	_, err := Load("")
	require.Error(t, err)
}

func TestPollIntervalDurationFallsBackOnInvalid(t *testing.T) {
	p := PollConfig{Interval: "not-a-duration"}
	assert.Equal(t, "1s", p.IntervalDuration().String())
}
