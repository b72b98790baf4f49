package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var cfg Config
	Defaults(&cfg)
	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "tt_studio_network", cfg.Runtime.BridgeNetwork)
	assert.Equal(t, "0.0.0.0", cfg.Runtime.PortHost)
	assert.Equal(t, []string{"tt_studio_network", "bridge"}, cfg.Runtime.AllowedNetworks)
	assert.Equal(t, []string{"ghcr.io/tenstorrent/"}, cfg.Runtime.AllowedImagePrefixes)
	assert.Equal(t, "http://172.18.0.1:8001", cfg.Launcher.URL)
	assert.Equal(t, 5*time.Second, cfg.Events.PollInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Events.HeartbeatInterval.Duration)
	assert.Equal(t, 3, cfg.Board.ResetAttempts)
	assert.Equal(t, "http://127.0.0.1:8000", cfg.PublicURL)
	assert.NotEmpty(t, cfg.Agent.PriorityModels)
}

func TestDefaultsKeepExplicitValues(t *testing.T) {
	cfg := Config{Addr: "0.0.0.0:9000"}
	cfg.Runtime.BridgeNetwork = "custom"
	cfg.Board.Timeout = Duration{3 * time.Second}
	Defaults(&cfg)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
	assert.Equal(t, []string{"custom", "bridge"}, cfg.Runtime.AllowedNetworks)
	assert.Equal(t, 3*time.Second, cfg.Board.Timeout.Duration)
	assert.Equal(t, "http://0.0.0.0:9000", cfg.PublicURL)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("TT_INFERENCE_LAUNCHER_URL", "http://launcher:9")
	t.Setenv("CLOUD_CHAT_UI_URL", "https://chat")
	t.Setenv("AGENT_PRIORITY_MODELS", " m1, ,m2 ")
	t.Setenv("AGENT_HEALTH_CHECK_INTERVAL", "45")
	t.Setenv("AGENT_DISCOVERY_CACHE_TTL", "2m")
	t.Setenv("AGENT_CONTROL_PLANE_URL", "http://studio:8000")

	cfg := Config{JWTSecret: "from-file", Addr: ":1"}
	ApplyEnv(&cfg)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, ":1", cfg.Addr)
	assert.Equal(t, "http://launcher:9", cfg.Launcher.URL)
	assert.Equal(t, "https://chat", cfg.Cloud.Chat.URL)
	assert.Equal(t, []string{"m1", "m2"}, cfg.Agent.PriorityModels)
	assert.Equal(t, 45*time.Second, cfg.Agent.HealthCheckInterval.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Agent.DiscoveryCacheTTL.Duration)
	assert.Equal(t, "http://studio:8000", cfg.Agent.ControlPlaneURL)
}

func TestValidate(t *testing.T) {
	var cfg Config
	Defaults(&cfg)
	require.Error(t, Validate(cfg))
	cfg.JWTSecret = "x"
	require.NoError(t, Validate(cfg))
	cfg.RateLimit.RequestsPerSecond = -1
	require.Error(t, Validate(cfg))
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, SplitCSV(""))
	assert.Equal(t, []string{"a", "b"}, SplitCSV("a, b,,"))
}
