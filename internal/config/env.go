package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBindings maps config keys to the environment variables consumed by the
// control plane.
var envBindings = map[string]string{
	"addr":                               "TT_STUDIO_ADDR",
	"log_level":                          "TT_STUDIO_LOG_LEVEL",
	"public_url":                         "TT_STUDIO_PUBLIC_URL",
	"jwt_secret":                         "JWT_SECRET",
	"hf_token":                           "HF_TOKEN",
	"host_persistent_storage_volume":     "HOST_PERSISTENT_STORAGE_VOLUME",
	"internal_persistent_storage_volume": "INTERNAL_PERSISTENT_STORAGE_VOLUME",
	"db_path":                            "TT_STUDIO_DB_PATH",
	"launcher_url":                       "TT_INFERENCE_LAUNCHER_URL",
	"cloud_chat_url":                     "CLOUD_CHAT_UI_URL",
	"cloud_chat_token":                   "CLOUD_CHAT_UI_AUTH_TOKEN",
	"cloud_yolo_url":                     "CLOUD_YOLOV4_API_URL",
	"cloud_yolo_token":                   "CLOUD_YOLOV4_API_AUTH_TOKEN",
	"cloud_sd_url":                       "CLOUD_STABLE_DIFFUSION_URL",
	"cloud_sd_token":                     "CLOUD_STABLE_DIFFUSION_AUTH_TOKEN",
	"cloud_speech_url":                   "CLOUD_SPEECH_RECOGNITION_URL",
	"cloud_speech_token":                 "CLOUD_SPEECH_RECOGNITION_AUTH_TOKEN",
	"agent_discovery_cache_ttl":          "AGENT_DISCOVERY_CACHE_TTL",
	"agent_health_check_interval":        "AGENT_HEALTH_CHECK_INTERVAL",
	"agent_health_check_timeout":         "AGENT_HEALTH_CHECK_TIMEOUT",
	"agent_max_failures":                 "AGENT_MAX_FAILURES",
	"agent_priority_models":              "AGENT_PRIORITY_MODELS",
	"agent_control_plane_url":            "AGENT_CONTROL_PLANE_URL",
}

// ApplyEnv overlays environment variables on cfg. Set variables win over file
// values; unset ones leave cfg untouched.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	v.AutomaticEnv()

	setString := func(dst *string, key string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setDuration := func(dst *Duration, key string) {
		if !v.IsSet(key) {
			return
		}
		raw := strings.TrimSpace(v.GetString(key))
		if d, err := time.ParseDuration(raw); err == nil {
			dst.Duration = d
			return
		}
		// plain integers are seconds
		if n := v.GetInt(key); n > 0 {
			dst.Duration = time.Duration(n) * time.Second
		}
	}

	setString(&cfg.Addr, "addr")
	setString(&cfg.LogLevel, "log_level")
	setString(&cfg.PublicURL, "public_url")
	setString(&cfg.JWTSecret, "jwt_secret")
	setString(&cfg.HFToken, "hf_token")
	setString(&cfg.HostPersistentVolume, "host_persistent_storage_volume")
	setString(&cfg.InternalPersistentVolume, "internal_persistent_storage_volume")
	setString(&cfg.DBPath, "db_path")
	setString(&cfg.Launcher.URL, "launcher_url")
	setString(&cfg.Cloud.Chat.URL, "cloud_chat_url")
	setString(&cfg.Cloud.Chat.AuthToken, "cloud_chat_token")
	setString(&cfg.Cloud.ObjectDetection.URL, "cloud_yolo_url")
	setString(&cfg.Cloud.ObjectDetection.AuthToken, "cloud_yolo_token")
	setString(&cfg.Cloud.ImageGeneration.URL, "cloud_sd_url")
	setString(&cfg.Cloud.ImageGeneration.AuthToken, "cloud_sd_token")
	setString(&cfg.Cloud.SpeechRecognition.URL, "cloud_speech_url")
	setString(&cfg.Cloud.SpeechRecognition.AuthToken, "cloud_speech_token")
	setString(&cfg.Agent.ControlPlaneURL, "agent_control_plane_url")
	setDuration(&cfg.Agent.DiscoveryCacheTTL, "agent_discovery_cache_ttl")
	setDuration(&cfg.Agent.HealthCheckInterval, "agent_health_check_interval")
	setDuration(&cfg.Agent.HealthCheckTimeout, "agent_health_check_timeout")
	if v.IsSet("agent_max_failures") {
		if n := v.GetInt("agent_max_failures"); n > 0 {
			cfg.Agent.MaxFailures = n
		}
	}
	if v.IsSet("agent_priority_models") {
		cfg.Agent.PriorityModels = SplitCSV(v.GetString("agent_priority_models"))
	}
}

// Defaults fills unspecified fields.
func Defaults(cfg *Config) {
	def := func(dst *string, val string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = val
		}
	}
	defDur := func(dst *Duration, val time.Duration) {
		if dst.Duration <= 0 {
			dst.Duration = val
		}
	}
	defInt := func(dst *int, val int) {
		if *dst <= 0 {
			*dst = val
		}
	}
	def(&cfg.Addr, ":8000")
	def(&cfg.LogLevel, "info")
	def(&cfg.LogFormat, "json")
	def(&cfg.DBPath, "~/.tt_studio/deployments.sqlite")
	def(&cfg.InternalPersistentVolume, "/tt_studio_persistent_volume")

	def(&cfg.Runtime.BridgeNetwork, "tt_studio_network")
	def(&cfg.Runtime.DevicePath, "/dev/tenstorrent")
	def(&cfg.Runtime.PortHost, "0.0.0.0")
	if len(cfg.Runtime.AllowedImagePrefixes) == 0 {
		cfg.Runtime.AllowedImagePrefixes = []string{"ghcr.io/tenstorrent/"}
	}
	if len(cfg.Runtime.AllowedNetworks) == 0 {
		cfg.Runtime.AllowedNetworks = []string{cfg.Runtime.BridgeNetwork, "bridge"}
	}
	if len(cfg.Runtime.AllowedCapabilities) == 0 {
		cfg.Runtime.AllowedCapabilities = []string{"IPC_LOCK", "SYS_NICE"}
	}
	defDur(&cfg.Runtime.StopTimeout, 10*time.Second)

	def(&cfg.Launcher.URL, "http://172.18.0.1:8001")
	defDur(&cfg.Launcher.RunTimeout, 5*time.Hour)

	defDur(&cfg.Deploy.StallAfter, 5*time.Hour)
	defDur(&cfg.Deploy.ReconcileInterval, 10*time.Second)
	defInt(&cfg.Deploy.LookupAttempts, 10)
	defDur(&cfg.Deploy.LookupInterval, 3*time.Second)

	def(&cfg.Board.TTSMIPath, "tt-smi")
	defDur(&cfg.Board.Timeout, 10*time.Second)
	defDur(&cfg.Board.CacheTTL, time.Hour)
	defInt(&cfg.Board.ResetAttempts, 3)
	defDur(&cfg.Board.ResetGap, 2*time.Second)
	defDur(&cfg.Board.ResetTimeout, 60*time.Second)

	defDur(&cfg.Agent.DiscoveryCacheTTL, 30*time.Second)
	defDur(&cfg.Agent.HealthCheckInterval, 30*time.Second)
	defDur(&cfg.Agent.HealthCheckTimeout, 5*time.Second)
	defInt(&cfg.Agent.MaxFailures, 3)
	if len(cfg.Agent.PriorityModels) == 0 {
		cfg.Agent.PriorityModels = []string{
			"meta-llama/Llama-3.2-1B-Instruct",
			"meta-llama/Llama-3.2-3B-Instruct",
			"meta-llama/Llama-3.1-8B-Instruct",
			"meta-llama/Llama-3.3-70B-Instruct",
			"Qwen/Qwen2.5-7B-Instruct",
		}
	}
	if len(cfg.Agent.ModelTypePriority) == 0 {
		cfg.Agent.ModelTypePriority = []string{"CHAT"}
	}

	defDur(&cfg.Events.PollInterval, 5*time.Second)
	defDur(&cfg.Events.HeartbeatInterval, 30*time.Second)
	def(&cfg.Tracing.ServiceName, "ttstudio")
	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 1
	}
	if cfg.PublicURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
		cfg.PublicURL = "http://" + addr
	}
}

// Validate reports missing required settings.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		return errors.New("rate_limit.requests_per_second must be >= 0")
	}
	return nil
}

// SplitCSV splits a comma separated list, trimming blanks and dropping empties.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
