package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "30s" or "5m".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.Duration.String()), nil }

// CloudTarget is an external endpoint used when a request carries no deploy id.
type CloudTarget struct {
	URL       string `json:"url" yaml:"url" toml:"url"`
	AuthToken string `json:"auth_token" yaml:"auth_token" toml:"auth_token"`
	Model     string `json:"model" yaml:"model" toml:"model"`
}

// Config holds runtime parameters for the control plane.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	// PublicURL is how the agent reaches this control plane's /deployed/ endpoint.
	PublicURL string `json:"public_url" yaml:"public_url" toml:"public_url"`

	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"`
	HFToken   string `json:"hf_token" yaml:"hf_token" toml:"hf_token"`

	HostPersistentVolume     string `json:"host_persistent_storage_volume" yaml:"host_persistent_storage_volume" toml:"host_persistent_storage_volume"`
	InternalPersistentVolume string `json:"internal_persistent_storage_volume" yaml:"internal_persistent_storage_volume" toml:"internal_persistent_storage_volume"`

	DBPath           string `json:"db_path" yaml:"db_path" toml:"db_path"`
	ModelCatalogPath string `json:"model_catalog_path" yaml:"model_catalog_path" toml:"model_catalog_path"`

	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime" toml:"runtime"`
	Launcher  LauncherConfig  `json:"launcher" yaml:"launcher" toml:"launcher"`
	Deploy    DeployConfig    `json:"deploy" yaml:"deploy" toml:"deploy"`
	Board     BoardConfig     `json:"board" yaml:"board" toml:"board"`
	Agent     AgentConfig     `json:"agent" yaml:"agent" toml:"agent"`
	Events    EventsConfig    `json:"events" yaml:"events" toml:"events"`
	CORS      CORSConfig      `json:"cors" yaml:"cors" toml:"cors"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing" toml:"tracing"`

	Cloud struct {
		Chat              CloudTarget `json:"chat" yaml:"chat" toml:"chat"`
		ObjectDetection   CloudTarget `json:"object_detection" yaml:"object_detection" toml:"object_detection"`
		ImageGeneration   CloudTarget `json:"image_generation" yaml:"image_generation" toml:"image_generation"`
		SpeechRecognition CloudTarget `json:"speech_recognition" yaml:"speech_recognition" toml:"speech_recognition"`
	} `json:"cloud" yaml:"cloud" toml:"cloud"`
}

// RuntimeConfig configures the container runtime client and its security policy.
type RuntimeConfig struct {
	BridgeNetwork        string   `json:"bridge_network" yaml:"bridge_network" toml:"bridge_network"`
	AllowedImagePrefixes []string `json:"allowed_image_prefixes" yaml:"allowed_image_prefixes" toml:"allowed_image_prefixes"`
	AllowedNetworks      []string `json:"allowed_networks" yaml:"allowed_networks" toml:"allowed_networks"`
	AllowedCapabilities  []string `json:"allowed_capabilities" yaml:"allowed_capabilities" toml:"allowed_capabilities"`
	DevicePath           string   `json:"device_path" yaml:"device_path" toml:"device_path"`
	RegistryAuth         string   `json:"registry_auth" yaml:"registry_auth" toml:"registry_auth"`
	StopTimeout          Duration `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout"`

	// PortHost is where host ports for directly started containers are allocated.
	PortHost string `json:"port_host" yaml:"port_host" toml:"port_host"`
}

// LauncherConfig configures the inference launcher client.
type LauncherConfig struct {
	URL           string   `json:"url" yaml:"url" toml:"url"`
	RunTimeout    Duration `json:"run_timeout" yaml:"run_timeout" toml:"run_timeout"`
	StreamEnabled bool     `json:"stream_enabled" yaml:"stream_enabled" toml:"stream_enabled"`
}

// DeployConfig configures the deployment supervisor.
type DeployConfig struct {
	AutoPull          bool     `json:"auto_pull" yaml:"auto_pull" toml:"auto_pull"`
	StallAfter        Duration `json:"stall_after" yaml:"stall_after" toml:"stall_after"`
	ReconcileInterval Duration `json:"reconcile_interval" yaml:"reconcile_interval" toml:"reconcile_interval"`
	LookupAttempts    int      `json:"lookup_attempts" yaml:"lookup_attempts" toml:"lookup_attempts"`
	LookupInterval    Duration `json:"lookup_interval" yaml:"lookup_interval" toml:"lookup_interval"`
	// AgentURL receives POST /refresh after a deploy. Empty means the in-process agent.
	AgentURL string `json:"agent_url" yaml:"agent_url" toml:"agent_url"`
}

// BoardConfig configures the device CLI.
type BoardConfig struct {
	TTSMIPath     string   `json:"tt_smi_path" yaml:"tt_smi_path" toml:"tt_smi_path"`
	Timeout       Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	CacheTTL      Duration `json:"cache_ttl" yaml:"cache_ttl" toml:"cache_ttl"`
	ResetAttempts int      `json:"reset_attempts" yaml:"reset_attempts" toml:"reset_attempts"`
	ResetGap      Duration `json:"reset_gap" yaml:"reset_gap" toml:"reset_gap"`
	ResetTimeout  Duration `json:"reset_timeout" yaml:"reset_timeout" toml:"reset_timeout"`
}

// AgentConfig configures LLM discovery and health monitoring.
type AgentConfig struct {
	Disabled            bool     `json:"disabled" yaml:"disabled" toml:"disabled"`
	DiscoveryCacheTTL   Duration `json:"discovery_cache_ttl" yaml:"discovery_cache_ttl" toml:"discovery_cache_ttl"`
	HealthCheckInterval Duration `json:"health_check_interval" yaml:"health_check_interval" toml:"health_check_interval"`
	HealthCheckTimeout  Duration `json:"health_check_timeout" yaml:"health_check_timeout" toml:"health_check_timeout"`
	MaxFailures         int      `json:"max_failures" yaml:"max_failures" toml:"max_failures"`
	PriorityModels      []string `json:"priority_models" yaml:"priority_models" toml:"priority_models"`
	ModelTypePriority   []string `json:"model_type_priority" yaml:"model_type_priority" toml:"model_type_priority"`

	// ControlPlaneURL, when set, makes discovery read <url>/deployed/ over
	// HTTP instead of the in-process deploy cache.
	ControlPlaneURL string `json:"control_plane_url" yaml:"control_plane_url" toml:"control_plane_url"`
}

// EventsConfig configures the container-event stream.
type EventsConfig struct {
	PollInterval      Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// CORSConfig is opt-in; when disabled no CORS middleware is installed.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// RateLimitConfig bounds mutating requests per client address.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst" toml:"burst"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	ServiceName  string `json:"service_name" yaml:"service_name" toml:"service_name"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
