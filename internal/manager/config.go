package manager

import (
	"time"

	"github.com/rs/zerolog"

	"ttstudio/internal/containers"
	"ttstudio/internal/deploycache"
	"ttstudio/internal/registry"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultBridgeNetwork  = "tt_studio_network"
	defaultStallAfter     = 5 * time.Hour
	defaultLookupAttempts = 10
	defaultLookupInterval = 3 * time.Second
	defaultStopTimeout    = 10 * time.Second
	defaultDevicePath     = "/dev/tenstorrent"
	defaultPortHost       = "0.0.0.0"
	defaultLogLimit       = 50
	// launcher-started containers listen here
	defaultServicePort = registry.DefaultServicePort
)

// ManagerConfig encapsulates all tunables and collaborators for Manager construction.
type ManagerConfig struct {
	Registry  *registry.Registry
	Runtime   containers.Runtime
	Cache     *deploycache.Cache
	Launcher  Launcher
	Board     Board
	Records   Records
	Notifier  AgentNotifier
	Publisher EventPublisher
	Logger    zerolog.Logger

	BridgeNetwork       string
	DevicePath          string
	AllowedCapabilities []string
	RegistryAuth        string
	// PortHost is the address host ports for directly started containers are
	// allocated on. Allocation runs in ttstudiod's own network namespace, so it
	// only reflects the docker host when ttstudiod runs there or with host
	// networking.
	PortHost string
	// Passed to containers started directly on the runtime.
	JWTSecret string
	HFToken   string

	AutoPull       bool
	StallAfter     time.Duration
	LookupAttempts int
	LookupInterval time.Duration
	StopTimeout    time.Duration
	// StreamEnabled relays the launcher's SSE progress stream instead of polling.
	StreamEnabled bool
	PollInterval  time.Duration

	// Now is the clock; tests override it.
	Now func() time.Time
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	if cfg.BridgeNetwork == "" {
		cfg.BridgeNetwork = defaultBridgeNetwork
	}
	if cfg.DevicePath == "" {
		cfg.DevicePath = defaultDevicePath
	}
	if cfg.PortHost == "" {
		cfg.PortHost = defaultPortHost
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	if cfg.LookupAttempts <= 0 {
		cfg.LookupAttempts = defaultLookupAttempts
	}
	if cfg.LookupInterval <= 0 {
		cfg.LookupInterval = defaultLookupInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "supervisor").Logger(),
		jobs: newJobStore(cfg.Now),
	}
}
