package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ttstudio/internal/agent"
	"ttstudio/internal/boardinfo"
	"ttstudio/internal/config"
	"ttstudio/internal/containers"
	"ttstudio/internal/deploycache"
	"ttstudio/internal/httpapi"
	"ttstudio/internal/inference"
	"ttstudio/internal/launcher"
	"ttstudio/internal/lifecycle"
	"ttstudio/internal/manager"
	"ttstudio/internal/registry"
	"ttstudio/internal/tracing"
	"ttstudio/pkg/types"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ttstudiod:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("TT_STUDIO_CONFIG"), "Path to a YAML, JSON or TOML config file")
	addr := flag.String("addr", "", "HTTP listen address, e.g. :8000 (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *addr, *logLevel)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
	}, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	reg, err := registry.Load(cfg.ModelCatalogPath, registry.Volumes{
		HostRoot:     cfg.HostPersistentVolume,
		InternalRoot: cfg.InternalPersistentVolume,
	})
	if err != nil {
		return fmt.Errorf("model catalog: %w", err)
	}
	rt, err := containers.NewDocker(containers.Policy{
		AllowedImagePrefixes: cfg.Runtime.AllowedImagePrefixes,
		AllowedNetworks:      cfg.Runtime.AllowedNetworks,
		AllowedCapabilities:  cfg.Runtime.AllowedCapabilities,
		DevicePath:           cfg.Runtime.DevicePath,
	}, log)
	if err != nil {
		return fmt.Errorf("container runtime: %w", err)
	}
	defer rt.Close()
	if err := rt.EnsureNetwork(ctx, cfg.Runtime.BridgeNetwork, "bridge"); err != nil {
		log.Warn().Err(err).Str("network", cfg.Runtime.BridgeNetwork).Msg("bridge network unavailable")
	}

	store, err := lifecycle.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("lifecycle store: %w", err)
	}
	defer store.Close()

	cache := deploycache.New(deploycache.Options{
		Runtime:       rt,
		Registry:      reg,
		Lifecycle:     store,
		BridgeNetwork: cfg.Runtime.BridgeNetwork,
		Logger:        log,
	})
	board := boardinfo.New(boardinfo.Options{
		Runner:        boardinfo.ExecRunner{Path: cfg.Board.TTSMIPath},
		Timeout:       cfg.Board.Timeout.Duration,
		CacheTTL:      cfg.Board.CacheTTL.Duration,
		ResetAttempts: cfg.Board.ResetAttempts,
		ResetGap:      cfg.Board.ResetGap.Duration,
		ResetTimeout:  cfg.Board.ResetTimeout.Duration,
		Logger:        log,
	})
	launch, err := launcher.NewClient(cfg.Launcher.URL, cfg.Launcher.RunTimeout.Duration)
	if err != nil {
		return fmt.Errorf("launcher: %w", err)
	}

	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:            reg,
		Runtime:             rt,
		Cache:               cache,
		Launcher:            launch,
		Board:               board,
		Records:             store,
		Logger:              log,
		BridgeNetwork:       cfg.Runtime.BridgeNetwork,
		DevicePath:          cfg.Runtime.DevicePath,
		PortHost:            cfg.Runtime.PortHost,
		AllowedCapabilities: cfg.Runtime.AllowedCapabilities,
		RegistryAuth:        cfg.Runtime.RegistryAuth,
		JWTSecret:           cfg.JWTSecret,
		HFToken:             cfg.HFToken,
		AutoPull:            cfg.Deploy.AutoPull,
		StallAfter:          cfg.Deploy.StallAfter.Duration,
		LookupAttempts:      cfg.Deploy.LookupAttempts,
		LookupInterval:      cfg.Deploy.LookupInterval.Duration,
		StopTimeout:         cfg.Runtime.StopTimeout.Duration,
		StreamEnabled:       cfg.Launcher.StreamEnabled,
	})
	mgr.SetEventPublisher(manager.LogPublisher{Logger: log})

	proxy, err := inference.New(inference.Options{
		Deployments: cache,
		JWTSecret:   cfg.JWTSecret,
		Cloud:       cloudTargets(cfg),
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("inference proxy: %w", err)
	}

	if _, err := cache.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial deploy cache refresh failed")
	}

	var ag httpapi.Agent
	if !cfg.Agent.Disabled {
		prober := &agent.Prober{Token: proxy.Token(), Timeout: cfg.Agent.HealthCheckTimeout.Duration}
		src := agentSource(cfg, cache)
		mon := agent.NewMonitor(agent.MonitorConfig{
			Discovery:      agent.NewDiscovery(src, prober, cfg.Agent.DiscoveryCacheTTL.Duration),
			Prober:         prober,
			PriorityModels: cfg.Agent.PriorityModels,
			TypePriority:   cfg.Agent.ModelTypePriority,
			MaxFailures:    cfg.Agent.MaxFailures,
			Logger:         log,
		})
		ag = agent.NewAgent(agent.ChatConfig{Monitor: mon, Token: proxy.Token(), Logger: log})
		if cfg.Deploy.AgentURL == "" {
			mgr.SetNotifier(mon)
		}
		go mon.Run(ctx, cfg.Agent.HealthCheckInterval.Duration)
	}
	if cfg.Deploy.AgentURL != "" {
		mgr.SetNotifier(manager.HTTPAgentNotifier{BaseURL: cfg.Deploy.AgentURL})
	}
	go mgr.RunReconciler(ctx, cfg.Deploy.ReconcileInterval.Duration)

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins)
	httpapi.SetRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux := httpapi.NewMux(httpapi.Deps{
		Registry:   reg,
		Supervisor: mgr,
		Cache:      cache,
		History:    store,
		Board:      board,
		Proxy:      proxy,
		Agent:      ag,
		Runtime:    rt,
		Events: httpapi.EventOptions{
			PollInterval: cfg.Events.PollInterval.Duration,
			Heartbeat:    cfg.Events.HeartbeatInterval.Duration,
		},
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version).Str("public_url", cfg.PublicURL).Int("models", len(reg.IDs())).Msg("ttstudiod listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// loadConfig reads the optional file, applies the environment, then flag
// overrides, and fills defaults.
func loadConfig(path, addr, level string) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		cfg = c
	}
	config.ApplyEnv(&cfg)
	if addr != "" {
		cfg.Addr = addr
	}
	if level != "" {
		cfg.LogLevel = level
	}
	config.Defaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if format == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(lvl).With().Timestamp().Str("service", "ttstudiod").Logger()
}

// agentSource is the HTTP /deployed/ reader when agent.control_plane_url is
// set, else the in-process deploy cache.
func agentSource(cfg config.Config, cache *deploycache.Cache) agent.Source {
	if cfg.Agent.ControlPlaneURL != "" {
		return agent.HTTPSource{BaseURL: cfg.Agent.ControlPlaneURL}
	}
	return agent.SourceFunc(func(ctx context.Context) (map[string]types.DeployRecordView, error) {
		if err := cache.EnsureFresh(ctx); err != nil {
			return nil, err
		}
		return cache.Views(true), nil
	})
}

// cloudTargets keeps only the cloud endpoints that have a URL.
func cloudTargets(cfg config.Config) map[registry.ModelType]inference.CloudTarget {
	out := map[registry.ModelType]inference.CloudTarget{}
	add := func(t registry.ModelType, c config.CloudTarget) {
		if c.URL != "" {
			out[t] = inference.CloudTarget{URL: c.URL, AuthToken: c.AuthToken, Model: c.Model}
		}
	}
	add(registry.ModelTypeChat, cfg.Cloud.Chat)
	add(registry.ModelTypeObjectDetection, cfg.Cloud.ObjectDetection)
	add(registry.ModelTypeImageGeneration, cfg.Cloud.ImageGeneration)
	add(registry.ModelTypeSpeechRecognition, cfg.Cloud.SpeechRecognition)
	return out
}
