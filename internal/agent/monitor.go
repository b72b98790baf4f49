package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ttstudio/pkg/types"
)

// MonitorConfig configures selection and failover.
type MonitorConfig struct {
	Discovery      *Discovery
	Prober         *Prober
	PriorityModels []string
	TypePriority   []string
	// MaxFailures consecutive failed probes trigger reselection.
	MaxFailures int
	Logger      zerolog.Logger
}

// Monitor holds the active LLM handle. Readers load it once per request, so a
// swap never interrupts a stream in flight.
type Monitor struct {
	cfg    MonitorConfig
	log    zerolog.Logger
	active atomic.Pointer[types.LlmInfo]

	mu       sync.Mutex
	failures int
	last     int
}

// NewMonitor returns a Monitor with no active handle.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Prober == nil {
		cfg.Prober = &Prober{}
	}
	return &Monitor{cfg: cfg, log: cfg.Logger.With().Str("component", "agent").Logger()}
}

// Active returns the selected LLM, if any.
func (m *Monitor) Active() (types.LlmInfo, bool) {
	p := m.active.Load()
	if p == nil {
		return types.LlmInfo{}, false
	}
	return *p, true
}

// Status reports the active handle and failure counter.
func (m *Monitor) Status() types.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := types.AgentStatus{ConsecutiveFailures: m.failures, Candidates: m.last}
	if a, ok := m.Active(); ok {
		st.Active = &a
	}
	return st
}

// Refresh rediscovers candidates and reselects. It implements the deploy
// supervisor's notifier hook.
func (m *Monitor) Refresh(ctx context.Context) error {
	m.cfg.Discovery.Invalidate()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.reselect(ctx)
	if err == nil {
		m.failures = 0
	}
	return err
}

// Notify is Refresh under the supervisor's notifier name.
func (m *Monitor) Notify(ctx context.Context) error { return m.Refresh(ctx) }

// Check probes the active handle once. After MaxFailures consecutive failures
// it reselects and swaps when a different candidate wins.
func (m *Monitor) Check(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Active()
	if !ok {
		if _, err := m.reselect(ctx); err != nil {
			m.log.Debug().Err(err).Msg("agent discovery failed")
		}
		return
	}
	status := m.cfg.Prober.Probe(ctx, cur)
	if status == Healthy || status == Degraded {
		m.failures = 0
		return
	}
	m.failures++
	m.log.Warn().Str("deploy_id", cur.DeployID).Int("failures", m.failures).Msg("agent model unhealthy")
	if m.failures < m.cfg.MaxFailures {
		return
	}
	swapped, err := m.reselect(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("agent reselection failed")
		return
	}
	if swapped {
		m.failures = 0
	}
}

// reselect stores the best fresh candidate. swapped is true when the active
// deploy id changed. Callers hold mu.
func (m *Monitor) reselect(ctx context.Context) (bool, error) {
	cands, err := m.cfg.Discovery.Candidates(ctx, true)
	if err != nil {
		return false, err
	}
	m.last = len(cands)
	best, ok := SelectBest(cands, m.cfg.PriorityModels, m.cfg.TypePriority)
	cur, had := m.Active()
	if !ok {
		return false, nil
	}
	if had && cur.DeployID == best.DeployID {
		m.active.Store(&best)
		return false, nil
	}
	m.active.Store(&best)
	swaps.Inc()
	m.log.Info().Str("deploy_id", best.DeployID).Str("model", best.ModelName).Str("previous", cur.DeployID).Msg("agent model selected")
	return true, nil
}

// Run calls Check every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.Check(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check(ctx)
		}
	}
}
