package manager

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NotifierFunc adapts a function to AgentNotifier, used when the agent runs in
// the same process.
type NotifierFunc func(ctx context.Context) error

func (f NotifierFunc) Notify(ctx context.Context) error { return f(ctx) }

// HTTPAgentNotifier posts to <BaseURL>/refresh.
type HTTPAgentNotifier struct {
	BaseURL string
	Client  *http.Client
}

func (n HTTPAgentNotifier) Notify(ctx context.Context) error {
	c := n.Client
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(n.BaseURL, "/")+"/refresh", nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent refresh: status %d", resp.StatusCode)
	}
	return nil
}

// notifyAgent tells the agent the deployed set changed. Failures only log.
func (m *Manager) notifyAgent(ctx context.Context) {
	if m.cfg.Notifier == nil {
		return
	}
	if err := m.cfg.Notifier.Notify(ctx); err != nil {
		m.log.Warn().Err(err).Msg("agent notification failed")
	}
}
