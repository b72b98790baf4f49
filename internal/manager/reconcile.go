package manager

import (
	"context"
	"time"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/lifecycle"
)

// Died describes a container that stopped without a user request.
type Died struct {
	ContainerID   string
	ContainerName string
	Status        lifecycle.Status
}

// Reconcile compares running lifecycle records with the runtime. Records whose
// container vanished or exited become exited, dead containers become dead.
// User stops are never overwritten. The deploy cache is refreshed afterwards.
func (m *Manager) Reconcile(ctx context.Context) ([]Died, error) {
	if m.cfg.Records == nil || m.cfg.Runtime == nil {
		m.refreshCache(ctx)
		return nil, nil
	}
	running, err := m.cfg.Records.Running(ctx)
	if err != nil {
		return nil, err
	}
	var died []Died
	for _, rec := range running {
		status, ok := m.terminalStatus(ctx, rec.ContainerID)
		if !ok {
			continue
		}
		changed, err := m.cfg.Records.MarkTerminated(ctx, rec.ContainerID, status)
		if err != nil {
			m.log.Warn().Err(err).Str("container", rec.ContainerID).Msg("mark terminated failed")
			continue
		}
		if !changed {
			continue
		}
		containerDeaths.WithLabelValues(string(status)).Inc()
		died = append(died, Died{ContainerID: rec.ContainerID, ContainerName: rec.ContainerName, Status: status})
		m.publish(EventContainerDied, "", rec.ContainerID, map[string]any{
			"container_name": rec.ContainerName,
			"model_name":     rec.ModelName,
			"status":         string(status),
		})
		m.log.Warn().Str("container", rec.ContainerID).Str("name", rec.ContainerName).Str("status", string(status)).Msg("container died")
	}
	m.refreshCache(ctx)
	if len(died) > 0 {
		m.notifyAgent(ctx)
	}
	return died, nil
}

// terminalStatus reports the lifecycle status for a container that is no
// longer running. Runtime errors other than NotFound are treated as unknown.
func (m *Manager) terminalStatus(ctx context.Context, id string) (lifecycle.Status, bool) {
	v, err := m.cfg.Runtime.GetContainer(ctx, id)
	if err != nil {
		if apierr.IsNotFound(err) {
			return lifecycle.StatusExited, true
		}
		m.log.Debug().Err(err).Str("container", id).Msg("inspect failed during reconcile")
		return "", false
	}
	switch v.Status {
	case "exited":
		return lifecycle.StatusExited, true
	case "dead":
		return lifecycle.StatusDead, true
	}
	return "", false
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (m *Manager) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("reconcile failed")
			}
		}
	}
}
