package manager

import (
	"github.com/rs/zerolog"

	"ttstudio/internal/registry"
)

// Manager supervises deployments. It is safe for concurrent use; each HTTP
// request drives its own deploy, stop or progress read.
type Manager struct {
	cfg  ManagerConfig
	log  zerolog.Logger
	jobs *jobStore
}

// SetEventPublisher replaces the event sink. Nil restores the no-op publisher.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.cfg.Publisher = p
}

// SetNotifier replaces the agent notifier.
func (m *Manager) SetNotifier(n AgentNotifier) { m.cfg.Notifier = n }

// Registry returns the model spec registry the manager deploys from.
func (m *Manager) Registry() *registry.Registry { return m.cfg.Registry }

func (m *Manager) publish(name, jobID, containerID string, fields map[string]any) {
	m.cfg.Publisher.Publish(Event{Name: name, JobID: jobID, ContainerID: containerID, Fields: fields})
}
