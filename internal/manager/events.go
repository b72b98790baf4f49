package manager

import "github.com/rs/zerolog"

// Event represents a supervisor lifecycle event.
// Minimal and stable: name + job/container ids and optional fields via key/values.
type Event struct {
	Name        string
	JobID       string
	ContainerID string
	Fields      map[string]any
}

// Event names published by the supervisor.
const (
	EventDeployStart    = "deploy_start"
	EventDeployRetry    = "deploy_retry"
	EventDeployDone     = "deploy_done"
	EventDeployFailed   = "deploy_failed"
	EventStopDone       = "stop_done"
	EventContainerDied  = "container_died"
	EventCacheRefreshed = "cache_refreshed"
)

// EventPublisher receives events from the supervisor. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher writes events to a logger at debug level, failures at warn.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	ev := p.Logger.Debug()
	if e.Name == EventDeployFailed || e.Name == EventContainerDied {
		ev = p.Logger.Warn()
	}
	if e.JobID != "" {
		ev = ev.Str("job_id", e.JobID)
	}
	if e.ContainerID != "" {
		ev = ev.Str("container_id", e.ContainerID)
	}
	ev.Fields(e.Fields).Str("event", e.Name).Msg("supervisor event")
}
