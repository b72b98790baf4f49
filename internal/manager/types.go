package manager

import (
	"context"
	"io"
	"time"

	"ttstudio/internal/boardinfo"
	"ttstudio/internal/launcher"
	"ttstudio/internal/lifecycle"
)

// JobStatus is the state of a deployment job.
type JobStatus string

const (
	JobStarting  JobStatus = "starting"
	JobRunning   JobStatus = "running"
	JobRetrying  JobStatus = "retrying"
	JobCompleted JobStatus = "completed"
	JobStalled   JobStatus = "stalled"
	JobCancelled JobStatus = "cancelled"
	JobError     JobStatus = "error"
)

// Terminal reports whether no further updates are accepted.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobError || s == JobCancelled
}

// Job is the in-memory progress record of one deployment.
type Job struct {
	ID            string
	ModelID       string
	ContainerName string
	ContainerID   string
	// ContainerStatus is the last observed runtime state.
	ContainerStatus string
	Status          JobStatus
	Stage           string
	Progress        int
	Message         string
	StartedAt       time.Time
	LastUpdated     time.Time
	// Structured is set once the launcher delivered a structured signal;
	// from then on the elapsed-time heuristic is ignored.
	Structured bool
	// Launched marks jobs owned by the inference launcher.
	Launched    bool
	IsRetry     bool
	WorkflowLog string
}

// Launcher is the part of the launcher client the supervisor uses.
type Launcher interface {
	Run(ctx context.Context, req launcher.RunRequest) (launcher.RunResponse, error)
	Progress(ctx context.Context, jobID string) (launcher.Progress, error)
	Logs(ctx context.Context, jobID string, limit int) ([]launcher.LogEntry, error)
	Stream(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// Board is the device CLI cache.
type Board interface {
	BoardType(ctx context.Context) string
	Invalidate()
	Reset(ctx context.Context) (boardinfo.ResetResult, error)
}

// Records is the write side of the lifecycle store.
type Records interface {
	RecordStart(ctx context.Context, rec lifecycle.Record) (lifecycle.Record, error)
	MarkStopped(ctx context.Context, containerID string) (bool, error)
	MarkTerminated(ctx context.Context, containerID string, status lifecycle.Status) (bool, error)
	Running(ctx context.Context) ([]lifecycle.Record, error)
}

// AgentNotifier is told when the set of deployed models changed.
type AgentNotifier interface {
	Notify(ctx context.Context) error
}
