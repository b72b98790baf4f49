package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttstudio/internal/containers"
	"ttstudio/internal/launcher"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestReducerIsMonotonic(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	j := &Job{Status: JobRunning, LastUpdated: t0}

	assert.True(t, j.apply(update{pct: 40, stage: "model_preparation"}, t0.Add(time.Second)))
	assert.True(t, j.apply(update{pct: 10, stage: "setup"}, t0.Add(2*time.Second)))
	assert.Equal(t, 40, j.Progress, "lower values are clamped up")
	assert.Equal(t, "setup", j.Stage)

	before := j.LastUpdated
	assert.False(t, j.apply(update{pct: 40, stage: "setup"}, t0.Add(time.Hour)))
	assert.Equal(t, before, j.LastUpdated, "no-op updates keep the timestamp")
}

func TestReducerFreezesTerminalJobs(t *testing.T) {
	j := &Job{Status: JobRunning}
	j.apply(fromSignal(launcher.Signal{Stage: "complete", Pct: 99}), time.Now())
	require.Equal(t, JobCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.False(t, j.apply(update{status: JobError, msg: "late"}, time.Now()))
	assert.Equal(t, JobCompleted, j.Status)

	e := &Job{Status: JobRunning, Progress: 30}
	e.apply(fromSignal(launcher.Signal{Stage: "error", Pct: 0, Message: "oom"}), time.Now())
	assert.Equal(t, JobError, e.Status)
	assert.Equal(t, 30, e.Progress)
}

func TestStructuredSignalsSuppressHeuristic(t *testing.T) {
	j := &Job{Status: JobRunning}
	j.apply(fromSignal(launcher.Signal{Stage: "download", Pct: 12, Message: "weights"}), time.Now())
	assert.True(t, j.Structured)

	u := fromLauncher(launcher.Progress{Status: "running"})
	assert.False(t, u.structured, "a bare status is not a structured signal")
	assert.Equal(t, JobRunning, u.status)
	assert.Equal(t, JobCancelled, fromLauncher(launcher.Progress{Status: "cancelled"}).status)
	assert.Empty(t, fromLauncher(launcher.Progress{Status: "stalled"}).status)
}

func TestHeuristicSchedule(t *testing.T) {
	cases := []struct {
		sec   float64
		pct   int
		stage string
	}{
		{0, 5, "initialization"},
		{2.9, 5, "initialization"},
		{3, 15, "setup"},
		{8, 25, "model_preparation"},
		{15, 40, "model_preparation"},
		{25, 55, "container_setup"},
		{35, 70, "container_setup"},
		{45, 70, "container_setup"},
		{55, 75, "container_setup"},
		{3600, 75, "container_setup"},
	}
	for _, c := range cases {
		u := heuristic(time.Duration(c.sec * float64(time.Second)))
		assert.Equal(t, c.pct, u.pct, "elapsed %vs", c.sec)
		assert.Equal(t, c.stage, u.stage, "elapsed %vs", c.sec)
		assert.True(t, u.estimate)
	}
}

func TestHeuristicDoesNotRefreshTimestamp(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	j := &Job{Status: JobRunning, LastUpdated: t0}
	assert.True(t, j.apply(heuristic(20*time.Second), t0.Add(20*time.Second)))
	assert.Equal(t, 40, j.Progress)
	assert.Equal(t, t0, j.LastUpdated)
}

func TestObserveContainer(t *testing.T) {
	on := map[string][]string{bridge: {"x"}}
	cases := []struct {
		name      string
		v         containers.ContainerView
		modelLike bool
		status    JobStatus
		pct       int
	}{
		{"created", containers.ContainerView{Status: "created"}, false, JobRunning, 80},
		{"running named", containers.ContainerView{Status: "running", Networks: on}, true, JobCompleted, 100},
		{"running generic", containers.ContainerView{Status: "running", Networks: on}, false, JobRunning, 95},
		{"running off bridge", containers.ContainerView{Status: "running"}, true, JobRunning, 85},
		{"exited clean", containers.ContainerView{Status: "exited"}, false, JobCompleted, 100},
		{"exited failed", containers.ContainerView{Status: "exited", ExitCode: 137}, false, JobError, 0},
		{"dead", containers.ContainerView{Status: "dead"}, false, JobError, 0},
	}
	for _, c := range cases {
		u := observe(c.v, bridge, c.modelLike)
		assert.Equal(t, c.status, u.status, c.name)
		assert.Equal(t, c.pct, u.pct, c.name)
	}
}

func TestStallBoundary(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewWithConfig(ManagerConfig{Now: clock.now})
	m.jobs.create("j", "m")
	m.jobs.apply("j", update{status: JobRunning, pct: 20})
	j, _ := m.jobs.get("j")

	clock.t = j.LastUpdated.Add(5*time.Hour - time.Second)
	assert.Equal(t, "running", m.view(j, clock.now()).Status)

	clock.t = j.LastUpdated.Add(5*time.Hour + time.Millisecond)
	assert.Equal(t, "stalled", m.view(j, clock.now()).Status)
	assert.Equal(t, 1, m.Snapshot().ByStatus[JobStalled])

	m.jobs.apply("j", update{status: JobCompleted})
	j, _ = m.jobs.get("j")
	assert.Equal(t, "completed", m.view(j, clock.t.Add(24*time.Hour)).Status, "terminal jobs never stall")
}

func TestRekeyMovesJob(t *testing.T) {
	s := newJobStore(time.Now)
	s.create("local", "m")
	s.rekey("local", "launcher-1")
	_, ok := s.get("local")
	assert.False(t, ok)
	j, ok := s.get("launcher-1")
	require.True(t, ok)
	assert.Equal(t, "launcher-1", j.ID)
	s.rekey("launcher-1", "")
	_, ok = s.get("launcher-1")
	assert.True(t, ok)
}
