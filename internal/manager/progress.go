package manager

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"ttstudio/internal/containers"
	"ttstudio/internal/launcher"
)

// update is one input to the progress reducer.
type update struct {
	status     JobStatus
	stage      string
	pct        int
	msg        string
	structured bool
	// estimate marks heuristic updates; they never refresh LastUpdated, so a
	// silent launcher still trips stall detection.
	estimate bool
}

// apply folds u into j. Terminal jobs are frozen and progress never decreases.
// LastUpdated moves only when something actually changed.
func (j *Job) apply(u update, now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	changed := false
	pct := u.pct
	if pct > 100 {
		pct = 100
	}
	if pct < j.Progress {
		pct = j.Progress
	}
	if pct != j.Progress {
		j.Progress = pct
		changed = true
	}
	if u.status != "" && u.status != JobStalled && u.status != j.Status {
		j.Status = u.status
		changed = true
	}
	if u.stage != "" && u.stage != j.Stage {
		j.Stage = u.stage
		changed = true
	}
	if u.msg != "" && u.msg != j.Message {
		j.Message = u.msg
		changed = true
	}
	if u.structured && !j.Structured {
		j.Structured = true
		changed = true
	}
	if j.Status == JobCompleted && j.Progress != 100 {
		j.Progress = 100
	}
	if changed && !u.estimate {
		j.LastUpdated = now
	}
	return changed
}

// fromSignal converts a TT_PROGRESS line.
func fromSignal(s launcher.Signal) update {
	u := update{stage: s.Stage, pct: s.Pct, msg: s.Message, structured: true, status: JobRunning}
	switch s.Stage {
	case "complete":
		u.status, u.pct = JobCompleted, 100
	case "error":
		u.status = JobError
	}
	return u
}

// fromLauncher converts the launcher's own progress report. Reports that carry
// neither a stage nor a percentage are only status hints.
func fromLauncher(p launcher.Progress) update {
	u := update{stage: p.Stage, pct: p.Progress, msg: p.Message}
	u.structured = p.Stage != "" || p.Progress > 0
	switch JobStatus(strings.ToLower(p.Status)) {
	case JobCompleted:
		u.status, u.pct = JobCompleted, 100
	case JobError:
		u.status = JobError
	case JobCancelled:
		u.status = JobCancelled
	case JobRunning, JobStarting, JobRetrying:
		u.status = JobStatus(strings.ToLower(p.Status))
	}
	return u
}

// heuristic estimates progress from elapsed wall time while the launcher
// stays silent.
func heuristic(elapsed time.Duration) update {
	s := elapsed.Seconds()
	u := update{status: JobRunning, estimate: true}
	switch {
	case s < 3:
		u.pct, u.stage = 5, "initialization"
	case s < 8:
		u.pct, u.stage = 15, "setup"
	case s < 15:
		u.pct, u.stage = 25, "model_preparation"
	case s < 25:
		u.pct, u.stage = 40, "model_preparation"
	case s < 35:
		u.pct, u.stage = 55, "container_setup"
	case s < 45:
		u.pct, u.stage = 70, "container_setup"
	default:
		u.pct = 70 + int(5*(s-45)/10)
		if u.pct > 75 {
			u.pct = 75
		}
		u.stage = "container_setup"
	}
	return u
}

// observe derives progress from the container's runtime state. modelLike is
// true when the container already carries the model's name.
func observe(v containers.ContainerView, bridge string, modelLike bool) update {
	switch v.Status {
	case "created":
		return update{status: JobRunning, stage: "container_setup", pct: 80, msg: "container created"}
	case "running":
		switch {
		case v.OnNetwork(bridge) && modelLike:
			return update{status: JobCompleted, stage: "complete", pct: 100, msg: "model container is running"}
		case v.OnNetwork(bridge):
			return update{status: JobRunning, stage: "finalizing", pct: 95, msg: "renaming container"}
		default:
			return update{status: JobRunning, stage: "finalizing", pct: 85, msg: "attaching container to network"}
		}
	case "exited":
		if v.ExitCode == 0 {
			return update{status: JobCompleted, stage: "complete", pct: 100, msg: "container exited cleanly"}
		}
		return update{status: JobError, stage: "error", msg: "container exited with code " + strconv.Itoa(v.ExitCode)}
	case "dead":
		return update{status: JobError, stage: "error", msg: "container is dead"}
	}
	return update{}
}

// jobStore is the in-memory progress store keyed by job id.
type jobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func newJobStore(now func() time.Time) *jobStore {
	return &jobStore{jobs: map[string]*Job{}, now: now}
}

func (s *jobStore) create(id, modelID string) Job {
	now := s.now()
	j := &Job{ID: id, ModelID: modelID, Status: JobStarting, Stage: "initialization", StartedAt: now, LastUpdated: now}
	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()
	return *j
}

func (s *jobStore) get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// rekey moves a job to the id the launcher assigned.
func (s *jobStore) rekey(from, to string) {
	if from == to || to == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[from]
	if !ok {
		return
	}
	delete(s.jobs, from)
	j.ID = to
	s.jobs[to] = j
}

// apply runs the reducer under the store lock.
func (s *jobStore) apply(id string, u update) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	j.apply(u, s.now())
	return *j, true
}

// mutate edits identifying fields that are not part of the progress scalar.
func (s *jobStore) mutate(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j)
	}
}

func (s *jobStore) list() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}
