package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/common/sse"
	"ttstudio/internal/containers"
	"ttstudio/internal/launcher"
	"ttstudio/pkg/types"
)

// Snapshot is a read-only projection of the supervisor state.
type Snapshot struct {
	Jobs     int
	Active   int
	ByStatus map[JobStatus]int
}

// Snapshot counts jobs by reported status.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{ByStatus: map[JobStatus]int{}}
	now := m.cfg.Now()
	for _, j := range m.jobs.list() {
		st := m.reportedStatus(j, now)
		s.Jobs++
		s.ByStatus[st]++
		if !st.Terminal() {
			s.Active++
		}
	}
	return s
}

// Jobs returns every known job, newest first.
func (m *Manager) Jobs() []types.ProgressResponse {
	now := m.cfg.Now()
	jobs := m.jobs.list()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
	out := make([]types.ProgressResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, m.view(j, now))
	}
	return out
}

// reportedStatus marks live jobs without an update for StallAfter as stalled.
func (m *Manager) reportedStatus(j Job, now time.Time) JobStatus {
	if !j.Status.Terminal() && now.Sub(j.LastUpdated) > m.cfg.StallAfter {
		return JobStalled
	}
	return j.Status
}

func (m *Manager) view(j Job, now time.Time) types.ProgressResponse {
	return types.ProgressResponse{
		JobID:           j.ID,
		Status:          string(m.reportedStatus(j, now)),
		Stage:           j.Stage,
		Progress:        j.Progress,
		Message:         j.Message,
		LastUpdated:     j.LastUpdated,
		ContainerStatus: j.ContainerStatus,
		ContainerName:   j.ContainerName,
		ContainerID:     j.ContainerID,
	}
}

// Progress merges every progress source for jobID: the launcher's report, its
// TT_PROGRESS log lines, the elapsed-time heuristic while no structured signal
// arrived, and the container's runtime state. Jobs unknown locally are
// answered from the launcher alone.
func (m *Manager) Progress(ctx context.Context, jobID string) (types.ProgressResponse, error) {
	j, ok := m.jobs.get(jobID)
	if !ok {
		return m.launcherOnly(ctx, jobID)
	}
	if !j.Status.Terminal() {
		j = m.poll(ctx, j)
	}
	return m.view(j, m.cfg.Now()), nil
}

func (m *Manager) poll(ctx context.Context, j Job) Job {
	if j.Launched && m.cfg.Launcher != nil {
		if p, err := m.cfg.Launcher.Progress(ctx, j.ID); err == nil {
			j = m.step(j, fromLauncher(p))
		}
		if entries, err := m.cfg.Launcher.Logs(ctx, j.ID, defaultLogLimit); err == nil {
			for _, s := range launcher.ParseProgressLogs(entries) {
				j = m.step(j, fromSignal(s))
			}
		}
	}
	if !j.Structured && !j.Status.Terminal() && j.ContainerStatus == "" {
		j = m.step(j, heuristic(m.cfg.Now().Sub(j.StartedAt)))
	}
	if v, ok := m.findContainer(ctx, j); ok {
		if spec, found := m.cfg.Registry.Get(j.ModelID); found {
			if nj := m.observeContainer(j.ID, spec, v); nj.ID != "" {
				j = nj
			}
		}
	}
	return j
}

// step applies u to the stored job, keeping j if the job vanished.
func (m *Manager) step(j Job, u update) Job {
	if nj, ok := m.jobs.apply(j.ID, u); ok {
		return nj
	}
	return j
}

func (m *Manager) findContainer(ctx context.Context, j Job) (containers.ContainerView, bool) {
	rt := m.cfg.Runtime
	if rt == nil || j.Status.Terminal() {
		return containers.ContainerView{}, false
	}
	if j.ContainerID != "" {
		if v, err := rt.GetContainer(ctx, j.ContainerID); err == nil {
			return v, true
		}
	}
	if j.ContainerName == "" {
		return containers.ContainerView{}, false
	}
	list, err := rt.ListContainers(ctx, true)
	if err != nil {
		return containers.ContainerView{}, false
	}
	for _, v := range list {
		if v.Name == j.ContainerName {
			return v, true
		}
	}
	return containers.ContainerView{}, false
}

func (m *Manager) launcherOnly(ctx context.Context, jobID string) (types.ProgressResponse, error) {
	if m.cfg.Launcher == nil {
		return types.ProgressResponse{}, &apierr.Error{Kind: apierr.KindNotFound, Msg: "job " + jobID + " not found", JobID: jobID}
	}
	p, err := m.cfg.Launcher.Progress(ctx, jobID)
	if err != nil {
		var ae *launcher.APIError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound {
			return types.ProgressResponse{}, &apierr.Error{Kind: apierr.KindNotFound, Msg: "job " + jobID + " not found", JobID: jobID}
		}
		return types.ProgressResponse{}, err
	}
	last := p.LastUpdated.Time
	if last.IsZero() {
		last = m.cfg.Now()
	}
	status := p.Status
	if status == "" {
		status = string(JobRunning)
	}
	return types.ProgressResponse{
		JobID:       jobID,
		Status:      status,
		Stage:       p.Stage,
		Progress:    p.Progress,
		Message:     p.Message,
		LastUpdated: last,
	}, nil
}

// WatchProgress calls emit with every changed progress view until the job is
// terminal, emit fails or ctx is done. Launcher jobs relay the launcher's SSE
// stream when enabled and fall back to polling if it breaks.
func (m *Manager) WatchProgress(ctx context.Context, jobID string, emit func(types.ProgressResponse) error) error {
	if _, ok := m.jobs.get(jobID); !ok {
		p, err := m.launcherOnly(ctx, jobID)
		if err != nil {
			return err
		}
		return emit(p)
	}
	if m.cfg.StreamEnabled && m.cfg.Launcher != nil {
		if j, _ := m.jobs.get(jobID); j.Launched {
			done, err := m.relay(ctx, jobID, emit)
			if done || ctx.Err() != nil {
				return err
			}
			if err != nil {
				m.log.Debug().Err(err).Str("job_id", jobID).Msg("launcher stream ended; polling")
			}
		}
	}
	var last types.ProgressResponse
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		p, err := m.Progress(ctx, jobID)
		if err != nil {
			return err
		}
		if p != last {
			if err := emit(p); err != nil {
				return err
			}
			last = p
		}
		if JobStatus(p.Status).Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// relay forwards the launcher's progress stream through the reducer. done is
// true once the job reached a terminal state.
func (m *Manager) relay(ctx context.Context, jobID string, emit func(types.ProgressResponse) error) (bool, error) {
	body, err := m.cfg.Launcher.Stream(ctx, jobID)
	if err != nil {
		return false, err
	}
	defer body.Close()
	sc := sse.NewScanner(body)
	for sc.Scan() {
		data, ok := sse.Data(sc.Bytes())
		if !ok || len(data) == 0 {
			continue
		}
		var p launcher.Progress
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		j, ok := m.jobs.apply(jobID, fromLauncher(p))
		if !ok {
			return true, nil
		}
		if err := emit(m.view(j, m.cfg.Now())); err != nil {
			return true, err
		}
		if j.Status.Terminal() {
			return true, nil
		}
	}
	return false, sc.Err()
}
