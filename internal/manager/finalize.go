package manager

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/containers"
	"ttstudio/internal/launcher"
	"ttstudio/internal/lifecycle"
	"ttstudio/internal/registry"
)

// finalizeLaunched moves a launcher-started container onto the bridge network
// under the model's name. Attach and rename failures leave the container in
// place; the lifecycle record is written either way.
func (m *Manager) finalizeLaunched(ctx context.Context, jobID string, spec registry.ModelSpec, device string, resp launcher.RunResponse) (containers.ContainerView, error) {
	log := m.log.With().Str("job_id", jobID).Logger()
	v, err := m.locate(ctx, resp.ContainerID, resp.ContainerName)
	if err != nil {
		log.Warn().Err(err).Str("container", resp.ContainerID).Msg("launched container not found")
		if resp.ContainerID != "" {
			m.settle(ctx, jobID, spec, device, resp.ContainerID, resp.ContainerName, resp.DockerLogFilePath)
		}
		return v, err
	}
	rt := m.cfg.Runtime
	if !v.OnNetwork(m.cfg.BridgeNetwork) {
		if err := rt.ConnectNetwork(ctx, m.cfg.BridgeNetwork, v.ID, nil); err != nil {
			log.Warn().Err(err).Str("network", m.cfg.BridgeNetwork).Msg("attach to bridge network failed")
		}
	}
	if want := spec.ContainerName(); v.Name != want {
		if err := rt.RenameContainer(ctx, v.ID, want); err != nil {
			log.Warn().Err(err).Str("from", v.Name).Str("to", want).Msg("rename failed")
		} else {
			v.Name = want
		}
	}
	m.jobs.mutate(jobID, func(j *Job) {
		j.ContainerID = v.ID
		j.ContainerName = v.Name
	})
	m.settle(ctx, jobID, spec, device, v.ID, v.Name, resp.DockerLogFilePath)
	return v, nil
}

// locate finds a freshly launched container by id, then name, then the
// service port, retrying while the launcher's container comes up.
func (m *Manager) locate(ctx context.Context, id, name string) (containers.ContainerView, error) {
	rt := m.cfg.Runtime
	if rt == nil {
		return containers.ContainerView{}, apierr.Upstream("container runtime not configured", nil)
	}
	find := func() (containers.ContainerView, error) {
		if id != "" {
			if v, err := rt.GetContainer(ctx, id); err == nil {
				return v, nil
			}
		}
		if name != "" {
			list, err := rt.ListContainers(ctx, true)
			if err == nil {
				for _, v := range list {
					if v.Name == name {
						return v, nil
					}
				}
			}
		}
		v, err := containers.FindByPort(ctx, rt, defaultServicePort)
		if err != nil {
			return v, apierr.NotFound("launched container %q not found", firstNonEmpty(id, name))
		}
		return v, nil
	}
	return backoff.Retry(ctx, find,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.cfg.LookupInterval)),
		backoff.WithMaxTries(uint(m.cfg.LookupAttempts)))
}

// settle runs the bookkeeping shared by every successful start: board cache
// invalidation, the lifecycle record, a cache refresh, the agent notification
// and a first container observation.
func (m *Manager) settle(ctx context.Context, jobID string, spec registry.ModelSpec, device, id, name, logPath string) {
	if m.cfg.Board != nil {
		m.cfg.Board.Invalidate()
	}
	if m.cfg.Records != nil {
		port := spec.ServicePort
		if port == 0 {
			port = defaultServicePort
		}
		_, err := m.cfg.Records.RecordStart(ctx, lifecycle.Record{
			ContainerID:     id,
			ContainerName:   name,
			ModelName:       spec.ModelName,
			Device:          device,
			Port:            port,
			WorkflowLogPath: logPath,
		})
		if err != nil {
			m.log.Warn().Err(err).Str("container", id).Msg("write lifecycle record failed")
		}
	}
	m.refreshCache(ctx)
	m.notifyAgent(ctx)
	if m.cfg.Runtime != nil {
		if v, err := m.cfg.Runtime.GetContainer(ctx, id); err == nil {
			m.observeContainer(jobID, spec, v)
		}
	}
}

// observeContainer feeds the container's runtime state into the job.
func (m *Manager) observeContainer(jobID string, spec registry.ModelSpec, v containers.ContainerView) Job {
	modelLike := v.Name == spec.ContainerName()
	if !modelLike && m.cfg.Registry != nil {
		if s, ok := m.cfg.Registry.MatchContainerName(v.Name); ok && s.ModelID == spec.ModelID {
			modelLike = true
		}
	}
	m.jobs.mutate(jobID, func(j *Job) {
		j.ContainerStatus = v.Status
		if j.ContainerID == "" {
			j.ContainerID = v.ID
		}
		j.ContainerName = v.Name
	})
	j, _ := m.jobs.apply(jobID, observe(v, m.cfg.BridgeNetwork, modelLike))
	return j
}

func (m *Manager) refreshCache(ctx context.Context) {
	if m.cfg.Cache == nil {
		return
	}
	evicted, err := m.cfg.Cache.Refresh(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("deploy cache refresh failed")
		return
	}
	m.publish(EventCacheRefreshed, "", "", map[string]any{"entries": m.cfg.Cache.Len(), "evicted": len(evicted)})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
