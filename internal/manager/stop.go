package manager

import (
	"context"
	"strings"

	"ttstudio/internal/common/apierr"
)

// StopResult is the combined outcome of Stop. Status reflects the container
// stop only; the board reset is reported separately.
type StopResult struct {
	Status        string
	StopResponse  string
	ResetStatus   string
	ResetResponse string
}

// Stop stops a deployment: a running lifecycle record is marked stopped by the
// user (a record already exited or dead is left as is), the container is stopped, the board is reset and the caches are refreshed.
// Stopping an unknown container returns NotFound and changes nothing.
func (m *Manager) Stop(ctx context.Context, containerID string) (StopResult, error) {
	containerID = strings.TrimSpace(containerID)
	if containerID == "" {
		return StopResult{}, apierr.Validation("container_id is required", nil)
	}
	rt := m.cfg.Runtime
	if rt == nil {
		return StopResult{}, apierr.Upstream("container runtime not configured", nil)
	}
	v, err := rt.GetContainer(ctx, containerID)
	if err != nil {
		if apierr.IsNotFound(err) {
			return StopResult{}, &apierr.Error{Kind: apierr.KindNotFound, Msg: "container " + containerID + " not found", ContainerID: containerID}
		}
		return StopResult{}, err
	}
	log := m.log.With().Str("container", v.ID).Str("name", v.Name).Logger()

	if m.cfg.Records != nil {
		if ok, err := m.cfg.Records.MarkStopped(ctx, v.ID); err != nil {
			log.Warn().Err(err).Msg("mark lifecycle record stopped failed")
		} else if !ok {
			log.Debug().Msg("no running lifecycle record for container")
		}
	}

	res := StopResult{Status: "success", StopResponse: "container " + v.Name + " stopped", ResetStatus: "skipped"}
	if err := rt.StopContainer(ctx, v.ID, m.cfg.StopTimeout); err != nil {
		log.Error().Err(err).Msg("stop container failed")
		res.Status = "error"
		res.StopResponse = err.Error()
	} else if m.cfg.Board != nil {
		rr, err := m.cfg.Board.Reset(ctx)
		res.ResetStatus = rr.Status
		res.ResetResponse = rr.Output
		if len(rr.Warnings) > 0 {
			res.ResetResponse = strings.TrimSpace(res.ResetResponse + "\nwarnings:\n" + strings.Join(rr.Warnings, "\n"))
		}
		if err != nil {
			log.Warn().Err(err).Int("attempts", rr.Attempts).Msg("board reset failed")
			res.ResetStatus = "error"
			if res.ResetResponse == "" {
				res.ResetResponse = err.Error()
			}
		}
	}
	if m.cfg.Board != nil {
		m.cfg.Board.Invalidate()
	}
	m.refreshCache(ctx)
	m.notifyAgent(ctx)
	m.publish(EventStopDone, "", v.ID, map[string]any{"status": res.Status, "reset_status": res.ResetStatus})
	log.Info().Str("status", res.Status).Str("reset_status", res.ResetStatus).Msg("stop done")
	return res, nil
}
