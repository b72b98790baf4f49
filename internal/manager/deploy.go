package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ttstudio/internal/boardinfo"
	"ttstudio/internal/common/apierr"
	"ttstudio/internal/containers"
	"ttstudio/internal/launcher"
	"ttstudio/internal/registry"
)

// DeployResult is returned by a successful Deploy.
type DeployResult struct {
	Status        string
	JobID         string
	ContainerName string
	ContainerID   string
	Message       string
	APIResponse   json.RawMessage
}

// Deploy starts modelID. Chat models served by the inference server go
// through the launcher, which may block for hours while weights download; a
// failed launch is retried once with relaxed validation. Everything else is
// started directly on the runtime.
func (m *Manager) Deploy(ctx context.Context, modelID, weightsID string) (DeployResult, error) {
	spec, ok := m.cfg.Registry.Get(modelID)
	if !ok {
		return DeployResult{}, apierr.Validation(fmt.Sprintf("unknown model_id %q", modelID), m.cfg.Registry.IDs())
	}
	device, err := m.resolveDevice(ctx, spec)
	if err != nil {
		return DeployResult{}, err
	}

	jobID := uuid.NewString()
	m.jobs.create(jobID, spec.ModelID)
	m.publish(EventDeployStart, jobID, "", map[string]any{"model_id": spec.ModelID, "device": device})
	log := m.log.With().Str("model_id", spec.ModelID).Str("device", device).Logger()
	log.Info().Str("job_id", jobID).Msg("deploy start")

	var res DeployResult
	if m.viaLauncher(spec) {
		res, err = m.launch(ctx, jobID, spec, device)
	} else {
		res, err = m.runDirect(ctx, jobID, spec, device, weightsID)
	}
	if err != nil {
		failedID := jobID
		var ae *launcher.APIError
		if errors.As(err, &ae) && ae.JobID != "" {
			m.jobs.rekey(jobID, ae.JobID)
			failedID = ae.JobID
		}
		m.jobs.apply(failedID, update{status: JobError, stage: "error", msg: err.Error()})
		deployTotal.WithLabelValues("error").Inc()
		m.publish(EventDeployFailed, failedID, "", map[string]any{"error": err.Error()})
		log.Error().Err(err).Str("job_id", failedID).Msg("deploy failed")
		return DeployResult{}, deployFailure(failedID, err)
	}
	deployTotal.WithLabelValues("success").Inc()
	m.publish(EventDeployDone, res.JobID, res.ContainerID, map[string]any{"container_name": res.ContainerName})
	log.Info().Str("job_id", res.JobID).Str("container", res.ContainerID).Str("name", res.ContainerName).Msg("deploy done")
	return res, nil
}

func (m *Manager) viaLauncher(spec registry.ModelSpec) bool {
	return m.cfg.Launcher != nil && spec.ModelType == registry.ModelTypeChat && spec.SetupType == registry.SetupTTInferenceServer
}

// resolveDevice picks the device configuration for spec on this host. An
// undetected board falls back to the model's first configuration; CPU models
// run anywhere.
func (m *Manager) resolveDevice(ctx context.Context, spec registry.ModelSpec) (string, error) {
	board := boardinfo.Unknown
	if m.cfg.Board != nil {
		board = m.cfg.Board.BoardType(ctx)
	}
	if board == boardinfo.Unknown || board == "" {
		if len(spec.DeviceConfigurations) == 0 {
			return "", apierr.Validation("model has no device configurations", nil)
		}
		return string(spec.DeviceConfigurations[0]), nil
	}
	if !spec.Supports(board) {
		if spec.Supports(string(registry.CPU)) {
			return string(registry.CPU), nil
		}
		return "", apierr.Validation(fmt.Sprintf("model %s does not support board %s", spec.ModelID, board), spec.DeviceNames())
	}
	return board, nil
}

// launch delegates the container start to the inference launcher.
func (m *Manager) launch(ctx context.Context, jobID string, spec registry.ModelSpec, device string) (DeployResult, error) {
	req := launcher.RunRequest{
		Model:        spec.ModelName,
		Workflow:     "server",
		Device:       strings.ToLower(device),
		DockerServer: true,
	}
	m.jobs.apply(jobID, update{status: JobRunning, stage: "initialization", msg: "submitting to inference launcher"})
	resp, err := m.runOnce(ctx, req)
	if err != nil && !permanent(err) {
		m.log.Warn().Err(err).Str("job_id", jobID).Msg("launcher run failed; retrying with relaxed validation")
		deployRetries.Inc()
		m.jobs.mutate(jobID, func(j *Job) { j.IsRetry = true })
		m.jobs.apply(jobID, update{status: JobRetrying, msg: "retrying with dev_mode and skipped system validation"})
		m.publish(EventDeployRetry, jobID, "", map[string]any{"error": err.Error()})
		req.DevMode = true
		req.SkipSystemSWValidation = true
		resp, err = m.runOnce(ctx, req)
	}
	if err != nil {
		return DeployResult{}, err
	}

	if resp.JobID != "" {
		m.jobs.rekey(jobID, resp.JobID)
		jobID = resp.JobID
	}
	m.jobs.mutate(jobID, func(j *Job) {
		j.Launched = true
		j.ContainerName = resp.ContainerName
		j.ContainerID = resp.ContainerID
		j.WorkflowLog = resp.DockerLogFilePath
	})
	m.jobs.apply(jobID, update{status: JobRunning, stage: "finalizing", msg: "locating container"})

	v, err := m.finalizeLaunched(ctx, jobID, spec, device, resp)
	res := DeployResult{
		Status:        "success",
		JobID:         jobID,
		ContainerName: resp.ContainerName,
		ContainerID:   resp.ContainerID,
		Message:       resp.Message,
		APIResponse:   resp.Raw,
	}
	if err != nil {
		// the launcher reported success; progress polling keeps observing
		res.Message = err.Error()
		return res, nil
	}
	res.ContainerName = v.Name
	res.ContainerID = v.ID
	return res, nil
}

// runOnce calls the launcher and turns a 2xx error payload into an error.
func (m *Manager) runOnce(ctx context.Context, req launcher.RunRequest) (launcher.RunResponse, error) {
	resp, err := m.cfg.Launcher.Run(ctx, req)
	if err != nil {
		return resp, err
	}
	if strings.EqualFold(resp.Status, "error") {
		msg := resp.Message
		if msg == "" {
			msg = "launcher reported an error"
		}
		return resp, &launcher.APIError{StatusCode: 500, Body: []byte(msg), JobID: resp.JobID}
	}
	return resp, nil
}

// runDirect starts the model container on the runtime.
func (m *Manager) runDirect(ctx context.Context, jobID string, spec registry.ModelSpec, device, weightsID string) (DeployResult, error) {
	rt := m.cfg.Runtime
	if rt == nil {
		return DeployResult{}, apierr.Upstream("container runtime not configured", nil)
	}
	ref := spec.ImageVersion()
	exists, err := rt.ImageExists(ctx, spec.ImageName, spec.ImageTag)
	if err != nil {
		return DeployResult{}, err
	}
	if !exists {
		if !m.cfg.AutoPull {
			return DeployResult{}, containers.ImageNotFound(ref)
		}
		m.jobs.apply(jobID, update{status: JobRunning, stage: "setup", pct: 10, msg: "pulling " + ref})
		if err := rt.PullImage(ctx, spec.ImageName, spec.ImageTag, m.cfg.RegistryAuth); err != nil {
			return DeployResult{}, err
		}
	}
	if err := rt.EnsureNetwork(ctx, m.cfg.BridgeNetwork, "bridge"); err != nil {
		return DeployResult{}, err
	}
	hostPort, err := pickFreePort(m.cfg.PortHost)
	if err != nil {
		return DeployResult{}, apierr.Internal("allocate host port", err)
	}
	name, err := m.freeContainerName(ctx, spec.ContainerName(), jobID)
	if err != nil {
		return DeployResult{}, err
	}
	env := map[string]string{
		"JWT_SECRET":   m.cfg.JWTSecret,
		"MODEL_ID":     spec.ModelID,
		"SERVICE_PORT": strconv.Itoa(spec.ServicePort),
	}
	if m.cfg.HFToken != "" {
		env["HF_TOKEN"] = m.cfg.HFToken
	}
	if spec.ContainerMountPath != "" {
		env["CACHE_ROOT"] = spec.ContainerMountPath
	}
	if weightsID != "" {
		env["WEIGHTS_ID"] = weightsID
	}
	run := containers.RunSpec{
		Image:        ref,
		Name:         name,
		Env:          env,
		PortBindings: map[int]int{spec.ServicePort: hostPort},
		Network:      m.cfg.BridgeNetwork,
		Hostname:     name,
		ShmSize:      spec.ShmSize,
		CapAdd:       m.cfg.AllowedCapabilities,
	}
	if spec.HostPath != "" && spec.ContainerMountPath != "" {
		run.VolumeMounts = []containers.VolumeMount{{HostPath: spec.HostPath, ContainerPath: spec.ContainerMountPath}}
	}
	if device != string(registry.CPU) {
		run.DeviceMounts = []string{m.cfg.DevicePath}
	}
	m.jobs.apply(jobID, update{status: JobRunning, stage: "container_setup", pct: 70, msg: "starting container"})
	out, err := rt.RunContainer(ctx, run)
	if err != nil {
		return DeployResult{}, err
	}
	m.jobs.mutate(jobID, func(j *Job) {
		j.ContainerID = out.ID
		j.ContainerName = out.Name
	})
	m.settle(ctx, jobID, spec, device, out.ID, out.Name, "")
	return DeployResult{Status: "success", JobID: jobID, ContainerName: out.Name, ContainerID: out.ID}, nil
}

// freeContainerName returns base, or base suffixed with the start of jobID
// when a container (running or not) already holds base.
func (m *Manager) freeContainerName(ctx context.Context, base, jobID string) (string, error) {
	list, err := m.cfg.Runtime.ListContainers(ctx, true)
	if err != nil {
		return "", err
	}
	for _, v := range list {
		if strings.TrimPrefix(v.Name, "/") == base {
			suffix := strings.ReplaceAll(jobID, "-", "")
			if len(suffix) > 8 {
				suffix = suffix[:8]
			}
			return base + "-" + suffix, nil
		}
	}
	return base, nil
}

// pickFreePort asks the kernel for an unused TCP port on host.
func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
