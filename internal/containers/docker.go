package containers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/rs/zerolog"

	"ttstudio/internal/common/apierr"
)

// Docker implements Runtime over the Docker Engine API.
type Docker struct {
	cli    *client.Client
	policy Policy
	log    zerolog.Logger
}

// NewDocker connects using the standard DOCKER_* environment and negotiates
// the API version.
func NewDocker(policy Policy, log zerolog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cli: cli, policy: policy, log: log}, nil
}

// Ping checks the daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return apierr.Upstream("container runtime unreachable", err)
	}
	return nil
}

// Close releases the client transport.
func (d *Docker) Close() error { return d.cli.Close() }

func runtimeErr(op string, err error) error {
	if errdefs.IsNotFound(err) {
		return &apierr.Error{Kind: apierr.KindNotFound, Msg: op, Err: err}
	}
	return apierr.Internal(op, err)
}

func (d *Docker) RunContainer(ctx context.Context, spec RunSpec) (RunResult, error) {
	if err := d.policy.Check(spec); err != nil {
		return RunResult{}, err
	}
	imgName, imgTag := splitRef(spec.Image)
	ok, err := d.ImageExists(ctx, imgName, imgTag)
	if err != nil {
		return RunResult{}, err
	}
	if !ok {
		return RunResult{}, ImageNotFound(spec.Image)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		Env:          envList(spec.Env),
		ExposedPorts: nat.PortSet{},
	}
	if len(spec.Command) > 0 {
		cfg.Cmd = spec.Command
	}
	host := &container.HostConfig{
		AutoRemove:   !spec.KeepOnExit,
		PortBindings: nat.PortMap{},
		CapDrop:      []string{"ALL"},
		CapAdd:       spec.CapAdd,
		Privileged:   false,
	}
	for cport, hport := range spec.PortBindings {
		p, err := nat.NewPort("tcp", strconv.Itoa(cport))
		if err != nil {
			return RunResult{}, apierr.Validation(fmt.Sprintf("invalid port %d", cport), nil)
		}
		cfg.ExposedPorts[p] = struct{}{}
		host.PortBindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hport)}}
	}
	for _, m := range spec.VolumeMounts {
		bind := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			bind += ":ro"
		}
		host.Binds = append(host.Binds, bind)
	}
	for _, dev := range spec.DeviceMounts {
		hostPath, ctrPath, found := strings.Cut(dev, ":")
		if !found {
			ctrPath = hostPath
		}
		host.Resources.Devices = append(host.Resources.Devices, container.DeviceMapping{
			PathOnHost: hostPath, PathInContainer: ctrPath, CgroupPermissions: "rwm",
		})
	}
	if spec.ShmSize != "" {
		n, err := units.RAMInBytes(spec.ShmSize)
		if err != nil {
			return RunResult{}, apierr.Validation(fmt.Sprintf("invalid shm_size %q", spec.ShmSize), nil)
		}
		host.ShmSize = n
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		host.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}}}
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, spec.Name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return RunResult{}, ImageNotFound(spec.Image)
		}
		return RunResult{}, apierr.Internal("create container", err)
	}
	for _, w := range created.Warnings {
		d.log.Warn().Str("container", created.ID).Msg(w)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return RunResult{}, apierr.Internal("start container", err)
	}
	d.log.Info().Str("container", created.ID).Str("image", spec.Image).Str("name", spec.Name).Msg("container started")
	res := RunResult{ID: created.ID, Name: spec.Name, PortBindings: map[string]string{}}
	for cport, hport := range spec.PortBindings {
		res.PortBindings[strconv.Itoa(cport)+"/tcp"] = strconv.Itoa(hport)
	}
	return res, nil
}

func (d *Docker) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return runtimeErr("stop container "+id, err)
	}
	return nil
}

func (d *Docker) ListContainers(ctx context.Context, includeStopped bool) ([]ContainerView, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: includeStopped})
	if err != nil {
		return nil, apierr.Upstream("list containers", err)
	}
	tags := d.imageTags(ctx)
	out := make([]ContainerView, 0, len(list))
	for _, c := range list {
		info, err := d.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			// raced with removal
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, apierr.Upstream("inspect container "+c.ID, err)
		}
		v := viewFromInspect(info)
		v.ImageTags = tags[c.ImageID]
		out = append(out, v)
	}
	return out, nil
}

func (d *Docker) GetContainer(ctx context.Context, id string) (ContainerView, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerView{}, runtimeErr("container "+id, err)
	}
	v := viewFromInspect(info)
	if info.ContainerJSONBase != nil {
		v.ImageTags = d.imageTags(ctx)[info.Image]
	}
	return v, nil
}

func (d *Docker) imageTags(ctx context.Context) map[string][]string {
	imgs, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		d.log.Debug().Err(err).Msg("image list for tags")
		return nil
	}
	out := make(map[string][]string, len(imgs))
	for _, im := range imgs {
		out[im.ID] = im.RepoTags
	}
	return out
}

func viewFromInspect(info types.ContainerJSON) ContainerView {
	v := ContainerView{Ports: map[string]string{}, Networks: map[string][]string{}}
	if base := info.ContainerJSONBase; base != nil {
		v.ID = base.ID
		v.Name = strings.TrimPrefix(base.Name, "/")
		if t, err := time.Parse(time.RFC3339Nano, base.Created); err == nil {
			v.CreatedAt = t
		}
		if st := base.State; st != nil {
			v.Status = st.Status
			v.ExitCode = st.ExitCode
			if st.Health != nil {
				v.Health = st.Health.Status
			}
		}
	}
	if info.Config != nil {
		v.Image = info.Config.Image
		v.Env = info.Config.Env
		v.Tty = info.Config.Tty
		for p := range info.Config.ExposedPorts {
			v.Ports[string(p)] = ""
		}
	}
	if ns := info.NetworkSettings; ns != nil {
		for p, bindings := range ns.Ports {
			host := ""
			if len(bindings) > 0 {
				host = bindings[0].HostPort
			}
			v.Ports[string(p)] = host
		}
		for name, ep := range ns.Networks {
			if ep == nil {
				v.Networks[name] = nil
				continue
			}
			v.Networks[name] = ep.DNSNames
		}
	}
	return v
}

func (d *Docker) ImageExists(ctx context.Context, name, tag string) (bool, error) {
	ref := name + ":" + tag
	imgs, err := d.cli.ImageList(ctx, image.ListOptions{Filters: filters.NewArgs(filters.Arg("reference", ref))})
	if err != nil {
		return false, apierr.Upstream("list images", err)
	}
	for _, im := range imgs {
		for _, t := range im.RepoTags {
			if t == ref {
				return true, nil
			}
		}
	}
	return false, nil
}

// PullImage pulls name:tag. auth is "username:password" or an identity token; empty for anonymous pulls.
func (d *Docker) PullImage(ctx context.Context, name, tag, auth string) error {
	ref := name + ":" + tag
	if err := d.policy.CheckImage(ref); err != nil {
		return err
	}
	opts := image.PullOptions{}
	if auth != "" {
		cfg := registry.AuthConfig{ServerAddress: registryHost(name)}
		if user, pass, ok := strings.Cut(auth, ":"); ok {
			cfg.Username, cfg.Password = user, pass
		} else {
			cfg.IdentityToken = auth
		}
		enc, err := registry.EncodeAuthConfig(cfg)
		if err != nil {
			return apierr.Internal("encode registry auth", err)
		}
		opts.RegistryAuth = enc
	}
	rc, err := d.cli.ImagePull(ctx, ref, opts)
	if err != nil {
		return runtimeErr("pull "+ref, err)
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return apierr.Internal("pull "+ref, err)
	}
	d.log.Info().Str("image", ref).Msg("image pulled")
	return nil
}

func (d *Docker) ListImages(ctx context.Context) ([]ImageView, error) {
	imgs, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, apierr.Upstream("list images", err)
	}
	out := make([]ImageView, 0, len(imgs))
	for _, im := range imgs {
		out = append(out, ImageView{ID: im.ID, Tags: im.RepoTags, Size: im.Size})
	}
	return out, nil
}

func (d *Docker) EnsureNetwork(ctx context.Context, name, driver string) error {
	if err := d.policy.CheckNetwork(name); err != nil {
		return err
	}
	nets, err := d.cli.NetworkList(ctx, network.ListOptions{Filters: filters.NewArgs(filters.Arg("name", name))})
	if err != nil {
		return apierr.Upstream("list networks", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}
	if driver == "" {
		driver = "bridge"
	}
	if _, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: driver}); err != nil {
		if errdefs.IsConflict(err) {
			return nil
		}
		return apierr.Internal("create network "+name, err)
	}
	d.log.Info().Str("network", name).Str("driver", driver).Msg("network created")
	return nil
}

func (d *Docker) ConnectNetwork(ctx context.Context, networkName, id string, aliases []string) error {
	if err := d.policy.CheckNetwork(networkName); err != nil {
		return err
	}
	err := d.cli.NetworkConnect(ctx, networkName, id, &network.EndpointSettings{Aliases: aliases})
	if err != nil {
		// already attached
		if errdefs.IsForbidden(err) || errdefs.IsConflict(err) || strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return runtimeErr("connect "+id+" to "+networkName, err)
	}
	return nil
}

func (d *Docker) RenameContainer(ctx context.Context, id, name string) error {
	if err := d.cli.ContainerRename(ctx, id, name); err != nil {
		return runtimeErr("rename "+id, err)
	}
	return nil
}

// StreamLogs returns the container's log stream. Multiplexed streams are
// demultiplexed so callers read plain bytes.
func (d *Docker) StreamLogs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	v, err := d.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	if tail == "" {
		tail = "all"
	}
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow, Tail: tail})
	if err != nil {
		return nil, runtimeErr("logs "+id, err)
	}
	if v.Tty {
		return rc, nil
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = rc.Close()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// splitRef splits "name:tag", leaving registry ports alone.
func splitRef(ref string) (string, string) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i:], "/") {
		return ref, "latest"
	}
	return ref[:i], ref[i+1:]
}

func registryHost(name string) string {
	host, _, found := strings.Cut(name, "/")
	if !found || !strings.ContainsAny(host, ".:") {
		return "https://index.docker.io/v1/"
	}
	return host
}
