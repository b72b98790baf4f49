// Package containers is the narrow adapter over the host container runtime.
// Runtime SDK response shapes stop at this boundary: callers only ever see
// ContainerView and ImageView.
package containers

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"ttstudio/internal/common/apierr"
)

// ErrImageNotFound is wrapped by RunContainer when the image is not present locally.
var ErrImageNotFound = errors.New("image not found")

// Runtime is the set of container operations the control plane relies on.
type Runtime interface {
	RunContainer(ctx context.Context, spec RunSpec) (RunResult, error)
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	ListContainers(ctx context.Context, includeStopped bool) ([]ContainerView, error)
	GetContainer(ctx context.Context, id string) (ContainerView, error)
	ImageExists(ctx context.Context, name, tag string) (bool, error)
	PullImage(ctx context.Context, name, tag, auth string) error
	ListImages(ctx context.Context) ([]ImageView, error)
	EnsureNetwork(ctx context.Context, name, driver string) error
	ConnectNetwork(ctx context.Context, network, id string, aliases []string) error
	RenameContainer(ctx context.Context, id, name string) error
	StreamLogs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error)
}

// VolumeMount binds a host path into the container.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// RunSpec describes a detached container launch.
type RunSpec struct {
	Image   string
	Name    string
	Command []string
	Env     map[string]string
	// PortBindings maps container port to host port.
	PortBindings map[int]int
	VolumeMounts []VolumeMount
	DeviceMounts []string
	Network      string
	Hostname     string
	ShmSize      string
	Privileged   bool
	CapAdd       []string
	// KeepOnExit disables auto-remove.
	KeepOnExit bool
}

// RunResult is returned by RunContainer.
type RunResult struct {
	ID           string
	Name         string
	PortBindings map[string]string
}

// ContainerView is the typed projection of a runtime container.
type ContainerView struct {
	ID        string
	Name      string
	Status    string
	ExitCode  int
	Image     string
	ImageTags []string
	Env       []string
	// Ports maps "7000/tcp" to the first bound host port ("" when unbound).
	Ports map[string]string
	// Networks maps network name to the container's DNS names on it.
	Networks  map[string][]string
	Health    string
	CreatedAt time.Time
	Tty       bool
}

// EnvMap decodes the KEY=VALUE env list. Values may be empty.
func (c ContainerView) EnvMap() map[string]string {
	out := make(map[string]string, len(c.Env))
	for _, kv := range c.Env {
		k, v, _ := strings.Cut(kv, "=")
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// HasEnv reports whether key is present in the env list.
func (c ContainerView) HasEnv(key string) bool {
	for _, kv := range c.Env {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			return true
		}
	}
	return false
}

// DNSName returns the first DNS name on network, or "".
func (c ContainerView) DNSName(network string) string {
	names := c.Networks[network]
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// OnNetwork reports whether the container is attached to network.
func (c ContainerView) OnNetwork(network string) bool {
	_, ok := c.Networks[network]
	return ok
}

// ExposesPort reports whether the container exposes port (any protocol).
func (c ContainerView) ExposesPort(port int) bool {
	p := strconv.Itoa(port)
	for k := range c.Ports {
		if num, _, _ := strings.Cut(k, "/"); num == p {
			return true
		}
	}
	return false
}

// PortBindings returns the exposed ports with a host binding.
func (c ContainerView) PortBindings() map[string]string {
	out := make(map[string]string)
	for k, v := range c.Ports {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// ImageView is the typed projection of a local image.
type ImageView struct {
	ID   string
	Tags []string
	Size int64
}

// HasTag reports whether the image carries name:tag.
func (i ImageView) HasTag(ref string) bool {
	for _, t := range i.Tags {
		if t == ref {
			return true
		}
	}
	return false
}

// FindByPort returns the first running container exposing port.
func FindByPort(ctx context.Context, rt Runtime, port int) (ContainerView, error) {
	list, err := rt.ListContainers(ctx, false)
	if err != nil {
		return ContainerView{}, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	for _, c := range list {
		if c.ExposesPort(port) {
			return c, nil
		}
	}
	return ContainerView{}, apierr.NotFound("no container exposes port %d", port)
}

// ImageNotFound builds the error RunContainer and PullImage return for a missing image.
func ImageNotFound(ref string) error {
	return &apierr.Error{Kind: apierr.KindNotFound, Msg: "image " + ref + " not found locally", Err: ErrImageNotFound}
}

// IsImageNotFound reports whether err signals a missing image.
func IsImageNotFound(err error) bool { return errors.Is(err, ErrImageNotFound) }
