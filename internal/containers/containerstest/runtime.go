// Package containerstest provides an in-memory containers.Runtime for tests.
package containerstest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/containers"
)

// Runtime is a thread-safe fake. Containers are added with Add or RunContainer
// and mutated with SetStatus/Remove to simulate lifecycle events.
type Runtime struct {
	Policy containers.Policy

	mu         sync.Mutex
	containers map[string]*containers.ContainerView
	images     map[string]containers.ImageView
	networks   map[string]string
	logs       map[string]string
	seq        int

	// StopErr, when set, is returned by StopContainer.
	StopErr error
	// Calls records operation names in order.
	Calls []string
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{
		containers: map[string]*containers.ContainerView{},
		images:     map[string]containers.ImageView{},
		networks:   map[string]string{},
		logs:       map[string]string{},
	}
}

func (r *Runtime) record(op string) { r.Calls = append(r.Calls, op) }

// Add inserts a container view as-is.
func (r *Runtime) Add(v containers.ContainerView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.Ports == nil {
		v.Ports = map[string]string{}
	}
	if v.Networks == nil {
		v.Networks = map[string][]string{}
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	cp := v
	r.containers[v.ID] = &cp
}

// AddImage registers a local image reference.
func (r *Runtime) AddImage(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[ref] = containers.ImageView{ID: "sha256:" + ref, Tags: []string{ref}}
}

// SetStatus changes a container's runtime state.
func (r *Runtime) SetStatus(id, status string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Status = status
		c.ExitCode = exitCode
	}
}

// Remove deletes a container.
func (r *Runtime) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
}

// SetLogs sets the bytes StreamLogs returns.
func (r *Runtime) SetLogs(id, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[id] = logs
}

// CallCount returns how many times op was called.
func (r *Runtime) CallCount(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (r *Runtime) RunContainer(_ context.Context, spec containers.RunSpec) (containers.RunResult, error) {
	if err := r.Policy.Check(spec); err != nil {
		return containers.RunResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("run")
	if _, ok := r.images[spec.Image]; !ok {
		return containers.RunResult{}, containers.ImageNotFound(spec.Image)
	}
	for _, c := range r.containers {
		if spec.Name != "" && c.Name == spec.Name {
			return containers.RunResult{}, apierr.Upstream("container name "+spec.Name+" already in use", nil)
		}
	}
	r.seq++
	id := fmt.Sprintf("c%04d", r.seq)
	name := spec.Name
	if name == "" {
		name = id
	}
	v := &containers.ContainerView{
		ID: id, Name: name, Status: "running", Image: spec.Image, ImageTags: []string{spec.Image},
		Ports: map[string]string{}, Networks: map[string][]string{}, CreatedAt: time.Now(),
	}
	for k, val := range spec.Env {
		v.Env = append(v.Env, k+"="+val)
	}
	sort.Strings(v.Env)
	res := containers.RunResult{ID: id, Name: name, PortBindings: map[string]string{}}
	for cp, hp := range spec.PortBindings {
		key := strconv.Itoa(cp) + "/tcp"
		v.Ports[key] = strconv.Itoa(hp)
		res.PortBindings[key] = strconv.Itoa(hp)
	}
	if spec.Network != "" {
		host := spec.Hostname
		if host == "" {
			host = name
		}
		v.Networks[spec.Network] = []string{host}
	}
	r.containers[id] = v
	return res, nil
}

func (r *Runtime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stop")
	if r.StopErr != nil {
		return r.StopErr
	}
	if _, ok := r.containers[id]; !ok {
		return apierr.NotFound("container %s", id)
	}
	// auto-remove
	delete(r.containers, id)
	return nil
}

func (r *Runtime) ListContainers(_ context.Context, includeStopped bool) ([]containers.ContainerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("list")
	out := make([]containers.ContainerView, 0, len(r.containers))
	for _, c := range r.containers {
		if !includeStopped && c.Status != "running" {
			continue
		}
		out = append(out, clone(*c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Runtime) GetContainer(_ context.Context, id string) (containers.ContainerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return containers.ContainerView{}, apierr.NotFound("container %s", id)
	}
	return clone(*c), nil
}

func (r *Runtime) ImageExists(_ context.Context, name, tag string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.images[name+":"+tag]
	return ok, nil
}

func (r *Runtime) PullImage(_ context.Context, name, tag, _ string) error {
	ref := name + ":" + tag
	if err := r.Policy.CheckImage(ref); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("pull")
	r.images[ref] = containers.ImageView{ID: "sha256:" + ref, Tags: []string{ref}}
	return nil
}

func (r *Runtime) ListImages(_ context.Context) ([]containers.ImageView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]containers.ImageView, 0, len(r.images))
	for _, im := range r.images {
		out = append(out, im)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Runtime) EnsureNetwork(_ context.Context, name, driver string) error {
	if err := r.Policy.CheckNetwork(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.networks[name]; !ok {
		r.networks[name] = driver
	}
	return nil
}

func (r *Runtime) ConnectNetwork(_ context.Context, network, id string, aliases []string) error {
	if err := r.Policy.CheckNetwork(network); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("connect")
	c, ok := r.containers[id]
	if !ok {
		return apierr.NotFound("container %s", id)
	}
	if _, ok := c.Networks[network]; !ok {
		c.Networks[network] = append([]string{c.Name}, aliases...)
	}
	return nil
}

func (r *Runtime) RenameContainer(_ context.Context, id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("rename")
	c, ok := r.containers[id]
	if !ok {
		return apierr.NotFound("container %s", id)
	}
	for net, names := range c.Networks {
		if len(names) > 0 && names[0] == c.Name {
			c.Networks[net] = append([]string{name}, names[1:]...)
		}
	}
	c.Name = name
	return nil
}

func (r *Runtime) StreamLogs(_ context.Context, id string, _ bool, _ string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[id]; !ok {
		return nil, apierr.NotFound("container %s", id)
	}
	return io.NopCloser(strings.NewReader(r.logs[id])), nil
}

func clone(c containers.ContainerView) containers.ContainerView {
	out := c
	out.Env = append([]string(nil), c.Env...)
	out.ImageTags = append([]string(nil), c.ImageTags...)
	out.Ports = make(map[string]string, len(c.Ports))
	for k, v := range c.Ports {
		out.Ports[k] = v
	}
	out.Networks = make(map[string][]string, len(c.Networks))
	for k, v := range c.Networks {
		out.Networks[k] = append([]string(nil), v...)
	}
	return out
}

var _ containers.Runtime = (*Runtime)(nil)
