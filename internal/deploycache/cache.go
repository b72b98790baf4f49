// Package deploycache keeps the authoritative in-memory index of running,
// routable model containers. Only Refresh writes to it.
package deploycache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ttstudio/internal/containers"
	"ttstudio/internal/lifecycle"
	"ttstudio/internal/registry"
	"ttstudio/pkg/types"
)

// Env markers of containers started through the inference launcher.
var managedEnvMarkers = []string{"CACHE_ROOT", "TT_CACHE_PATH"}

// Record is a routable deployment. Records only reference their model spec
// by id; resolve it with Cache.Spec.
type Record struct {
	ContainerID   string
	ContainerName string
	Status        string
	Health        string
	CreatedAt     time.Time
	ImageName     string
	PortBindings  map[string]string
	Networks      map[string][]string
	EnvVars       map[string]string
	ModelID       string
	WeightsID     string
	// InternalURL and HealthURL are host:port/route without a scheme.
	InternalURL string
	HealthURL   string
}

// LifecycleReader is the read side of the lifecycle store used to resolve
// externally launched containers.
type LifecycleReader interface {
	Latest(ctx context.Context, containerID string) (lifecycle.Record, error)
}

// Options configures a Cache.
type Options struct {
	Runtime       containers.Runtime
	Registry      *registry.Registry
	Lifecycle     LifecycleReader
	BridgeNetwork string
	Logger        zerolog.Logger
}

// Cache maps container id to Record.
type Cache struct {
	opts Options

	refreshMu sync.Mutex
	mu        sync.RWMutex
	entries   map[string]Record
	refreshed time.Time
}

// New returns an empty cache.
func New(opts Options) *Cache {
	return &Cache{opts: opts, entries: map[string]Record{}}
}

// Refresh rebuilds the snapshot from the runtime and returns the ids evicted.
// Containers that cannot be resolved are logged and skipped. If the runtime
// cannot be listed the previous snapshot is kept and the error returned.
func (c *Cache) Refresh(ctx context.Context) ([]string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	list, err := c.opts.Runtime.ListContainers(ctx, false)
	if err != nil {
		c.opts.Logger.Warn().Err(err).Msg("deploy cache refresh: list containers")
		return nil, err
	}
	next := make(map[string]Record, len(list))
	for _, v := range list {
		if v.Status != "running" || !c.managed(v) {
			continue
		}
		rec, ok := c.build(ctx, v)
		if !ok {
			continue
		}
		next[rec.ContainerID] = rec
	}

	c.mu.Lock()
	var evicted []string
	for id := range c.entries {
		if _, ok := next[id]; !ok {
			evicted = append(evicted, id)
		}
	}
	c.entries = next
	c.refreshed = time.Now()
	c.mu.Unlock()

	sort.Strings(evicted)
	if len(evicted) > 0 {
		c.opts.Logger.Info().Strs("evicted", evicted).Int("entries", len(next)).Msg("deploy cache refreshed")
	}
	return evicted, nil
}

// EnsureFresh refreshes when the cache is empty.
func (c *Cache) EnsureFresh(ctx context.Context) error {
	c.mu.RLock()
	empty := len(c.entries) == 0
	c.mu.RUnlock()
	if !empty {
		return nil
	}
	_, err := c.Refresh(ctx)
	return err
}

func (c *Cache) managed(v containers.ContainerView) bool {
	if c.opts.Registry.HasImage(v.Image) {
		return true
	}
	for _, k := range managedEnvMarkers {
		if v.HasEnv(k) {
			return true
		}
	}
	return false
}

// resolve finds the model spec for a managed container: MODEL_ID env, a
// unique image match, the lifecycle record's model name, then a container
// name substring match.
func (c *Cache) resolve(ctx context.Context, v containers.ContainerView, env map[string]string) (registry.ModelSpec, bool) {
	reg := c.opts.Registry
	if id := env["MODEL_ID"]; id != "" {
		if s, ok := reg.Get(id); ok {
			return s, true
		}
	}
	if matches := reg.ByImage(v.Image); len(matches) == 1 {
		return matches[0], true
	}
	if c.opts.Lifecycle != nil {
		if rec, err := c.opts.Lifecycle.Latest(ctx, v.ID); err == nil {
			if s, ok := reg.ByModelName(rec.ModelName); ok {
				return s, true
			}
		}
	}
	return reg.MatchContainerName(v.Name)
}

func (c *Cache) build(ctx context.Context, v containers.ContainerView) (Record, bool) {
	log := c.opts.Logger.With().Str("container", v.ID).Str("name", v.Name).Logger()
	env := v.EnvMap()
	spec, ok := c.resolve(ctx, v, env)
	if !ok {
		log.Warn().Str("image", v.Image).Msg("managed container has no matching model spec; skipping")
		return Record{}, false
	}
	host := v.DNSName(c.opts.BridgeNetwork)
	if host == "" {
		log.Debug().Str("network", c.opts.BridgeNetwork).Msg("container has no DNS name on bridge network; skipping")
		return Record{}, false
	}
	base := host + ":" + strconv.Itoa(spec.ServicePort)
	return Record{
		ContainerID:   v.ID,
		ContainerName: v.Name,
		Status:        v.Status,
		Health:        v.Health,
		CreatedAt:     v.CreatedAt,
		ImageName:     v.Image,
		PortBindings:  v.PortBindings(),
		Networks:      v.Networks,
		EnvVars:       env,
		ModelID:       spec.ModelID,
		WeightsID:     env["WEIGHTS_ID"],
		InternalURL:   base + spec.ServiceRoute,
		HealthURL:     base + spec.HealthRoute,
	}, true
}

// Get returns the record for id.
func (c *Cache) Get(id string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[id]
	return r, ok
}

// All returns a copy of the current snapshot.
func (c *Cache) All() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Record, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// IDs returns the cached container ids, sorted.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LastRefresh returns when the snapshot was last rebuilt.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

// Spec resolves a record's model spec.
func (c *Cache) Spec(r Record) (registry.ModelSpec, bool) {
	return c.opts.Registry.Get(r.ModelID)
}

// View serializes a record. withSpec attaches the model spec; env vars are
// never exposed.
func (c *Cache) View(r Record, withSpec bool) types.DeployRecordView {
	v := types.DeployRecordView{
		ContainerID:   r.ContainerID,
		ContainerName: r.ContainerName,
		Status:        r.Status,
		Health:        r.Health,
		CreatedAt:     r.CreatedAt,
		ImageName:     r.ImageName,
		PortBindings:  r.PortBindings,
		Networks:      r.Networks,
		ModelID:       r.ModelID,
		WeightsID:     r.WeightsID,
		InternalURL:   r.InternalURL,
		HealthURL:     r.HealthURL,
	}
	if withSpec {
		if s, ok := c.Spec(r); ok {
			v.ModelSpec = s.View()
		}
	}
	return v
}

// Views serializes the whole snapshot keyed by container id.
func (c *Cache) Views(withSpec bool) map[string]types.DeployRecordView {
	all := c.All()
	out := make(map[string]types.DeployRecordView, len(all))
	for id, r := range all {
		out[id] = c.View(r, withSpec)
	}
	return out
}
