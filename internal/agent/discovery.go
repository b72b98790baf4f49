package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"ttstudio/pkg/types"
)

// Source lists deployed containers as /deployed/ reports them.
type Source interface {
	Deployed(ctx context.Context) (map[string]types.DeployRecordView, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (map[string]types.DeployRecordView, error)

func (f SourceFunc) Deployed(ctx context.Context) (map[string]types.DeployRecordView, error) {
	return f(ctx)
}

// HTTPSource reads GET <BaseURL>/deployed/.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func (s HTTPSource) Deployed(ctx context.Context) (map[string]types.DeployRecordView, error) {
	c := s.Client
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.BaseURL, "/")+"/deployed/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("deployed: %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out map[string]types.DeployRecordView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode deployed: %w", err)
	}
	return out, nil
}

// FromView converts a deploy record to a candidate. The model name is the
// spec's hf_model_id when set.
func FromView(id string, v types.DeployRecordView) types.LlmInfo {
	info := types.LlmInfo{
		DeployID:      id,
		ContainerName: v.ContainerName,
		InternalURL:   v.InternalURL,
		HealthURL:     v.HealthURL,
		ModelName:     v.ContainerName,
	}
	if s := v.ModelSpec; s != nil {
		info.ModelType = s.ModelType
		info.ModelName = s.ModelName
		if s.HFModelID != "" {
			info.ModelName = s.HFModelID
		}
	}
	return info
}

const candidatesKey = "candidates"

// Discovery probes every deployed container and caches the usable ones.
type Discovery struct {
	src   Source
	probe *Prober
	cache *gocache.Cache
}

// NewDiscovery caches discovery results for ttl.
func NewDiscovery(src Source, probe *Prober, ttl time.Duration) *Discovery {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Discovery{src: src, probe: probe, cache: gocache.New(ttl, 2*ttl)}
}

// Candidates returns HEALTHY and DEGRADED deployments ordered by deploy id.
// fresh bypasses the cache.
func (d *Discovery) Candidates(ctx context.Context, fresh bool) ([]types.LlmInfo, error) {
	if !fresh {
		if v, ok := d.cache.Get(candidatesKey); ok {
			return v.([]types.LlmInfo), nil
		}
	}
	views, err := d.src.Deployed(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(views))
	for id := range views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]types.LlmInfo, 0, len(ids))
	for _, id := range ids {
		info := FromView(id, views[id])
		if info.HealthURL == "" {
			continue
		}
		info.HealthStatus = d.probe.Probe(ctx, info)
		if info.HealthStatus == Healthy || info.HealthStatus == Degraded {
			out = append(out, info)
		}
	}
	d.cache.SetDefault(candidatesKey, out)
	return out, nil
}

// Invalidate drops the cached candidates.
func (d *Discovery) Invalidate() { d.cache.Delete(candidatesKey) }

// Prober classifies a container's health route.
type Prober struct {
	Client *http.Client
	// Token is sent as a bearer token when set.
	Token string
	// Timeout bounds a probe; exceeding it is UNHEALTHY.
	Timeout time.Duration
	// SlowAfter separates HEALTHY from DEGRADED.
	SlowAfter time.Duration
	Now       func() time.Time
}

// Probe returns HEALTHY for a 200 within SlowAfter, DEGRADED for a slower 200
// and UNHEALTHY otherwise.
func (p *Prober) Probe(ctx context.Context, info types.LlmInfo) string {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	slow := p.SlowAfter
	if slow <= 0 {
		slow = 2 * time.Second
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	url := info.HealthURL
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p.count(Unhealthy)
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	start := now()
	resp, err := client.Do(req)
	if err != nil {
		return p.count(Unhealthy)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p.count(Unhealthy)
	}
	if now().Sub(start) < slow {
		return p.count(Healthy)
	}
	return p.count(Degraded)
}

func (p *Prober) count(status string) string {
	probes.WithLabelValues(status).Inc()
	return status
}
