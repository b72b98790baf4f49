// Package registry holds the process-wide, read-only set of model
// specifications. A Registry is immutable after construction and safe for
// concurrent use without locking.
package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Registry indexes model specifications by id and image version.
type Registry struct {
	specs   []ModelSpec
	byID    map[string]int
	byImage map[string][]int
}

// New validates specs and builds a registry. Ids must be unique and free of
// path separators.
func New(specs []ModelSpec) (*Registry, error) {
	r := &Registry{
		specs:   make([]ModelSpec, len(specs)),
		byID:    make(map[string]int, len(specs)),
		byImage: make(map[string][]int, len(specs)),
	}
	copy(r.specs, specs)
	for i, s := range r.specs {
		if s.ModelID == "" {
			return nil, fmt.Errorf("model %q has empty model_id", s.ModelName)
		}
		if strings.ContainsAny(s.ModelID, `/\`) {
			return nil, fmt.Errorf("model_id %q contains a path separator", s.ModelID)
		}
		if len(s.DeviceConfigurations) == 0 {
			return nil, fmt.Errorf("model_id %q has no device configurations", s.ModelID)
		}
		if _, dup := r.byID[s.ModelID]; dup {
			return nil, fmt.Errorf("duplicate model_id %q", s.ModelID)
		}
		r.byID[s.ModelID] = i
		r.byImage[s.ImageVersion()] = append(r.byImage[s.ImageVersion()], i)
	}
	return r, nil
}

// Get returns the spec for id.
func (r *Registry) Get(id string) (ModelSpec, bool) {
	i, ok := r.byID[id]
	if !ok {
		return ModelSpec{}, false
	}
	return r.specs[i], true
}

// All returns every spec in catalog order.
func (r *Registry) All() []ModelSpec {
	out := make([]ModelSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

// IDs returns the sorted model ids, used to list valid values in errors.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s.ModelID)
	}
	sort.Strings(out)
	return out
}

// ByImage returns the specs whose image version is exactly imageVersion.
// Several models may share one serving image.
func (r *Registry) ByImage(imageVersion string) []ModelSpec {
	idx := r.byImage[imageVersion]
	out := make([]ModelSpec, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.specs[i])
	}
	return out
}

// HasImage reports whether imageVersion belongs to a registered model.
func (r *Registry) HasImage(imageVersion string) bool {
	_, ok := r.byImage[imageVersion]
	return ok
}

// ByModelName matches name against model_name, hf_model_id or the sanitized
// container name, case-insensitively.
func (r *Registry) ByModelName(name string) (ModelSpec, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ModelSpec{}, false
	}
	for _, s := range r.specs {
		if strings.EqualFold(s.ModelName, name) || strings.EqualFold(s.HFModelID, name) || strings.EqualFold(s.ContainerName(), name) {
			return s, true
		}
	}
	return ModelSpec{}, false
}

// MatchContainerName returns the spec whose model_name is a substring of
// containerName. The longest model name wins so "Llama-3.2-1B-Instruct" is not
// shadowed by a shorter prefix.
func (r *Registry) MatchContainerName(containerName string) (ModelSpec, bool) {
	cn := strings.ToLower(strings.TrimPrefix(containerName, "/"))
	best := -1
	for i, s := range r.specs {
		if s.ModelName == "" || !strings.Contains(cn, strings.ToLower(s.ModelName)) {
			continue
		}
		if best < 0 || len(s.ModelName) > len(r.specs[best].ModelName) {
			best = i
		}
	}
	if best < 0 {
		return ModelSpec{}, false
	}
	return r.specs[best], true
}
