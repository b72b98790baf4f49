package registry

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ttstudio/internal/common/fsutil"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// Entry is one catalog entry as written in YAML.
type Entry struct {
	ModelID              string   `yaml:"model_id"`
	ImplID               string   `yaml:"impl_id"`
	ModelName            string   `yaml:"model_name"`
	Version              string   `yaml:"version"`
	HFModelID            string   `yaml:"hf_model_id"`
	ImageName            string   `yaml:"image_name"`
	ImageTag             string   `yaml:"image_tag"`
	DeviceConfigurations []string `yaml:"device_configurations"`
	ModelType            string   `yaml:"model_type"`
	SetupType            string   `yaml:"setup_type"`
	ServicePort          int      `yaml:"service_port"`
	ServiceRoute         string   `yaml:"service_route"`
	HealthRoute          string   `yaml:"health_route"`
	StatusRoute          string   `yaml:"status_route"`
	ResultRoute          string   `yaml:"result_route"`
	ShmSize              string   `yaml:"shm_size"`
	EnvFile              string   `yaml:"env_file"`
}

type catalogFile struct {
	Models []Entry `yaml:"models"`
}

// Volumes maps model volumes to host and container paths.
type Volumes struct {
	HostRoot     string
	InternalRoot string
}

// Load builds the registry from the embedded catalog, overlaid with the
// catalog at path when path is non-empty.
func Load(path string, vol Volumes) (*Registry, error) {
	entries, err := parseCatalog(builtinCatalog)
	if err != nil {
		return nil, fmt.Errorf("builtin catalog: %w", err)
	}
	if path != "" {
		p, err := fsutil.ExpandHome(path)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		extra, err := parseCatalog(b)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		entries = overlay(entries, extra)
	}
	specs := make([]ModelSpec, 0, len(entries))
	for i, e := range entries {
		s, err := e.toSpec(vol)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d (%s): %w", i, e.ModelName, err)
		}
		specs = append(specs, s)
	}
	return New(specs)
}

func parseCatalog(b []byte) ([]Entry, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f.Models, nil
}

func overlay(base, extra []Entry) []Entry {
	idx := make(map[string]int, len(base))
	for i, e := range base {
		idx[e.id()] = i
	}
	for _, e := range extra {
		if i, ok := idx[e.id()]; ok {
			base[i] = e
			continue
		}
		idx[e.id()] = len(base)
		base = append(base, e)
	}
	return base
}

func (e Entry) id() string {
	if e.ModelID != "" {
		return e.ModelID
	}
	return fmt.Sprintf("id_%s-%s-v%s", e.ImplID, e.ModelName, e.Version)
}

func (e Entry) toSpec(vol Volumes) (ModelSpec, error) {
	s := ModelSpec{
		ModelID:      e.id(),
		ImplID:       e.ImplID,
		ModelName:    strings.TrimSpace(e.ModelName),
		Version:      e.Version,
		HFModelID:    e.HFModelID,
		ImageName:    e.ImageName,
		ImageTag:     e.ImageTag,
		ModelType:    ModelType(strings.ToUpper(e.ModelType)),
		SetupType:    SetupType(strings.ToUpper(e.SetupType)),
		ServicePort:  e.ServicePort,
		ServiceRoute: e.ServiceRoute,
		HealthRoute:  e.HealthRoute,
		StatusRoute:  e.StatusRoute,
		ResultRoute:  e.ResultRoute,
		ShmSize:      e.ShmSize,
		EnvFile:      e.EnvFile,
	}
	if s.ModelName == "" {
		return s, fmt.Errorf("model_name is required")
	}
	if s.ImageName == "" || s.ImageTag == "" {
		return s, fmt.Errorf("image_name and image_tag are required")
	}
	if len(e.DeviceConfigurations) == 0 {
		return s, fmt.Errorf("device_configurations must not be empty")
	}
	for _, raw := range e.DeviceConfigurations {
		d, ok := ParseDevice(raw)
		if !ok {
			return s, fmt.Errorf("unknown device configuration %q", raw)
		}
		s.DeviceConfigurations = append(s.DeviceConfigurations, d)
	}
	if !s.ModelType.valid() {
		return s, fmt.Errorf("unknown model_type %q", e.ModelType)
	}
	if s.SetupType == "" {
		s.SetupType = SetupNone
	}
	if !s.SetupType.valid() {
		return s, fmt.Errorf("unknown setup_type %q", e.SetupType)
	}
	if s.ServicePort == 0 {
		s.ServicePort = DefaultServicePort
	}
	if s.HealthRoute == "" {
		s.HealthRoute = DefaultHealthRoute
	}
	s.VolumeName = "volume_" + s.ModelID
	var err error
	if s.HostPath, err = fsutil.SafeJoin(vol.HostRoot, s.VolumeName); err != nil {
		return s, fmt.Errorf("model_id: %w", err)
	}
	if s.ContainerMountPath, err = fsutil.SafeJoin(vol.InternalRoot, s.VolumeName); err != nil {
		return s, fmt.Errorf("model_id: %w", err)
	}
	return s, nil
}
