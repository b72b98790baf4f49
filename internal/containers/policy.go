package containers

import (
	"path/filepath"
	"strings"

	"ttstudio/internal/common/apierr"
)

// Policy is the security policy checked before any runtime call.
type Policy struct {
	AllowedImagePrefixes []string
	AllowedNetworks      []string
	// AllowedCapabilities is the only set a container may add back after
	// all capabilities are dropped.
	AllowedCapabilities []string
	// DevicePath is the root under which device mounts are accepted.
	DevicePath string
}

// CheckImage rejects images outside the allowed registries.
func (p Policy) CheckImage(image string) error {
	for _, pre := range p.AllowedImagePrefixes {
		if pre != "" && strings.HasPrefix(image, pre) {
			return nil
		}
	}
	return apierr.Security("image %q is not from an allowed registry", image)
}

// CheckNetwork rejects networks outside the allow-list. Empty means the
// runtime default and is accepted.
func (p Policy) CheckNetwork(name string) error {
	if name == "" {
		return nil
	}
	for _, n := range p.AllowedNetworks {
		if n == name {
			return nil
		}
	}
	return apierr.Security("network %q is not allowed", name)
}

// Check validates a full launch request.
func (p Policy) Check(spec RunSpec) error {
	if spec.Privileged {
		return apierr.Security("privileged containers are not allowed")
	}
	if err := p.CheckImage(spec.Image); err != nil {
		return err
	}
	if err := p.CheckNetwork(spec.Network); err != nil {
		return err
	}
	for _, c := range spec.CapAdd {
		if !p.capAllowed(c) {
			return apierr.Security("capability %q is not allowed", c)
		}
	}
	for _, d := range spec.DeviceMounts {
		if !p.deviceAllowed(d) {
			return apierr.Security("device %q is not allowed", d)
		}
	}
	return nil
}

func (p Policy) capAllowed(c string) bool {
	c = strings.TrimPrefix(strings.ToUpper(c), "CAP_")
	if c == "ALL" {
		return false
	}
	for _, a := range p.AllowedCapabilities {
		if strings.TrimPrefix(strings.ToUpper(a), "CAP_") == c {
			return true
		}
	}
	return false
}

func (p Policy) deviceAllowed(d string) bool {
	host, _, _ := strings.Cut(d, ":")
	root := filepath.Clean(p.DevicePath)
	if p.DevicePath == "" {
		return false
	}
	clean := filepath.Clean(host)
	return clean == root || strings.HasPrefix(clean, root+"/")
}
