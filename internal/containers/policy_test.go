package containers

import (
	"context"
	"testing"

	"ttstudio/internal/common/apierr"
)

func testPolicy() Policy {
	return Policy{
		AllowedImagePrefixes: []string{"ghcr.io/tenstorrent/"},
		AllowedNetworks:      []string{"tt_studio_network", "bridge"},
		AllowedCapabilities:  []string{"IPC_LOCK", "SYS_NICE"},
		DevicePath:           "/dev/tenstorrent",
	}
}

func TestPolicyCheck(t *testing.T) {
	p := testPolicy()
	ok := RunSpec{Image: "ghcr.io/tenstorrent/x:1", Network: "tt_studio_network", CapAdd: []string{"cap_ipc_lock"}, DeviceMounts: []string{"/dev/tenstorrent/0:/dev/tenstorrent/0"}}
	if err := p.Check(ok); err != nil { t.Fatalf("unexpected: %v", err) }

	bad := map[string]RunSpec{
		"image":      {Image: "docker.io/evil:1"},
		"privileged": {Image: "ghcr.io/tenstorrent/x:1", Privileged: true},
		"network":    {Image: "ghcr.io/tenstorrent/x:1", Network: "host"},
		"cap":        {Image: "ghcr.io/tenstorrent/x:1", CapAdd: []string{"SYS_ADMIN"}},
		"cap all":    {Image: "ghcr.io/tenstorrent/x:1", CapAdd: []string{"ALL"}},
		"device":     {Image: "ghcr.io/tenstorrent/x:1", DeviceMounts: []string{"/dev/sda"}},
		"traversal":  {Image: "ghcr.io/tenstorrent/x:1", DeviceMounts: []string{"/dev/tenstorrent/../sda"}},
	}
	for name, spec := range bad {
		if err := p.Check(spec); !apierr.IsSecurity(err) { t.Fatalf("%s: want security violation, got %v", name, err) }
	}
}

// Policy violations must be rejected before the daemon is contacted; a
// Docker with no client would panic otherwise.
func TestDockerChecksPolicyBeforeRuntimeCall(t *testing.T) {
	d := &Docker{policy: testPolicy()}
	_, err := d.RunContainer(context.Background(), RunSpec{Image: "ghcr.io/tenstorrent/x:1", Privileged: true})
	if !apierr.IsSecurity(err) { t.Fatalf("want security violation, got %v", err) }
	if err := d.EnsureNetwork(context.Background(), "host", ""); !apierr.IsSecurity(err) { t.Fatalf("want security violation, got %v", err) }
	if err := d.PullImage(context.Background(), "quay.io/x", "1", ""); !apierr.IsSecurity(err) { t.Fatalf("want security violation, got %v", err) }
}

func TestSplitRef(t *testing.T) {
	cases := map[string][2]string{
		"ghcr.io/a/b:1.0":      {"ghcr.io/a/b", "1.0"},
		"localhost:5000/img":   {"localhost:5000/img", "latest"},
		"localhost:5000/img:v": {"localhost:5000/img", "v"},
		"plain":                {"plain", "latest"},
	}
	for in, want := range cases {
		n, tg := splitRef(in)
		if n != want[0] || tg != want[1] { t.Fatalf("%s -> %s %s", in, n, tg) }
	}
}
