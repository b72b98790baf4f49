package containers_test

import (
	"context"
	"testing"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/containers"
	"ttstudio/internal/containers/containerstest"
)

func TestContainerViewHelpers(t *testing.T) {
	v := containers.ContainerView{
		Env:      []string{"MODEL_ID=m1", "EMPTY=", "CACHE_ROOT=/cache", "=junk"},
		Ports:    map[string]string{"7000/tcp": "7000", "9000/udp": ""},
		Networks: map[string][]string{"tt_studio_network": {"llama", "alias"}, "bridge": nil},
	}
	env := v.EnvMap()
	if env["MODEL_ID"] != "m1" || env["EMPTY"] != "" || len(env) != 3 { t.Fatalf("env=%v", env) }
	if !v.HasEnv("CACHE_ROOT") || v.HasEnv("TT_CACHE_PATH") { t.Fatalf("HasEnv broken") }
	if v.DNSName("tt_studio_network") != "llama" || v.DNSName("bridge") != "" { t.Fatalf("dns names") }
	if !v.ExposesPort(7000) || !v.ExposesPort(9000) || v.ExposesPort(80) { t.Fatalf("ExposesPort broken") }
	if pb := v.PortBindings(); len(pb) != 1 || pb["7000/tcp"] != "7000" { t.Fatalf("bindings=%v", pb) }
}

func TestFindByPort(t *testing.T) {
	rt := containerstest.New()
	rt.Add(containers.ContainerView{ID: "a", Status: "running", Ports: map[string]string{"8080/tcp": "8080"}})
	rt.Add(containers.ContainerView{ID: "b", Status: "running", Ports: map[string]string{"7000/tcp": "7000"}})
	c, err := containers.FindByPort(context.Background(), rt, 7000)
	if err != nil || c.ID != "b" { t.Fatalf("got %v %v", c.ID, err) }
	if _, err := containers.FindByPort(context.Background(), rt, 1); !apierr.IsNotFound(err) { t.Fatalf("want not found, got %v", err) }
}

func TestFakeRunRequiresImage(t *testing.T) {
	rt := containerstest.New()
	rt.Policy = containers.Policy{AllowedImagePrefixes: []string{"ghcr.io/"}, AllowedNetworks: []string{"n"}}
	_, err := rt.RunContainer(context.Background(), containers.RunSpec{Image: "ghcr.io/x:1"})
	if !containers.IsImageNotFound(err) { t.Fatalf("want image not found, got %v", err) }
	rt.AddImage("ghcr.io/x:1")
	res, err := rt.RunContainer(context.Background(), containers.RunSpec{Image: "ghcr.io/x:1", Name: "x", Network: "n", PortBindings: map[int]int{7000: 7001}})
	if err != nil { t.Fatalf("run: %v", err) }
	v, _ := rt.GetContainer(context.Background(), res.ID)
	if v.DNSName("n") != "x" || v.Ports["7000/tcp"] != "7001" { t.Fatalf("view=%+v", v) }
}
