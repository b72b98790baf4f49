package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ttstudio/internal/agent"
	"ttstudio/internal/boardinfo"
	"ttstudio/internal/containers"
	"ttstudio/internal/containers/containerstest"
	"ttstudio/internal/deploycache"
	"ttstudio/internal/httpapi"
	"ttstudio/internal/inference"
	"ttstudio/internal/launcher"
	"ttstudio/internal/lifecycle"
	"ttstudio/internal/manager"
	"ttstudio/internal/registry"
	"ttstudio/pkg/types"
)

const (
	bridge  = "tt_studio_network"
	llama1B = "id_tt-metal-Llama-3.2-1B-Instruct-v0.0.1"
	qwen7B  = "id_tt-metal-Qwen2.5-7B-Instruct-v0.0.1"
)

// smiRunner answers the device CLI: -s with a fixed report, everything else
// with empty success.
type smiRunner struct{ report string }

func (r smiRunner) Run(_ context.Context, _ time.Duration, args ...string) ([]byte, error) {
	if len(args) > 0 && args[0] == "-s" {
		return []byte(r.report), nil
	}
	return nil, nil
}

func smiJSON(boards ...string) string {
	var devs []string
	for i, b := range boards {
		devs = append(devs, fmt.Sprintf(`{"board_info":{"bus_id":"0000:0%d:00.0","board_type":%q},"telemetry":{"voltage":"0.80","power":"24.0","aiclk":"500","asic_temperature":41.0},"limits":{}}`, i, b))
	}
	return `{"host_info":{"OS":"Linux","Driver":"TT-KMD 1.29"},"device_info":[` + strings.Join(devs, ",") + `]}`
}

// modelFleet is one HTTP server standing in for every model container; the
// transport dials it for any host and the handler switches on the Host header.
type modelFleet struct {
	srv  *httptest.Server
	mu   sync.Mutex
	mode map[string]string // host -> ok | down | hang
	// hung receives the host of a hanging stream once its client went away.
	hung chan string
}

func newModelFleet(t *testing.T) *modelFleet {
	f := &modelFleet{mode: map[string]string{}, hung: make(chan string, 4)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := strings.Cut(r.Host, ":")
		f.mu.Lock()
		mode := f.mode[host]
		f.mu.Unlock()
		if mode == "down" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/health") {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		frame := func(content string, prompt, completion int) {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}],\"usage\":{\"prompt_tokens\":%d,\"completion_tokens\":%d}}\n\n", content, prompt, completion)
			fl.Flush()
		}
		frame("", 5, 0)
		frame(host, 5, 1)
		if mode == "hang" {
			<-r.Context().Done()
			f.hung <- host
			return
		}
		frame(" says hi", 5, 2)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *modelFleet) set(host, mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode[host] = mode
}

// client reaches the fleet whatever container DNS name a URL carries.
func (f *modelFleet) client() *http.Client {
	addr := strings.TrimPrefix(f.srv.URL, "http://")
	var d net.Dialer
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return d.DialContext(ctx, network, addr)
		},
	}}
}

// fakeLauncher is the HTTP launcher. Each POST /run starts the container
// produced by start; the first len(failures) calls answer with those statuses.
type fakeLauncher struct {
	srv      *httptest.Server
	mu       sync.Mutex
	runs     []launcher.RunRequest
	failures []int
	start    func() (id, name string)
}

func newFakeLauncher(t *testing.T, rt *containerstest.Runtime) *fakeLauncher {
	l := &fakeLauncher{}
	n := 0
	l.start = func() (string, string) {
		n++
		id := fmt.Sprintf("c%d", n)
		rt.Add(containers.ContainerView{ID: id, Name: "tt-inference-server-1", Status: "running",
			Image: "ghcr.io/tenstorrent/tt-inference-server/launched:dev", Env: []string{"CACHE_ROOT=/cache"},
			Ports: map[string]string{"7000/tcp": "7000"}})
		return id, "tt-inference-server-1"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		var req launcher.RunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		l.mu.Lock()
		i := len(l.runs)
		l.runs = append(l.runs, req)
		fail := 0
		if i < len(l.failures) {
			fail = l.failures[i]
		}
		l.mu.Unlock()
		if fail != 0 {
			w.WriteHeader(fail)
			_, _ = io.WriteString(w, `{"detail":"system software validation failed"}`)
			return
		}
		id, name := l.start()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "job_id": "J", "container_name": name, "container_id": id, "docker_log_file_path": "/logs/J.log"})
	})
	mux.HandleFunc("GET /run/progress/{job}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed", "stage": "complete", "progress": 100, "message": "server ready", "last_updated": time.Now().UTC().Format(time.RFC3339)})
	})
	mux.HandleFunc("GET /run/logs/{job}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"logs":[]}`)
	})
	l.srv = httptest.NewServer(mux)
	t.Cleanup(l.srv.Close)
	return l
}

func (l *fakeLauncher) requests() []launcher.RunRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]launcher.RunRequest(nil), l.runs...)
}

// stack is a control plane wired like ttstudiod, with fakes at the edges:
// container runtime, launcher, device CLI and model containers.
type stack struct {
	srv      *httptest.Server
	rt       *containerstest.Runtime
	store    *lifecycle.Store
	cache    *deploycache.Cache
	mgr      *manager.Manager
	monitor  *agent.Monitor
	launcher *fakeLauncher
	fleet    *modelFleet
}

func newStack(t *testing.T, smi string) *stack {
	t.Helper()
	log := zerolog.Nop()
	reg, err := registry.Load("", registry.Volumes{HostRoot: "/host", InternalRoot: "/tt_studio_persistent_volume"})
	require.NoError(t, err)
	store, err := lifecycle.Open(filepath.Join(t.TempDir(), "deployments.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := containerstest.New()
	rt.Policy = containers.Policy{
		AllowedImagePrefixes: []string{"ghcr.io/tenstorrent/"},
		AllowedNetworks:      []string{bridge},
		AllowedCapabilities:  []string{"IPC_LOCK", "SYS_NICE"},
		DevicePath:           "/dev/tenstorrent",
	}
	cache := deploycache.New(deploycache.Options{Runtime: rt, Registry: reg, Lifecycle: store, BridgeNetwork: bridge, Logger: log})
	board := boardinfo.New(boardinfo.Options{Runner: smiRunner{report: smi}, ResetGap: time.Millisecond, Logger: log})
	fl := newFakeLauncher(t, rt)
	lc, err := launcher.NewClient(fl.srv.URL, time.Minute)
	require.NoError(t, err)
	fleet := newModelFleet(t)

	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:            reg,
		Runtime:             rt,
		Cache:               cache,
		Launcher:            lc,
		Board:               board,
		Records:             store,
		Logger:              log,
		BridgeNetwork:       bridge,
		AllowedCapabilities: []string{"IPC_LOCK"},
		JWTSecret:           "e2e-secret",
		LookupAttempts:      3,
		LookupInterval:      5 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
	})
	proxy, err := inference.New(inference.Options{Deployments: cache, JWTSecret: "e2e-secret", Client: fleet.client(), Logger: log})
	require.NoError(t, err)

	prober := &agent.Prober{Client: fleet.client(), Token: proxy.Token(), Timeout: time.Second}
	src := agent.SourceFunc(func(ctx context.Context) (map[string]types.DeployRecordView, error) {
		if err := cache.EnsureFresh(ctx); err != nil {
			return nil, err
		}
		return cache.Views(true), nil
	})
	mon := agent.NewMonitor(agent.MonitorConfig{
		Discovery:      agent.NewDiscovery(src, prober, time.Minute),
		Prober:         prober,
		PriorityModels: []string{"meta-llama/Llama-3.2-1B-Instruct"},
		TypePriority:   []string{"CHAT"},
		MaxFailures:    3,
		Logger:         log,
	})
	mgr.SetNotifier(mon)
	ag := agent.NewAgent(agent.ChatConfig{Monitor: mon, Token: proxy.Token(), Client: fleet.client(), Logger: log})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	httpapi.SetBaseContext(ctx)
	go mgr.RunReconciler(ctx, 20*time.Millisecond)

	mux := httpapi.NewMux(httpapi.Deps{
		Registry:   reg,
		Supervisor: mgr,
		Cache:      cache,
		History:    store,
		Board:      board,
		Proxy:      proxy,
		Agent:      ag,
		Runtime:    rt,
		Events:     httpapi.EventOptions{PollInterval: 20 * time.Millisecond, Heartbeat: time.Minute},
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, rt: rt, store: store, cache: cache, mgr: mgr, monitor: mon, launcher: fl, fleet: fleet}
}

// addChat puts a running chat container for modelID on the bridge network.
func (s *stack) addChat(id, modelID, name string) {
	s.rt.Add(containers.ContainerView{ID: id, Name: name, Status: "running",
		Image: "ghcr.io/tenstorrent/tt-inference-server/vllm:dev", Env: []string{"CACHE_ROOT=/cache", "MODEL_ID=" + modelID},
		Networks: map[string][]string{bridge: {name}}})
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil { t.Fatalf("new req: %v", err) }
	resp, err := http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("do req: %v", err) }
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil { t.Fatalf("marshal: %v", err) }
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(b))
	if err != nil { t.Fatalf("new req: %v", err) }
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("do req: %v", err) }
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil { t.Fatalf("decode %T: %v: %s", v, err, b) }
	return v
}
