package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"ttstudio/pkg/types"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil { t.Fatalf("listen: %v", err) }
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func moduleRoot(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok { t.Fatal("runtime.Caller failed") }
	// this file: <root>/cmd/ttstudiod/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildDaemon(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "ttstudiod")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/ttstudiod")
	cmd.Dir = moduleRoot(t)
	out, err := cmd.CombinedOutput()
	if err != nil { t.Fatalf("go build failed: %v\n%s", err, out) }
	return bin
}

type daemon struct {
	cmd  *exec.Cmd
	base string
}

// startDaemon runs the binary against a temp database, a missing device CLI
// and an unreachable launcher, then waits for /healthz.
func startDaemon(t *testing.T, bin string) *daemon {
	t.Helper()
	dir := t.TempDir()
	port := findFreePort(t)
	cfg := strings.Join([]string{
		fmt.Sprintf("addr: \"127.0.0.1:%d\"", port),
		"log_level: warn",
		"db_path: " + filepath.Join(dir, "deployments.sqlite"),
		"host_persistent_storage_volume: " + filepath.Join(dir, "host"),
		"internal_persistent_storage_volume: " + filepath.Join(dir, "internal"),
		"launcher:",
		"  url: http://127.0.0.1:1",
		"board:",
		"  tt_smi_path: " + filepath.Join(dir, "no-tt-smi"),
		"agent:",
		"  disabled: true",
	}, "\n") + "\n"
	cfgPath := filepath.Join(dir, "ttstudio.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil { t.Fatal(err) }

	cmd := exec.Command(bin, "-config", cfgPath)
	cmd.Env = append(os.Environ(), "JWT_SECRET=blackbox-secret")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil { t.Fatalf("start daemon: %v", err) }
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK { break }
		}
		if time.Now().After(deadline) { t.Fatalf("daemon did not become healthy in time") }
		time.Sleep(50 * time.Millisecond)
	}
	return &daemon{cmd: cmd, base: base}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil { t.Fatalf("new req: %v", err) }
	resp, err := http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("do: %v", err) }
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil { t.Fatalf("new req: %v", err) }
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("do: %v", err) }
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_BootWithoutHardware(t *testing.T) {
	if testing.Short() { t.Skip("builds and runs the daemon") }
	d := startDaemon(t, buildDaemon(t))

	resp, body := get(t, d.base+"/models/")
	if resp.StatusCode != http.StatusOK { t.Fatalf("/models/ %d %s", resp.StatusCode, body) }
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") { t.Fatalf("/models/ content-type=%s", ct) }
	var models []types.ModelView
	if err := json.Unmarshal(body, &models); err != nil { t.Fatalf("/models/ json: %v body=%s", err, body) }
	if len(models) == 0 { t.Fatal("expected the built-in catalog") }
	for _, m := range models {
		if m.IsCompatible != nil { t.Fatalf("%s: is_compatible should be null without a board, got %v", m.ID, *m.IsCompatible) }
	}

	resp, body = get(t, d.base+"/board-info/")
	if resp.StatusCode != http.StatusOK { t.Fatalf("/board-info/ %d %s", resp.StatusCode, body) }
	var board types.BoardInfo
	if err := json.Unmarshal(body, &board); err != nil { t.Fatalf("/board-info/ json: %v", err) }
	if board.Type != "unknown" { t.Fatalf("board type=%q", board.Type) }

	resp, body = get(t, d.base+"/deployment-history/")
	if resp.StatusCode != http.StatusOK { t.Fatalf("/deployment-history/ %d %s", resp.StatusCode, body) }
	var hist types.HistoryResponse
	if err := json.Unmarshal(body, &hist); err != nil { t.Fatalf("history json: %v", err) }
	if hist.Status != "success" || hist.Count != 0 { t.Fatalf("history: %+v", hist) }

	resp, body = get(t, d.base+"/agent/status/")
	if resp.StatusCode != http.StatusServiceUnavailable { t.Fatalf("/agent/status/ with agent disabled: %d %s", resp.StatusCode, body) }
}

func TestBlackbox_DeployUnknownModel_400(t *testing.T) {
	if testing.Short() { t.Skip("builds and runs the daemon") }
	d := startDaemon(t, buildDaemon(t))

	resp, body := postJSON(t, d.base+"/deploy/", []byte(`{"model_id":"id_missing"}`))
	if resp.StatusCode != http.StatusBadRequest { t.Fatalf("expected 400, got %d, body=%s", resp.StatusCode, body) }
	var e types.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil { t.Fatalf("error json: %v", err) }
	if !strings.Contains(e.Error, "id_missing") { t.Fatalf("error should name the model: %q", e.Error) }
}

func TestBlackbox_StopWithoutBody_415(t *testing.T) {
	if testing.Short() { t.Skip("builds and runs the daemon") }
	d := startDaemon(t, buildDaemon(t))

	req, _ := http.NewRequest(http.MethodPost, d.base+"/stop/", strings.NewReader("container_id=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil { t.Fatalf("do: %v", err) }
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType { t.Fatalf("expected 415, got %d", resp.StatusCode) }
}
