package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ttstudio/internal/common/apierr"
)

func TestRunSendsRequestAndKeepsRaw(t *testing.T) {
	var got RunRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/run" { t.Fatalf("unexpected %s %s", r.Method, r.URL.Path) }
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":"success","job_id":"J1","container_name":"tt-abc","container_id":"cid","extra":1}`))
	}))
	defer srv.Close()
	c, err := NewClient(srv.URL, time.Minute)
	if err != nil { t.Fatalf("client: %v", err) }
	resp, err := c.Run(context.Background(), RunRequest{Model: "Llama-3.2-1B-Instruct", Workflow: "server", Device: "n150", DockerServer: true})
	if err != nil { t.Fatalf("run: %v", err) }
	if resp.JobID != "J1" || resp.ContainerID != "cid" || resp.ContainerName != "tt-abc" { t.Fatalf("resp=%+v", resp) }
	if !json.Valid(resp.Raw) || len(resp.Raw) == 0 { t.Fatalf("raw not kept") }
	if got.Model != "Llama-3.2-1B-Instruct" || !got.DockerServer || got.DevMode { t.Fatalf("request=%+v", got) }
}

func TestNon2xxSurfacesJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":{"message":"boom","job_id":"J9"}}`))
	}))
	defer srv.Close()
	c, _ := NewClient(srv.URL, time.Minute)
	_, err := c.Run(context.Background(), RunRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) { t.Fatalf("want APIError, got %v", err) }
	if apiErr.StatusCode != 500 || apiErr.JobID != "J9" { t.Fatalf("apiErr=%+v", apiErr) }
}

func TestUnreachableIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, _ := NewClient(url, time.Minute)
	if _, err := c.Progress(context.Background(), "J"); !apierr.IsUpstream(err) { t.Fatalf("want upstream, got %v", err) }
}

func TestProgressAndLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/run/progress/J1":
			_, _ = w.Write([]byte(`{"status":"running","stage":"setup","progress":30,"message":"m","last_updated":1767268800.5}`))
		case "/run/logs/J1":
			if r.URL.Query().Get("limit") != "50" { t.Fatalf("limit=%s", r.URL.Query().Get("limit")) }
			_, _ = w.Write([]byte(`{"logs":[{"timestamp":"t","level":"INFO","message":"hello\nTT_PROGRESS stage=weights pct=40 msg=downloading"}]}`))
		case "/run/stream/J1":
			_, _ = w.Write([]byte("data: {}\n\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c, _ := NewClient(srv.URL, 0)
	p, err := c.Progress(context.Background(), "J1")
	if err != nil { t.Fatalf("progress: %v", err) }
	if p.Progress != 30 || p.LastUpdated.Unix() != 1767268800 { t.Fatalf("progress=%+v", p) }
	logs, err := c.Logs(context.Background(), "J1", 50)
	if err != nil || len(logs) != 1 { t.Fatalf("logs=%v err=%v", logs, err) }
	sig := ParseProgressLogs(logs)
	if len(sig) != 1 || sig[0].Stage != "weights" || sig[0].Pct != 40 { t.Fatalf("signals=%+v", sig) }
	rc, err := c.Stream(context.Background(), "J1")
	if err != nil { t.Fatalf("stream: %v", err) }
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "data: {}\n\n" { t.Fatalf("stream body=%q", b) }
	if _, err := c.Stream(context.Background(), "nope"); err == nil { t.Fatalf("expected stream error") }
}

func TestParseProgressLine(t *testing.T) {
	s, ok := ParseProgressLine("2025-01-01 INFO TT_PROGRESS stage=complete pct=150 msg=Server ready \r\n")
	if !ok || s.Stage != "complete" || s.Pct != 99 || s.Message != "Server ready" { t.Fatalf("signal=%+v ok=%v", s, ok) }
	if _, ok := ParseProgressLine("TT_PROGRESS stage=x pct=abc msg=y"); ok { t.Fatalf("bad pct accepted") }
	if _, ok := ParseProgressLine("plain log line"); ok { t.Fatalf("plain line accepted") }
}

func TestFlexTime(t *testing.T) {
	var v struct{ T FlexTime `json:"t"` }
	for _, in := range []string{`{"t":"2026-01-01T00:00:00Z"}`, `{"t":1767225600}`, `{"t":"2026-01-01 00:00:00"}`} {
		if err := json.Unmarshal([]byte(in), &v); err != nil || v.T.Year() != 2026 { t.Fatalf("%s: %v %v", in, v.T, err) }
	}
	if err := json.Unmarshal([]byte(`{"t":"yesterday"}`), &v); err == nil { t.Fatalf("expected error") }
}

func TestBasePathPrefixKept(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/launcher/run":
			_, _ = w.Write([]byte(`{"status":"success","job_id":"J1"}`))
		case "/launcher/run/progress/J1":
			_, _ = w.Write([]byte(`{"status":"running"}`))
		case "/launcher/run/stream/J1":
			_, _ = w.Write([]byte("data: {}\n\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	for _, base := range []string{srv.URL + "/launcher", srv.URL + "/launcher/"} {
		c, err := NewClient(base, time.Minute)
		if err != nil { t.Fatalf("client: %v", err) }
		if _, err := c.Run(context.Background(), RunRequest{}); err != nil { t.Fatalf("run via %s: %v (paths %v)", base, err, paths) }
		if _, err := c.Progress(context.Background(), "J1"); err != nil { t.Fatalf("progress via %s: %v", base, err) }
		rc, err := c.Stream(context.Background(), "J1")
		if err != nil { t.Fatalf("stream via %s: %v", base, err) }
		_ = rc.Close()
	}
}
