package ttctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ttstudio/pkg/types"
)

// fakeAPI answers the control-plane routes ttctl uses.
func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	compat := true
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /models/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, []types.ModelView{{ID: "id_llama", Name: "Llama-3.2-1B-Instruct", ModelType: "CHAT", IsCompatible: &compat, CompatibleBoards: []string{"N150", "N300"}, CurrentBoard: "N150"}})
	})
	mux.HandleFunc("GET /deployed/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]types.DeployRecordView{"abcdef0123456789": {ContainerID: "abcdef0123456789", ContainerName: "llama_p8001", Status: "running", ModelID: "id_llama", InternalURL: "llama_p8001:7000/v1/chat/completions"}})
	})
	mux.HandleFunc("POST /deploy/", func(w http.ResponseWriter, r *http.Request) {
		var req types.DeployRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ModelID != "id_llama" {
			writeJSON(w, 500, types.ErrorResponse{Error: "deployment failed", Code: 500, JobID: "job-9"})
			return
		}
		writeJSON(w, 200, types.DeployResponse{Status: "success", JobID: "job-1", ContainerID: "abcdef0123456789", ContainerName: "llama_p8001"})
	})
	mux.HandleFunc("GET /deploy/progress/stream/{job}/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range []types.ProgressResponse{
			{JobID: r.PathValue("job"), Status: "running", Stage: "container_setup", Progress: 40, Message: "starting"},
			{JobID: r.PathValue("job"), Status: "completed", Stage: "complete", Progress: 100, Message: "done"},
		} {
			b, _ := json.Marshal(p)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
	})
	mux.HandleFunc("GET /deploy/progress/{job}/", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("job") == "missing" {
			writeJSON(w, 404, types.ErrorResponse{Error: "job missing not found", Code: 404})
			return
		}
		writeJSON(w, 200, types.ProgressResponse{JobID: r.PathValue("job"), Status: "running", Stage: "model_loading", Progress: 70})
	})
	mux.HandleFunc("POST /stop/", func(w http.ResponseWriter, r *http.Request) {
		var req types.StopRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ContainerID == "bad" {
			writeJSON(w, 500, types.StopResponse{Status: "error", StopResponse: "container did not stop", ResetStatus: "skipped"})
			return
		}
		writeJSON(w, 200, types.StopResponse{Status: "success", StopResponse: "stopped", ResetStatus: "success"})
	})
	mux.HandleFunc("GET /deployment-history/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			writeJSON(w, 400, types.ErrorResponse{Error: "unexpected limit " + r.URL.Query().Get("limit"), Code: 400})
			return
		}
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		stopped := at.Add(90 * time.Minute)
		writeJSON(w, 200, types.HistoryResponse{Status: "success", Count: 1, Deployments: []types.LifecycleRecordView{{ContainerID: "abcdef0123456789", ModelName: "Llama-3.2-1B-Instruct", Device: "N150", DeployedAt: at, StoppedAt: &stopped, Status: "stopped", StoppedByUser: true}}})
	})
	mux.HandleFunc("GET /logs/{id}/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range []types.LogFrame{{Type: "log", Message: "loading weights"}, {Type: "metric", Message: "Avg prompt throughput: 10 tokens/s"}} {
			b, _ := json.Marshal(f)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
	})
	mux.HandleFunc("GET /health/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("deploy_id") == "down" {
			writeJSON(w, 503, types.HealthResponse{Message: "Unavailable"})
			return
		}
		writeJSON(w, 200, types.HealthResponse{Message: "Healthy"})
	})
	mux.HandleFunc("GET /agent/status/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, types.AgentStatus{Active: &types.LlmInfo{ContainerName: "llama_p8001", ModelName: "Llama-3.2-1B-Instruct", HealthStatus: "HEALTHY"}, Candidates: 1})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cfg := &Config{Server: srv.URL, Output: "table", LogLvl: "error", Timeout: 5 * time.Second}
	root := buildRootCmdWith(cfg, &out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestModelsTable(t *testing.T) {
	out, err := run(t, fakeAPI(t), "models")
	require.NoError(t, err)
	require.Contains(t, out, "id_llama")
	require.Contains(t, out, "N150,N300")
	require.Contains(t, strings.ToLower(out), "yes")
}

func TestModelsJSON(t *testing.T) {
	out, err := run(t, fakeAPI(t), "models", "-o", "json")
	require.NoError(t, err)
	var got []types.ModelView
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	require.Equal(t, "CHAT", got[0].ModelType)
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := run(t, fakeAPI(t), "models", "-o", "yaml")
	require.ErrorContains(t, err, "unknown output format")
}

func TestDeployedShortensIDs(t *testing.T) {
	out, err := run(t, fakeAPI(t), "ps")
	require.NoError(t, err)
	require.Contains(t, out, "abcdef012345")
	require.NotContains(t, out, "abcdef0123456789")
}

func TestDeployAndFollow(t *testing.T) {
	out, err := run(t, fakeAPI(t), "deploy", "id_llama", "--follow")
	require.NoError(t, err)
	require.Contains(t, out, "job-1")
	require.Contains(t, out, "[ 40%]")
	require.Contains(t, out, "[100%]")
}

func TestDeployFailureCarriesJobID(t *testing.T) {
	_, err := run(t, fakeAPI(t), "deploy", "id_other")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, 500, ae.Status)
	require.Equal(t, "job-9", ae.Body.JobID)
	require.Contains(t, err.Error(), "job-9")
}

func TestProgressNotFound(t *testing.T) {
	_, err := run(t, fakeAPI(t), "progress", "missing")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, 404, ae.Status)
	require.Contains(t, ae.Error(), "not found")
}

func TestStopReportsFailureBody(t *testing.T) {
	out, err := run(t, fakeAPI(t), "stop", "bad")
	require.ErrorContains(t, err, "container did not stop")
	require.Contains(t, out, "skipped")

	out, err = run(t, fakeAPI(t), "stop", "good")
	require.NoError(t, err)
	require.Contains(t, out, "success")
}

func TestHistoryLimit(t *testing.T) {
	out, err := run(t, fakeAPI(t), "history", "-n", "5")
	require.NoError(t, err)
	require.Contains(t, out, "Llama-3.2-1B-Instruct")
	require.Contains(t, out, "later")
}

func TestLogsPrefixesNonLogFrames(t *testing.T) {
	out, err := run(t, fakeAPI(t), "logs", "abc")
	require.NoError(t, err)
	require.Contains(t, out, "loading weights\n")
	require.Contains(t, out, "[metric] Avg prompt throughput")
}

func TestHealth(t *testing.T) {
	out, err := run(t, fakeAPI(t), "health", "up")
	require.NoError(t, err)
	require.Contains(t, out, "Healthy")

	out, err = run(t, fakeAPI(t), "health", "down")
	require.Error(t, err)
	require.Contains(t, out, "Unavailable")
}

func TestAgentStatus(t *testing.T) {
	out, err := run(t, fakeAPI(t), "agent", "status")
	require.NoError(t, err)
	require.Contains(t, out, "llama_p8001")
	require.Contains(t, out, "HEALTHY")
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TTCTL_TEST_STR", "")
	require.Equal(t, "def", envStr("TTCTL_TEST_STR", "def"))
	t.Setenv("TTCTL_TEST_STR", "val")
	require.Equal(t, "val", envStr("TTCTL_TEST_STR", "def"))
	t.Setenv("TTCTL_TEST_DUR", "bogus")
	require.Equal(t, time.Second, envDuration("TTCTL_TEST_DUR", time.Second))
	t.Setenv("TTCTL_TEST_DUR", "2m")
	require.Equal(t, 2*time.Minute, envDuration("TTCTL_TEST_DUR", time.Second))
}
