// Package launcher is the client of the external inference launcher, the
// service that actually starts per-model containers.
package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ttstudio/internal/common/apierr"
)

var tracer = otel.Tracer("ttstudio/launcher")

// RunRequest is the body of POST /run.
type RunRequest struct {
	Model                  string `json:"model"`
	Workflow               string `json:"workflow"`
	Device                 string `json:"device"`
	DockerServer           bool   `json:"docker_server"`
	DevMode                bool   `json:"dev_mode"`
	SkipSystemSWValidation bool   `json:"skip_system_sw_validation"`
}

// RunResponse is the launcher's reply to POST /run. Raw keeps the full body.
type RunResponse struct {
	Status            string          `json:"status"`
	JobID             string          `json:"job_id"`
	ContainerName     string          `json:"container_name"`
	ContainerID       string          `json:"container_id"`
	DockerLogFilePath string          `json:"docker_log_file_path"`
	Message           string          `json:"message"`
	Raw               json.RawMessage `json:"-"`
}

// Progress is returned by GET /run/progress/{job_id}.
type Progress struct {
	Status      string   `json:"status"`
	Stage       string   `json:"stage"`
	Progress    int      `json:"progress"`
	Message     string   `json:"message"`
	LastUpdated FlexTime `json:"last_updated"`
}

// LogEntry is one entry of GET /run/logs/{job_id}.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// APIError is a non-2xx launcher response.
type APIError struct {
	StatusCode int
	Body       []byte
	// JobID is extracted from the body when present.
	JobID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("launcher error %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// FlexTime decodes epoch seconds or RFC3339 strings.
type FlexTime struct{ time.Time }

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		t.Time = time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

// Client talks to the launcher over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	runTimeout time.Duration
}

// NewClient parses baseURL. runTimeout bounds POST /run; other calls use
// a 30 second timeout.
func NewClient(baseURL string, runTimeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid launcher URL: %w", err)
	}
	if runTimeout <= 0 {
		runTimeout = 5 * time.Hour
	}
	return &Client{baseURL: u, httpClient: &http.Client{}, runTimeout: runTimeout}, nil
}

// Run starts a deployment workflow and blocks until the launcher answers.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.runTimeout)
	defer cancel()
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/run", nil, req, &raw); err != nil {
		return RunResponse{}, err
	}
	var out RunResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return RunResponse{}, apierr.Internal("decode launcher response", err)
	}
	out.Raw = raw
	return out, nil
}

// Progress fetches the launcher's progress for jobID.
func (c *Client) Progress(ctx context.Context, jobID string) (Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var out Progress
	err := c.do(ctx, http.MethodGet, "/run/progress/"+url.PathEscape(jobID), nil, nil, &out)
	return out, err
}

// Logs fetches up to limit recent log entries for jobID.
func (c *Client) Logs(ctx context.Context, jobID string, limit int) ([]LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Logs []LogEntry `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, "/run/logs/"+url.PathEscape(jobID), q, nil, &out)
	return out.Logs, err
}

// Stream opens the launcher's SSE progress stream for jobID. The caller
// closes the body.
func (c *Client) Stream(ctx context.Context, jobID string) (io.ReadCloser, error) {
	u := c.endpoint("/run/stream/"+url.PathEscape(jobID), nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Upstream("launcher stream", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp.Body, nil
}

// endpoint appends path to the base URL's own path, so a launcher mounted
// under a prefix keeps it.
func (c *Client) endpoint(path string, query url.Values) *url.URL {
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()
	return u
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, span := tracer.Start(ctx, "launcher "+method+" "+routeOf(path))
	defer span.End()

	u := c.endpoint(path, query)
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		if ctx.Err() == context.DeadlineExceeded {
			return apierr.Timeout("launcher "+path, err)
		}
		return apierr.Upstream("launcher unreachable", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return newAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.Internal("decode launcher response", err)
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	e := &APIError{StatusCode: resp.StatusCode, Body: b}
	var probe struct {
		JobID  string `json:"job_id"`
		Detail struct {
			JobID string `json:"job_id"`
		} `json:"detail"`
	}
	if json.Unmarshal(b, &probe) == nil {
		e.JobID = probe.JobID
		if e.JobID == "" {
			e.JobID = probe.Detail.JobID
		}
	}
	return e
}

// routeOf drops the job id so span names stay low-cardinality.
func routeOf(path string) string {
	for _, p := range []string{"/run/progress/", "/run/logs/", "/run/stream/"} {
		if strings.HasPrefix(path, p) {
			return p + "{job_id}"
		}
	}
	return path
}
