package ttctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ttstudio/internal/common/sse"
	"ttstudio/pkg/types"
)

// Client talks to a ttstudiod control plane.
type Client struct {
	BaseURL string
	// HTTP serves unary calls; streams use a copy without its Timeout.
	HTTP *http.Client
}

// NewClient returns a Client for base, e.g. "http://127.0.0.1:8000".
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{BaseURL: strings.TrimRight(base, "/"), HTTP: &http.Client{Timeout: timeout}}
}

// APIError is a non-2xx answer of the control plane.
type APIError struct {
	Status int
	Body   types.ErrorResponse
}

func (e *APIError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	s := fmt.Sprintf("server returned %d: %s", e.Status, msg)
	if e.Body.JobID != "" {
		s += " (job " + e.Body.JobID + ")"
	}
	return s
}

func (c *Client) url(path string, q url.Values) string {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, q url.Values, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, q), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	debug("%s %s", method, req.URL.String())
	return hc.Do(req)
}

// do runs a unary call and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	resp, err := c.send(ctx, c.HTTP, method, path, q, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(b, &e.Body); err != nil || e.Body.Error == "" {
		e.Body.Error = strings.TrimSpace(string(b))
	}
	return e
}

// stream opens an SSE endpoint and hands every data payload to fn.
func (c *Client) stream(ctx context.Context, path string, q url.Values, fn func([]byte) error) error {
	hc := *c.HTTP
	hc.Timeout = 0
	resp, err := c.send(ctx, &hc, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	sc := sse.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := sse.Data(sc.Bytes())
		if !ok {
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) Models(ctx context.Context) ([]types.ModelView, error) {
	var out []types.ModelView
	return out, c.do(ctx, http.MethodGet, "/models/", nil, nil, &out)
}

func (c *Client) Catalog(ctx context.Context) ([]types.CatalogEntry, error) {
	var out []types.CatalogEntry
	return out, c.do(ctx, http.MethodGet, "/catalog/", nil, nil, &out)
}

// Deployed returns the running deployments keyed by container id.
func (c *Client) Deployed(ctx context.Context) (map[string]types.DeployRecordView, error) {
	out := map[string]types.DeployRecordView{}
	return out, c.do(ctx, http.MethodGet, "/deployed/", nil, nil, &out)
}

// Deploy blocks until the control plane has started (or failed) the model.
func (c *Client) Deploy(ctx context.Context, modelID, weightsID string) (types.DeployResponse, error) {
	var out types.DeployResponse
	err := c.do(ctx, http.MethodPost, "/deploy/", nil, types.DeployRequest{ModelID: modelID, WeightsID: weightsID}, &out)
	return out, err
}

func (c *Client) Jobs(ctx context.Context) ([]types.ProgressResponse, error) {
	var out []types.ProgressResponse
	return out, c.do(ctx, http.MethodGet, "/deploy/jobs/", nil, nil, &out)
}

func (c *Client) Progress(ctx context.Context, jobID string) (types.ProgressResponse, error) {
	var out types.ProgressResponse
	return out, c.do(ctx, http.MethodGet, "/deploy/progress/"+url.PathEscape(jobID)+"/", nil, nil, &out)
}

// WatchProgress follows the progress stream of a job until it ends.
func (c *Client) WatchProgress(ctx context.Context, jobID string, fn func(types.ProgressResponse) error) error {
	return c.stream(ctx, "/deploy/progress/stream/"+url.PathEscape(jobID)+"/", nil, func(b []byte) error {
		var p types.ProgressResponse
		if err := json.Unmarshal(b, &p); err != nil {
			return fmt.Errorf("progress frame: %w", err)
		}
		return fn(p)
	})
}

// Stop stops a container. A failed stop still returns its report.
func (c *Client) Stop(ctx context.Context, containerID string) (types.StopResponse, error) {
	var out types.StopResponse
	resp, err := c.send(ctx, c.HTTP, http.MethodPost, "/stop/", nil, types.StopRequest{ContainerID: containerID})
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusInternalServerError {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(b, &out) == nil && out.Status != "" {
			return out, fmt.Errorf("stop failed: %s", out.StopResponse)
		}
		return out, &APIError{Status: resp.StatusCode, Body: types.ErrorResponse{Error: strings.TrimSpace(string(b))}}
	}
	if resp.StatusCode/100 != 2 {
		return out, decodeAPIError(resp)
	}
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

func (c *Client) History(ctx context.Context, limit int) (types.HistoryResponse, error) {
	var out types.HistoryResponse
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return out, c.do(ctx, http.MethodGet, "/deployment-history/", q, nil, &out)
}

func (c *Client) Board(ctx context.Context) (types.BoardInfo, error) {
	var out types.BoardInfo
	return out, c.do(ctx, http.MethodGet, "/board-info/", nil, nil, &out)
}

func (c *Client) Resources(ctx context.Context) (types.SystemResources, error) {
	var out types.SystemResources
	return out, c.do(ctx, http.MethodGet, "/system-resources/", nil, nil, &out)
}

// Health reports whether a deployment answers its health route.
func (c *Client) Health(ctx context.Context, deployID string) (types.HealthResponse, bool, error) {
	var out types.HealthResponse
	q := url.Values{"deploy_id": {deployID}}
	err := c.do(ctx, http.MethodGet, "/health/", q, nil, &out)
	var ae *APIError
	if err != nil && errors.As(err, &ae) && ae.Status == http.StatusServiceUnavailable {
		return types.HealthResponse{Message: "Unavailable"}, false, nil
	}
	return out, err == nil, err
}

// Logs follows a container's log stream.
func (c *Client) Logs(ctx context.Context, containerID, tail string, fn func(types.LogFrame) error) error {
	q := url.Values{}
	if tail != "" {
		q.Set("tail", tail)
	}
	return c.stream(ctx, "/logs/"+url.PathEscape(containerID)+"/", q, func(b []byte) error {
		var f types.LogFrame
		if err := json.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("log frame: %w", err)
		}
		return fn(f)
	})
}

// Events follows the container-event stream.
func (c *Client) Events(ctx context.Context, fn func(types.ContainerEvent) error) error {
	return c.stream(ctx, "/container-events/", nil, func(b []byte) error {
		var e types.ContainerEvent
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("event frame: %w", err)
		}
		return fn(e)
	})
}

func (c *Client) AgentStatus(ctx context.Context) (types.AgentStatus, error) {
	var out types.AgentStatus
	return out, c.do(ctx, http.MethodGet, "/agent/status/", nil, nil, &out)
}

func (c *Client) AgentRefresh(ctx context.Context) (types.AgentStatus, error) {
	var out types.AgentStatus
	return out, c.do(ctx, http.MethodPost, "/agent/refresh/", nil, nil, &out)
}
