package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/registry"
)

const maxResultBytes = 64 << 20

// Result is an upstream response returned to the client verbatim.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// File is an uploaded payload forwarded as a multipart part.
type File struct {
	Name    string
	Content io.Reader
}

// ObjectDetection posts an image as the multipart field "image".
func (p *Proxy) ObjectDetection(ctx context.Context, deployID string, f File) (Result, error) {
	return p.multipart(ctx, "object_detection", deployID, registry.ModelTypeObjectDetection, "image", f)
}

// SpeechRecognition posts audio as the multipart field "file".
func (p *Proxy) SpeechRecognition(ctx context.Context, deployID string, f File) (Result, error) {
	return p.multipart(ctx, "speech_recognition", deployID, registry.ModelTypeSpeechRecognition, "file", f)
}

func (p *Proxy) multipart(ctx context.Context, op, deployID string, kind registry.ModelType, field string, f File) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "inference."+op)
	defer span.End()
	defer func() { countTask(op, err) }()

	target, err := p.Resolve(ctx, deployID, kind)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("deploy_id", target.DeployID))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := f.Name
	if name == "" {
		name = field
	}
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(part, f.Content); err != nil {
		return Result{}, fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}
	req, err := newRequest(ctx, http.MethodPost, target.URL, target.Token, &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return p.do(req)
}

// ImageGeneration submits a prompt. When the deployment exposes a status
// route the returned task id is polled every PollInterval until Completed and
// the result route's bytes are returned with their content type.
func (p *Proxy) ImageGeneration(ctx context.Context, deployID, prompt string) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "inference.image_generation")
	defer span.End()
	defer func() { countTask("image_generation", err) }()

	if strings.TrimSpace(prompt) == "" {
		return Result{}, apierr.Validation("prompt is required", nil)
	}
	target, err := p.Resolve(ctx, deployID, registry.ModelTypeImageGeneration)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("deploy_id", target.DeployID))
	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	req, err := newRequest(ctx, http.MethodPost, target.URL, target.Token, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	submitted, err := p.do(req)
	if err != nil {
		return Result{}, err
	}
	if target.Spec.StatusRoute == "" || target.Spec.ResultRoute == "" {
		return submitted, nil
	}
	var task struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(submitted.Body, &task); err != nil || task.TaskID == "" {
		return Result{}, apierr.Upstream("image generation returned no task id", err)
	}
	span.SetAttributes(attribute.String("task_id", task.TaskID))
	if err := p.awaitTask(ctx, target, task.TaskID); err != nil {
		return Result{}, err
	}
	req, err = newRequest(ctx, http.MethodGet, joinURL(target.Base, target.Spec.ResultRoute, task.TaskID), target.Token, nil)
	if err != nil {
		return Result{}, err
	}
	return p.do(req)
}

// awaitTask polls the status route until the task reports Completed.
func (p *Proxy) awaitTask(ctx context.Context, target Target, taskID string) error {
	url := joinURL(target.Base, target.Spec.StatusRoute, taskID)
	op := func() (string, error) {
		req, err := newRequest(ctx, http.MethodGet, url, target.Token, nil)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		res, err := p.do(req)
		if err != nil {
			return "", err
		}
		var st struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(res.Body, &st); err != nil {
			return "", backoff.Permanent(apierr.Upstream("task status is not JSON", err))
		}
		switch strings.ToLower(st.Status) {
		case "completed":
			return st.Status, nil
		case "failed", "error":
			return "", backoff.Permanent(apierr.Upstream("task "+taskID+" failed", nil))
		}
		return "", fmt.Errorf("task %s is %s", taskID, st.Status)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.opts.PollInterval)),
		backoff.WithMaxElapsedTime(p.opts.PollTimeout))
	if err != nil && ctx.Err() == nil && !apierr.IsUpstream(err) {
		return apierr.Timeout("task "+taskID+" did not complete", err)
	}
	return err
}

// do sends req and buffers the response. Non-2xx answers become Upstream
// errors carrying the upstream status.
func (p *Proxy) do(req *http.Request) (Result, error) {
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return Result{}, apierr.Upstream("upstream unreachable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return Result{}, apierr.Upstream("read upstream response", err)
	}
	res := Result{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: body}
	if resp.StatusCode/100 != 2 {
		e := apierr.Upstream(fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
		e.Details = strings.TrimSpace(string(body))
		e.Status = http.StatusBadGateway
		return res, e
	}
	return res, nil
}

func joinURL(base, route, id string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Trim(route, "/") + "/" + id
}

// Health probes the deployment's health route. healthy is true only for 200.
func (p *Proxy) Health(ctx context.Context, deployID string) (healthy bool, details any, err error) {
	if p.opts.Deployments == nil {
		return false, nil, apierr.Validation("no deployments available", []string{})
	}
	_ = p.opts.Deployments.EnsureFresh(ctx)
	rec, ok := p.opts.Deployments.Get(deployID)
	if !ok {
		return false, nil, &apierr.Error{Kind: apierr.KindValidation, Msg: fmt.Sprintf("deploy_id %q not found", deployID),
			Details: p.opts.Deployments.IDs(), ContainerID: deployID}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := newRequest(ctx, http.MethodGet, "http://"+rec.HealthURL, p.token, nil)
	if err != nil {
		return false, nil, err
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return false, err.Error(), nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed any
	if json.Unmarshal(raw, &parsed) != nil {
		parsed = strings.TrimSpace(string(raw))
	}
	return resp.StatusCode == http.StatusOK, parsed, nil
}
