package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"ttstudio/internal/common/sse"
	"ttstudio/internal/registry"
	"ttstudio/pkg/types"
)

// Sentinel is written after the stats frame of every successful stream.
const Sentinel = "<<END_OF_STREAM>>"

const (
	defaultTemperature = 1.0
	defaultTopK        = 20
	defaultTopP        = 0.9
	defaultMaxTokens   = 512
)

var doneFrame = []byte("[DONE]")

// Stats is the trailing accounting frame of a chat stream.
type Stats struct {
	TTFT            float64 `json:"ttft"`
	TPOT            float64 `json:"tpot"`
	TokensDecoded   int     `json:"tokens_decoded"`
	TokensPrefilled int     `json:"tokens_prefilled"`
	ContextLength   int     `json:"context_length"`
}

// ChatCall is a validated chat request bound to its upstream.
type ChatCall struct {
	p      *Proxy
	target Target
	body   []byte
}

// Target returns the resolved upstream.
func (c *ChatCall) Target() Target { return c.target }

// Chat resolves the request's deployment and builds the forwarded body. Errors
// returned here happen before any byte reaches the client.
func (p *Proxy) Chat(ctx context.Context, req types.InferenceRequest) (*ChatCall, error) {
	id := ""
	if req.DeployID != nil {
		id = *req.DeployID
	}
	target, err := p.Resolve(ctx, id, registry.ModelTypeChat)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(chatBody(req, target.Model))
	if err != nil {
		return nil, fmt.Errorf("encode chat body: %w", err)
	}
	return &ChatCall{p: p, target: target, body: body}, nil
}

func chatBody(req types.InferenceRequest, model string) map[string]any {
	b := map[string]any{
		"model":       model,
		"stream":      true,
		"temperature": defaultTemperature,
		"top_k":       defaultTopK,
		"top_p":       defaultTopP,
		"max_tokens":  defaultMaxTokens,
		"stream_options": map[string]bool{
			"include_usage":          true,
			"continuous_usage_stats": true,
		},
	}
	if len(req.Messages) > 0 {
		b["messages"] = req.Messages
	}
	if req.Prompt != "" {
		b["prompt"] = req.Prompt
	}
	if req.Temperature != nil {
		b["temperature"] = *req.Temperature
	}
	if req.TopK != nil {
		b["top_k"] = *req.TopK
	}
	if req.TopP != nil {
		b["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		b["max_tokens"] = *req.MaxTokens
	}
	return b
}

// Stream opens the upstream POST and copies its events to w byte for byte,
// calling flush after each. A completed stream ends with the stats frame and
// Sentinel. Upstream failures are written as "error: <msg>". Nothing more is
// written once ctx is cancelled.
func (c *ChatCall) Stream(ctx context.Context, w io.Writer, flush func()) (Stats, error) {
	if flush == nil {
		flush = func() {}
	}
	kind := "local"
	if c.target.Cloud {
		kind = "cloud"
	}
	ctx, span := tracer.Start(ctx, "inference.chat")
	defer span.End()
	span.SetAttributes(attribute.String("deploy_id", c.target.DeployID), attribute.String("model", c.target.Model), attribute.Bool("cloud", c.target.Cloud))

	acct := newAccountant(c.p.opts.Now)
	stats, err := c.stream(ctx, w, flush, acct)
	switch {
	case err == nil:
		chatRequests.WithLabelValues(kind, "ok").Inc()
		observeStats(stats)
	case ctx.Err() != nil:
		chatRequests.WithLabelValues(kind, "cancelled").Inc()
		err = ctx.Err()
	default:
		chatRequests.WithLabelValues(kind, "error").Inc()
		span.RecordError(err)
		_, _ = io.WriteString(w, "error: "+err.Error())
		flush()
	}
	if err != nil {
		c.p.log.Debug().Err(err).Str("deploy_id", c.target.DeployID).Msg("chat stream ended")
	}
	return stats, err
}

func (c *ChatCall) stream(ctx context.Context, w io.Writer, flush func(), acct *accountant) (Stats, error) {
	req, err := newRequest(ctx, http.MethodPost, c.target.URL, c.target.Token, bytes.NewReader(c.body))
	if err != nil {
		return Stats{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.p.opts.Client.Do(req)
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Stats{}, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if !chunked(resp) {
		return Stats{}, errors.New("upstream response is not chunked")
	}
	sc := sse.NewScanner(resp.Body)
	for sc.Scan() {
		event := sc.Bytes()
		data, ok := sse.Data(event)
		if ok && bytes.Equal(bytes.TrimSpace(data), doneFrame) {
			if _, err := w.Write(event); err != nil {
				return Stats{}, err
			}
			stats := acct.stats()
			frame, _ := json.Marshal(stats)
			if _, err := w.Write(sse.Frame(frame)); err != nil {
				return Stats{}, err
			}
			if _, err := io.WriteString(w, Sentinel); err != nil {
				return Stats{}, err
			}
			flush()
			return stats, nil
		}
		if ok {
			acct.observe(data)
		}
		if _, err := w.Write(event); err != nil {
			return Stats{}, err
		}
		flush()
	}
	if err := sc.Err(); err != nil {
		return Stats{}, err
	}
	return Stats{}, io.ErrUnexpectedEOF
}

func chunked(resp *http.Response) bool {
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}

// accountant derives TTFT and TPOT from continuous usage stats.
type accountant struct {
	now      func() time.Time
	start    time.Time
	lap      time.Time
	ttft     float64
	tpot     float64
	n        int
	gaps     int
	prompt   int
	maxSeen  int
	sawFirst bool
}

func newAccountant(now func() time.Time) *accountant {
	return &accountant{now: now, start: now()}
}

type usageChunk struct {
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *accountant) observe(payload []byte) {
	var u usageChunk
	if err := json.Unmarshal(bytes.TrimSpace(payload), &u); err != nil || u.Usage == nil {
		return
	}
	got := u.Usage.CompletionTokens
	now := a.now()
	switch {
	case got >= 1 && !a.sawFirst:
		a.sawFirst = true
		a.ttft = now.Sub(a.start).Seconds()
		a.n = got
		a.prompt = u.Usage.PromptTokens
		a.lap = now
	case a.sawFirst && got > a.n:
		a.gaps++
		a.tpot += (now.Sub(a.lap).Seconds() - a.tpot) / float64(a.gaps)
		a.lap = now
		a.n = got
	}
	if got > a.maxSeen {
		a.maxSeen = got
	}
}

func (a *accountant) stats() Stats {
	return Stats{
		TTFT:            a.ttft,
		TPOT:            a.tpot,
		TokensDecoded:   a.maxSeen,
		TokensPrefilled: a.prompt,
		ContextLength:   a.prompt + a.maxSeen,
	}
}
