package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/common/sse"
	"ttstudio/pkg/types"
)

const threadTTL = 30 * time.Minute

// ChatConfig configures an Agent.
type ChatConfig struct {
	Monitor *Monitor
	// Token authenticates against model containers.
	Token string
	// Client must not set a Timeout; replies stream.
	Client    *http.Client
	MaxTokens int
	Logger    zerolog.Logger
}

// Agent answers /agent/ requests with the monitor's active LLM, keeping a short
// per-thread history.
type Agent struct {
	cfg     ChatConfig
	log     zerolog.Logger
	threads *gocache.Cache
	mu      sync.Mutex
}

// NewAgent returns an Agent whose thread memory expires after 30 minutes idle.
func NewAgent(cfg ChatConfig) *Agent {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &Agent{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "agent").Logger(),
		threads: gocache.New(threadTTL, 5*time.Minute),
	}
}

// Refresh forces discovery and reselection.
func (a *Agent) Refresh(ctx context.Context) error { return a.cfg.Monitor.Refresh(ctx) }

// Status reports the monitor state.
func (a *Agent) Status() types.AgentStatus { return a.cfg.Monitor.Status() }

// Target picks the LLM for req: the named deployment when it is a known
// candidate, else the active handle.
func (a *Agent) Target(ctx context.Context, req types.AgentRequest) (types.LlmInfo, error) {
	if len(req.Messages) == 0 {
		return types.LlmInfo{}, apierr.Validation("messages are required", nil)
	}
	if req.DeployID != "" {
		cands, err := a.cfg.Monitor.cfg.Discovery.Candidates(ctx, false)
		if err == nil {
			for _, c := range cands {
				if c.DeployID == req.DeployID {
					return c, nil
				}
			}
		}
	}
	if info, ok := a.cfg.Monitor.Active(); ok {
		return info, nil
	}
	if err := a.cfg.Monitor.Refresh(ctx); err != nil {
		return types.LlmInfo{}, apierr.Upstream("agent discovery failed", err)
	}
	if info, ok := a.cfg.Monitor.Active(); ok {
		return info, nil
	}
	return types.LlmInfo{}, apierr.Upstream("no healthy LLM deployment available", nil)
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

// Chat streams the reply of target to w as chat.completion.chunk frames ending
// in "data: [DONE]". The thread history is extended with the new messages and
// the full reply.
func (a *Agent) Chat(ctx context.Context, target types.LlmInfo, req types.AgentRequest, w io.Writer, flush func()) error {
	if flush == nil {
		flush = func() {}
	}
	history := a.history(req.ThreadID)
	msgs := append(append([]types.ChatMessage{}, history...), req.Messages...)
	body, _ := json.Marshal(map[string]any{
		"model":      target.ModelName,
		"messages":   msgs,
		"stream":     true,
		"max_tokens": a.cfg.MaxTokens,
	})
	url := target.InternalURL
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	resp, err := a.cfg.Client.Do(hreq)
	if err != nil {
		return a.fail(w, flush, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return a.fail(w, flush, fmt.Errorf("upstream returned %d", resp.StatusCode))
	}

	id := "chatcmpl-" + uuid.NewString()
	var reply strings.Builder
	sc := sse.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := sse.Data(sc.Bytes())
		if !ok {
			continue
		}
		if string(data) == "[DONE]" {
			break
		}
		var up chunk
		if err := json.Unmarshal(data, &up); err != nil || len(up.Choices) == 0 {
			continue
		}
		text := up.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		reply.WriteString(text)
		out := chunk{ID: id, Object: "chat.completion.chunk", Choices: []chunkChoice{{}}}
		out.Choices[0].Delta.Content = text
		b, _ := json.Marshal(out)
		if _, err := w.Write(sse.Frame(b)); err != nil {
			return err
		}
		flush()
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return a.fail(w, flush, err)
	}
	if _, err := w.Write(sse.Frame([]byte("[DONE]"))); err != nil {
		return err
	}
	flush()
	a.remember(req.ThreadID, append(msgs, types.ChatMessage{Role: "assistant", Content: reply.String()}))
	return nil
}

// fail writes the raw "error: <msg>" chunk the inference proxy uses.
func (a *Agent) fail(w io.Writer, flush func(), err error) error {
	_, _ = io.WriteString(w, "error: "+err.Error())
	flush()
	a.log.Warn().Err(err).Msg("agent upstream failed")
	return err
}

// history returns the remembered messages of a thread.
func (a *Agent) history(thread string) []types.ChatMessage {
	if thread == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.threads.Get(thread); ok {
		return v.([]types.ChatMessage)
	}
	return nil
}

func (a *Agent) remember(thread string, msgs []types.ChatMessage) {
	if thread == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threads.SetDefault(thread, msgs)
}
