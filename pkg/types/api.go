package types

import (
	"encoding/json"
	"time"
)

// DeployRequest is the body of POST /deploy/.
type DeployRequest struct {
	// Registry model id to deploy.
	// example: id_tt-metal-Llama-3.2-1B-Instruct-v0.0.1
	ModelID string `json:"model_id" example:"id_tt-metal-Llama-3.2-1B-Instruct-v0.0.1"`
	// Optional fine-tuned weights id.
	WeightsID string `json:"weights_id,omitempty"`
}

// DeployResponse is returned by POST /deploy/.
type DeployResponse struct {
	// example: success
	Status        string          `json:"status" example:"success"`
	ContainerName string          `json:"container_name"`
	ContainerID   string          `json:"container_id,omitempty"`
	JobID         string          `json:"job_id"`
	Message       string          `json:"message,omitempty"`
	APIResponse   json.RawMessage `json:"api_response,omitempty"`
}

// ProgressResponse is returned by GET /deploy/progress/{job_id}/ and streamed by its SSE twin.
type ProgressResponse struct {
	JobID           string    `json:"job_id"`
	Status          string    `json:"status"`
	Stage           string    `json:"stage"`
	Progress        int       `json:"progress"`
	Message         string    `json:"message"`
	LastUpdated     time.Time `json:"last_updated"`
	ContainerStatus string    `json:"container_status,omitempty"`
	ContainerName   string    `json:"container_name,omitempty"`
	ContainerID     string    `json:"container_id,omitempty"`
}

// StopRequest is the body of POST /stop/.
type StopRequest struct {
	ContainerID string `json:"container_id"`
}

// StopResponse is returned by POST /stop/.
type StopResponse struct {
	Status        string `json:"status"`
	StopResponse  string `json:"stop_response"`
	ResetResponse string `json:"reset_response,omitempty"`
	ResetStatus   string `json:"reset_status"`
}

// ChatMessage is an OpenAI-style chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferenceRequest is the body of POST /inference/. A null or missing deploy_id
// routes to the configured cloud endpoint.
type InferenceRequest struct {
	DeployID    *string       `json:"deploy_id"`
	Messages    []ChatMessage `json:"messages,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// AgentRequest is the body of POST /agent/.
type AgentRequest struct {
	DeployID string        `json:"deploy_id,omitempty"`
	Messages []ChatMessage `json:"messages"`
	ThreadID string        `json:"thread_id"`
}

// AgentStatus is returned by GET /agent/status/.
type AgentStatus struct {
	Active              *LlmInfo `json:"active"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	Candidates          int      `json:"candidates"`
}

// ImageGenerationRequest is the body of POST /image-generation/.
type ImageGenerationRequest struct {
	DeployID string `json:"deploy_id,omitempty"`
	Prompt   string `json:"prompt"`
}

// HealthResponse is returned by GET /health/.
type HealthResponse struct {
	// example: Healthy
	Message string `json:"message" example:"Healthy"`
	Details any    `json:"details,omitempty"`
}

// LogFrame is one SSE frame of GET /logs/{container_id}/.
type LogFrame struct {
	// log | event | metric
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ContainerEvent is one SSE frame of GET /container-events/.
type ContainerEvent struct {
	// connected | heartbeat | container_died | error
	Event         string     `json:"event"`
	Message       string     `json:"message,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	ContainerID   string     `json:"container_id,omitempty"`
	ContainerName string     `json:"container_name,omitempty"`
	ModelName     string     `json:"model_name,omitempty"`
	Device        string     `json:"device,omitempty"`
	Status        string     `json:"status,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
}

// HistoryResponse is returned by GET /deployment-history/.
type HistoryResponse struct {
	Status      string                `json:"status"`
	Deployments []LifecycleRecordView `json:"deployments"`
	Count       int                   `json:"count"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code        int    `json:"code" example:"400"`
	Details     any    `json:"details,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
}
