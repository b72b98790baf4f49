package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/inference"
	"ttstudio/pkg/types"
)

// streamWriter returns the writer and flush func of a streaming response,
// teeing frames to the log at debug level.
func streamWriter(w http.ResponseWriter, r *http.Request) (io.Writer, func()) {
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	if requestLogLevel(r) < LevelDebug {
		return w, flush
	}
	l := zlog.With().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		l = l.Str("request_id", rid)
	}
	return io.MultiWriter(w, &frameLogger{log: l.Logger()}), flush
}

func streamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func (s *server) inference(w http.ResponseWriter, r *http.Request) {
	var req types.InferenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start := time.Now()
	ctx, cancel := streamContext(r)
	defer cancel()
	call, err := s.d.Proxy.Chat(ctx, req)
	if err != nil {
		writeError(w, err)
		logDone(r, "inference", statusOf(err), start, err)
		return
	}
	if requestLogLevel(r) >= LevelInfo {
		t := call.Target()
		zlog.Info().Str("deploy_id", t.DeployID).Str("model", t.Model).Bool("cloud", t.Cloud).Msg("inference start")
	}
	streamHeaders(w)
	out, flush := streamWriter(w, r)
	stats, err := call.Stream(ctx, out, flush)
	if ctx.Err() != nil {
		return
	}
	logDone(r, "inference", http.StatusOK, start, err)
	if err == nil && requestLogLevel(r) >= LevelDebug {
		zlog.Debug().Float64("ttft", stats.TTFT).Float64("tpot", stats.TPOT).Int("tokens", stats.TokensDecoded).Msg("inference stats")
	}
}

func (s *server) agent(w http.ResponseWriter, r *http.Request) {
	if s.d.Agent == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "agent disabled")
		return
	}
	var req types.AgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start := time.Now()
	ctx, cancel := streamContext(r)
	defer cancel()
	target, err := s.d.Agent.Target(ctx, req)
	if err != nil {
		writeError(w, err)
		logDone(r, "agent", statusOf(err), start, err)
		return
	}
	streamHeaders(w)
	out, flush := streamWriter(w, r)
	err = s.d.Agent.Chat(ctx, target, req, out, flush)
	if ctx.Err() != nil {
		return
	}
	logDone(r, "agent", http.StatusOK, start, err)
}

func (s *server) agentRefresh(w http.ResponseWriter, r *http.Request) {
	if s.d.Agent == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "agent disabled")
		return
	}
	if err := s.d.Agent.Refresh(r.Context()); err != nil {
		writeError(w, apierr.Upstream("agent refresh failed", err))
		return
	}
	writeJSON(w, http.StatusOK, s.d.Agent.Status())
}

func (s *server) agentStatus(w http.ResponseWriter, r *http.Request) {
	if s.d.Agent == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "agent disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.d.Agent.Status())
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	healthy, details, err := s.d.Proxy.Health(r.Context(), r.URL.Query().Get("deploy_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, types.HealthResponse{Message: "Unavailable", Details: details})
		return
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{Message: "Healthy", Details: details})
}

func (s *server) objectDetection(w http.ResponseWriter, r *http.Request) {
	s.upload(w, r, "image", s.d.Proxy.ObjectDetection)
}

func (s *server) speechRecognition(w http.ResponseWriter, r *http.Request) {
	s.upload(w, r, "file", s.d.Proxy.SpeechRecognition)
}

// upload forwards the multipart file in field to a task endpoint.
func (s *server) upload(w http.ResponseWriter, r *http.Request, field string, run func(ctx context.Context, deployID string, f inference.File) (inference.Result, error)) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, hdr, err := r.FormFile(field)
	if err != nil {
		writeError(w, apierr.Validation("multipart field "+field+" is required", nil))
		return
	}
	defer file.Close()
	start := time.Now()
	res, err := run(r.Context(), r.FormValue("deploy_id"), inference.File{Name: hdr.Filename, Content: file})
	if err != nil {
		writeError(w, err)
		logDone(r, field, statusOf(err), start, err)
		return
	}
	writeResult(w, res)
	logDone(r, field, res.StatusCode, start, nil)
}

func (s *server) imageGeneration(w http.ResponseWriter, r *http.Request) {
	var req types.ImageGenerationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start := time.Now()
	res, err := s.d.Proxy.ImageGeneration(r.Context(), req.DeployID, req.Prompt)
	if err != nil {
		writeError(w, err)
		logDone(r, "image-generation", statusOf(err), start, err)
		return
	}
	writeResult(w, res)
	logDone(r, "image-generation", res.StatusCode, start, nil)
}

func writeResult(w http.ResponseWriter, res inference.Result) {
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}
