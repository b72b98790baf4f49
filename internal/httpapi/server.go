package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ttstudio/internal/boardinfo"
	"ttstudio/internal/common/apierr"
	"ttstudio/internal/containers"
	"ttstudio/internal/inference"
	"ttstudio/internal/lifecycle"
	"ttstudio/internal/manager"
	"ttstudio/internal/registry"
	"ttstudio/internal/tracing"
	"ttstudio/pkg/types"
)

// Supervisor runs deployments and reports their progress.
type Supervisor interface {
	Deploy(ctx context.Context, modelID, weightsID string) (manager.DeployResult, error)
	Progress(ctx context.Context, jobID string) (types.ProgressResponse, error)
	WatchProgress(ctx context.Context, jobID string, emit func(types.ProgressResponse) error) error
	Stop(ctx context.Context, containerID string) (manager.StopResult, error)
	Jobs() []types.ProgressResponse
}

// DeployCache exposes the routable deployments.
type DeployCache interface {
	EnsureFresh(ctx context.Context) error
	Views(withSpec bool) map[string]types.DeployRecordView
}

// History is the read side of the lifecycle records.
type History interface {
	List(ctx context.Context, limit int) ([]lifecycle.Record, error)
	DiedSince(ctx context.Context, since time.Time) ([]lifecycle.Record, error)
	Ping(ctx context.Context) error
}

// Board reports the detected hardware.
type Board interface {
	BoardType(ctx context.Context) string
	Info(ctx context.Context) types.BoardInfo
	SystemResources(ctx context.Context) types.SystemResources
}

// Proxy forwards inference requests to model containers.
type Proxy interface {
	Chat(ctx context.Context, req types.InferenceRequest) (*inference.ChatCall, error)
	Health(ctx context.Context, deployID string) (bool, any, error)
	ObjectDetection(ctx context.Context, deployID string, f inference.File) (inference.Result, error)
	SpeechRecognition(ctx context.Context, deployID string, f inference.File) (inference.Result, error)
	ImageGeneration(ctx context.Context, deployID, prompt string) (inference.Result, error)
}

// Agent serves /agent/. It is optional.
type Agent interface {
	Target(ctx context.Context, req types.AgentRequest) (types.LlmInfo, error)
	Chat(ctx context.Context, target types.LlmInfo, req types.AgentRequest, w io.Writer, flush func()) error
	Refresh(ctx context.Context) error
	Status() types.AgentStatus
}

// EventOptions tunes the container-event stream.
type EventOptions struct {
	PollInterval time.Duration
	Heartbeat    time.Duration
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Registry   *registry.Registry
	Supervisor Supervisor
	Cache      DeployCache
	History    History
	Board      Board
	Proxy      Proxy
	Agent      Agent
	Runtime    containers.Runtime
	Events     EventOptions
}

// NewMux builds the router for the control-plane API.
func NewMux(d Deps) http.Handler {
	if d.Events.PollInterval <= 0 {
		d.Events.PollInterval = 5 * time.Second
	}
	if d.Events.Heartbeat <= 0 {
		d.Events.Heartbeat = 30 * time.Second
	}
	s := &server{d: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tracing.HTTPMiddleware("ttstudio", routePatternOrPath))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Log-Level", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Group(func(r chi.Router) {
		r.Use(inflight)

		r.Get("/models/", s.models)
		r.Get("/catalog/", s.catalog)

		r.Group(func(r chi.Router) {
			if rateRPS > 0 {
				r.Use(newLimiter(rateRPS, rateBurst).middleware)
			}
			r.Post("/deploy/", s.deploy)
			r.Post("/stop/", s.stop)
		})
		r.Get("/deploy/jobs/", s.jobs)
		r.Get("/deploy/progress/{job_id}/", s.progress)
		r.Get("/deploy/progress/stream/{job_id}/", s.progressStream)

		r.Get("/status/", s.status)
		r.Get("/deployed/", s.deployed)

		r.Post("/inference/", s.inference)
		r.Post("/agent/", s.agent)
		r.Post("/agent/refresh/", s.agentRefresh)
		r.Get("/agent/status/", s.agentStatus)
		r.Post("/object-detection/", s.objectDetection)
		r.Post("/image-generation/", s.imageGeneration)
		r.Post("/speech-recognition/", s.speechRecognition)
		r.Get("/health/", s.health)

		r.Get("/logs/{container_id}/", s.logs)
		r.Get("/container-events/", s.containerEvents)

		r.Get("/deployment-history/", s.history)
		r.Get("/board-info/", s.boardInfo)
		r.Get("/system-resources/", s.systemResources)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return MetricsMiddleware(r)
}

type server struct {
	d Deps
}

// decodeJSON reads a size-capped JSON body into v, answering 415 or 400 on
// failure. It reports whether the handler should continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// logDone logs the end of a request at info level when enabled for it.
func logDone(r *http.Request, op string, status int, start time.Time, err error) {
	lvl := requestLogLevel(r)
	if lvl < LevelInfo && !(lvl == LevelError && err != nil) {
		return
	}
	ev := zlog.Info()
	if err != nil {
		ev = zlog.Warn().Err(err)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Str("path", r.URL.Path).Int("status", status).Dur("dur", time.Since(start)).Msg(op + " end")
}

func (s *server) models(w http.ResponseWriter, r *http.Request) {
	board := boardinfo.Unknown
	if s.d.Board != nil {
		board = s.d.Board.BoardType(r.Context())
	}
	specs := s.d.Registry.All()
	out := make([]types.ModelView, 0, len(specs))
	for _, spec := range specs {
		v := types.ModelView{
			ID:               spec.ModelID,
			Name:             spec.ModelName,
			CompatibleBoards: spec.DeviceNames(),
			ModelType:        string(spec.ModelType),
			CurrentBoard:     board,
		}
		if board != boardinfo.Unknown {
			ok := spec.Supports(board)
			v.IsCompatible = &ok
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) catalog(w http.ResponseWriter, r *http.Request) {
	pulled := map[string]bool{}
	if s.d.Runtime != nil {
		images, err := s.d.Runtime.ListImages(r.Context())
		if err != nil {
			zlog.Warn().Err(err).Msg("list images failed")
		}
		for _, img := range images {
			for _, t := range img.Tags {
				pulled[t] = true
			}
		}
	}
	specs := s.d.Registry.All()
	out := make([]types.CatalogEntry, 0, len(specs))
	for _, spec := range specs {
		out = append(out, types.CatalogEntry{
			ID:           spec.ModelID,
			Name:         spec.ModelName,
			ImageVersion: spec.ImageVersion(),
			ImagePulled:  pulled[spec.ImageVersion()],
			ModelType:    string(spec.ModelType),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) deploy(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ModelID) == "" {
		writeError(w, apierr.Validation("model_id is required", s.d.Registry.IDs()))
		return
	}
	start := time.Now()
	// Launches can take hours; they outlive the client but not the server.
	ctx, cancel := detachedContext(r)
	defer cancel()
	res, err := s.d.Supervisor.Deploy(ctx, req.ModelID, req.WeightsID)
	if err != nil {
		writeError(w, err)
		logDone(r, "deploy", statusOf(err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DeployResponse{
		Status:        res.Status,
		ContainerName: res.ContainerName,
		ContainerID:   res.ContainerID,
		JobID:         res.JobID,
		Message:       res.Message,
		APIResponse:   res.APIResponse,
	})
	logDone(r, "deploy", http.StatusOK, start, nil)
}

func (s *server) jobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Supervisor.Jobs())
}

func (s *server) progress(w http.ResponseWriter, r *http.Request) {
	p, err := s.d.Supervisor.Progress(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) stop(w http.ResponseWriter, r *http.Request) {
	var req types.StopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start := time.Now()
	ctx, cancel := detachedContext(r)
	defer cancel()
	res, err := s.d.Supervisor.Stop(ctx, req.ContainerID)
	if err != nil {
		writeError(w, err)
		logDone(r, "stop", statusOf(err), start, err)
		return
	}
	status := http.StatusOK
	if res.Status != "success" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, types.StopResponse{
		Status:        res.Status,
		StopResponse:  res.StopResponse,
		ResetResponse: res.ResetResponse,
		ResetStatus:   res.ResetStatus,
	})
	logDone(r, "stop", status, start, nil)
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	s.cacheViews(w, r, false)
}

func (s *server) deployed(w http.ResponseWriter, r *http.Request) {
	s.cacheViews(w, r, true)
}

func (s *server) cacheViews(w http.ResponseWriter, r *http.Request, withSpec bool) {
	if err := s.d.Cache.EnsureFresh(r.Context()); err != nil {
		zlog.Warn().Err(err).Msg("deploy cache refresh failed")
	}
	writeJSON(w, http.StatusOK, s.d.Cache.Views(withSpec))
}

func (s *server) history(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.d.History.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := types.HistoryResponse{Status: "success", Deployments: make([]types.LifecycleRecordView, 0, len(recs))}
	for _, rec := range recs {
		out.Deployments = append(out.Deployments, rec.View())
	}
	out.Count = len(out.Deployments)
	writeJSON(w, http.StatusOK, out)
}

func (s *server) boardInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Board.Info(r.Context()))
}

func (s *server) systemResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Board.SystemResources(r.Context()))
}

func (s *server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var errs []error
	if s.d.History != nil {
		errs = append(errs, s.d.History.Ping(ctx))
	}
	if p, ok := s.d.Runtime.(interface{ Ping(context.Context) error }); ok {
		errs = append(errs, p.Ping(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func statusOf(err error) int {
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}
