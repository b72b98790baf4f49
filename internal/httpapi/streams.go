package httpapi

import (
	"bufio"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ttstudio/internal/common/sse"
	"ttstudio/pkg/types"
)

func (s *server) progressStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	ctx, cancel := streamContext(r)
	defer cancel()
	// Unknown jobs answer with a plain error before the stream opens.
	if _, err := s.d.Supervisor.Progress(ctx, jobID); err != nil {
		writeError(w, err)
		return
	}
	sw := sse.NewWriter(w)
	sseClients.WithLabelValues("progress").Inc()
	defer sseClients.WithLabelValues("progress").Dec()
	err := s.d.Supervisor.WatchProgress(ctx, jobID, func(p types.ProgressResponse) error {
		return sw.JSON(p)
	})
	if err != nil && ctx.Err() == nil {
		zlog.Debug().Err(err).Str("job_id", jobID).Msg("progress stream ended")
		_ = sw.JSON(types.ProgressResponse{JobID: jobID, Status: "error", Message: err.Error(), LastUpdated: time.Now()})
	}
}

// Log line classes of the /logs/ stream.
const (
	logLine   = "log"
	logEvent  = "event"
	logMetric = "metric"
)

var (
	metricMarkers = []string{"Avg prompt throughput", "Avg generation throughput", "tokens/s", "GPU KV cache usage", "Running:", "Pending:"}
	eventMarkers  = []string{"TT_PROGRESS", "Started server process", "Waiting for application startup", "Application startup complete", "Uvicorn running", "Shutting down", "Finished server process", "ERROR", "Traceback"}
)

// classifyLogLine tags a container log line: inference-server throughput
// reports are metrics, lifecycle markers and errors are events.
func classifyLogLine(line string) string {
	for _, m := range metricMarkers {
		if strings.Contains(line, m) {
			return logMetric
		}
	}
	for _, m := range eventMarkers {
		if strings.Contains(line, m) {
			return logEvent
		}
	}
	return logLine
}

func (s *server) logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "container_id")
	ctx, cancel := streamContext(r)
	defer cancel()
	if _, err := s.d.Runtime.GetContainer(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	tail := r.URL.Query().Get("tail")
	if tail == "" {
		tail = "100"
	}
	rc, err := s.d.Runtime.StreamLogs(ctx, id, true, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	sw := sse.NewWriter(w)
	sseClients.WithLabelValues("logs").Inc()
	defer sseClients.WithLabelValues("logs").Dec()
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := sw.JSON(types.LogFrame{Type: classifyLogLine(line), Message: line, Timestamp: time.Now().UTC()}); err != nil {
			return
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		zlog.Debug().Err(err).Str("container", id).Msg("log stream ended")
	}
}

func (s *server) containerEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := streamContext(r)
	defer cancel()
	sw := sse.NewWriter(w)
	sseClients.WithLabelValues("container_events").Inc()
	defer sseClients.WithLabelValues("container_events").Dec()

	now := time.Now().UTC()
	if err := sw.JSON(types.ContainerEvent{Event: "connected", Message: "watching for container deaths", Timestamp: &now}); err != nil {
		return
	}
	watermark := now
	poll := time.NewTicker(s.d.Events.PollInterval)
	defer poll.Stop()
	beat := time.NewTicker(s.d.Events.Heartbeat)
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			ts := time.Now().UTC()
			if err := sw.JSON(types.ContainerEvent{Event: "heartbeat", Timestamp: &ts}); err != nil {
				return
			}
		case <-poll.C:
			died, err := s.d.History.DiedSince(ctx, watermark)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				zlog.Warn().Err(err).Msg("container event poll failed")
				_ = sw.JSON(types.ContainerEvent{Event: "error", Message: err.Error()})
				return
			}
			for _, rec := range died {
				ev := types.ContainerEvent{
					Event:         "container_died",
					ContainerID:   rec.ContainerID,
					ContainerName: rec.ContainerName,
					ModelName:     rec.ModelName,
					Device:        rec.Device,
					Status:        string(rec.Status),
					StoppedAt:     rec.StoppedAt,
				}
				if err := sw.JSON(ev); err != nil {
					return
				}
				if rec.StoppedAt != nil && rec.StoppedAt.After(watermark) {
					watermark = *rec.StoppedAt
				}
			}
		}
	}
}
