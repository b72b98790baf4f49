package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttstudio/internal/common/apierr"
	"ttstudio/internal/registry"
)

var sdxl = registry.ModelSpec{
	ModelID:      "id_tt-metal-stable-diffusion-1.4-v0.0.1",
	ModelName:    "stable-diffusion-1.4",
	ModelType:    registry.ModelTypeImageGeneration,
	ServiceRoute: "/enqueue",
	StatusRoute:  "/status",
	ResultRoute:  "/fetch_image",
}

func TestImageGenerationPollsUntilCompleted(t *testing.T) {
	var polls atomic.Int32
	png := []byte("\x89PNG fake")
	mux := http.NewServeMux()
	mux.HandleFunc("/enqueue", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "a cat" || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"task_id":"t-1"}`)
	})
	mux.HandleFunc("/status/t-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			_, _ = io.WriteString(w, `{"status":"Pending"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"Completed"}`)
	})
	mux.HandleFunc("/fetch_image/t-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newProxy(t, deployment(srv, sdxl), nil)
	res, err := p.ImageGeneration(context.Background(), "c1", "a cat")
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, png, res.Body)
	assert.Equal(t, int32(3), polls.Load())
}

func TestImageGenerationFailedTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/enqueue", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, `{"task_id":"t-2"}`) })
	mux.HandleFunc("/status/t-2", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, `{"status":"Failed"}`) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newProxy(t, deployment(srv, sdxl), nil)
	_, err := p.ImageGeneration(context.Background(), "c1", "a cat")
	require.Error(t, err)
	assert.True(t, apierr.IsUpstream(err), "%v", err)

	_, err = p.ImageGeneration(context.Background(), "c1", " ")
	assert.True(t, apierr.IsValidation(err))
}

func TestObjectDetectionSendsMultipartImage(t *testing.T) {
	yolo := registry.ModelSpec{ModelID: "id_yolov4", ModelName: "YOLOv4", ModelType: registry.ModelTypeObjectDetection, ServiceRoute: "/objdetection_v2"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("image")
		if err != nil || r.URL.Path != "/objdetection_v2" {
			http.Error(w, "missing image", http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"name": hdr.Filename, "size": len(b)})
	}))
	defer srv.Close()

	p := newProxy(t, deployment(srv, yolo), nil)
	res, err := p.ObjectDetection(context.Background(), "c1", File{Name: "frame.jpg", Content: strings.NewReader("jpegdata")})
	require.NoError(t, err)
	assert.Equal(t, "application/json", res.ContentType)
	assert.JSONEq(t, `{"name":"frame.jpg","size":8}`, string(res.Body))
}

func TestSpeechUpstreamErrorIsBadGateway(t *testing.T) {
	whisper := registry.ModelSpec{ModelID: "id_whisper", ModelName: "whisper", ModelType: registry.ModelTypeSpeechRecognition, ServiceRoute: "/inference"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newProxy(t, deployment(srv, whisper), nil)
	_, err := p.SpeechRecognition(context.Background(), "c1", File{Content: strings.NewReader("wav")})
	var ae *apierr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadGateway, ae.StatusCode())
	assert.Equal(t, "model crashed", ae.Details)
}

func TestHealthProbe(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = io.WriteString(w, `{"ready":true}`)
	}))
	defer srv.Close()

	p := newProxy(t, deployment(srv, llama), nil)
	ok, details, err := p.Health(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"ready": true}, details)

	down.Store(true)
	ok, _, err = p.Health(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = p.Health(context.Background(), "missing")
	assert.True(t, apierr.IsValidation(err))
}
