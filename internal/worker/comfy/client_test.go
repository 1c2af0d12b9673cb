package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "upscaler/internal/pkg/errors"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/pkg/retry"
)

func newTestLogger() *logger.Logger {
	var buf bytes.Buffer
	return logger.New(logger.Config{Level: "debug", Format: "json", Output: &buf})
}

// flakyTransport fails the first failures round trips, then answers 200.
type flakyTransport struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := f.calls.Add(1)
	if f.failures < 0 || n <= f.failures {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

type rawGraph string

func (g rawGraph) MarshalJSON() ([]byte, error) { return []byte(g), nil }

func TestWaitReadySucceedsOnFifthAttempt(t *testing.T) {
	tr := &flakyTransport{failures: 4}
	c := New(Config{BaseURL: "http://comfy.invalid:8188", HTTPClient: &http.Client{Transport: tr}}, newTestLogger())

	attempts, err := c.WaitReady(context.Background(), retry.Policy{MaxAttempts: 180, Interval: time.Millisecond, AttemptTimeout: time.Second})
	if err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", attempts)
	}
	if got := tr.calls.Load(); got != 5 {
		t.Errorf("expected probing to stop after success, got %d calls", got)
	}
}

func TestWaitReadyExhausted(t *testing.T) {
	tr := &flakyTransport{failures: -1}
	c := New(Config{BaseURL: "http://comfy.invalid:8188", HTTPClient: &http.Client{Transport: tr}}, newTestLogger())

	attempts, err := c.WaitReady(context.Background(), retry.Policy{MaxAttempts: 180, Interval: time.Microsecond})
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("expected exhausted budget in chain, got %v", err)
	}
	if attempts != 180 || tr.calls.Load() != 180 {
		t.Errorf("expected 180 attempts, got %d (%d calls)", attempts, tr.calls.Load())
	}
}

func TestWaitReadyAnyStatusIsAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	attempts, err := c.WaitReady(context.Background(), retry.Policy{MaxAttempts: 3})
	if err != nil || attempts != 1 {
		t.Fatalf("expected success on first attempt, got attempts=%d err=%v", attempts, err)
	}
}

func TestWaitReadyHangingAttemptIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	start := time.Now()
	_, err := c.WaitReady(context.Background(), retry.Policy{MaxAttempts: 3, AttemptTimeout: 20 * time.Millisecond})
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("hanging attempts were not bounded: %v", elapsed)
	}
}

func TestQueuePrompt(t *testing.T) {
	session := NewSessionID()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Prompt   map[string]any `json:"prompt"`
			ClientID string         `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.ClientID != string(session) {
			t.Errorf("expected client_id %s, got %s", session, body.ClientID)
		}
		if _, ok := body.Prompt["8"]; !ok {
			t.Errorf("expected graph in prompt field, got %v", body.Prompt)
		}
		_, _ = w.Write([]byte(`{"prompt_id":"p-123","number":4,"node_errors":{}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	id, err := c.QueuePrompt(context.Background(), session, rawGraph(`{"8":{"class_type":"VHS_LoadVideo","inputs":{}}}`))
	if err != nil {
		t.Fatalf("QueuePrompt() error = %v", err)
	}
	if id != "p-123" {
		t.Errorf("expected p-123, got %s", id)
	}
}

func TestQueuePromptRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"prompt_outputs_failed_validation"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	_, err := c.QueuePrompt(context.Background(), NewSessionID(), rawGraph(`{}`))
	if !apperrors.IsCode(err, apperrors.CodeBackend) {
		t.Fatalf("expected BACKEND_ERROR, got %v", err)
	}
	if !strings.Contains(err.Error(), "prompt_outputs_failed_validation") {
		t.Errorf("expected backend body in error, got %v", err)
	}
}

const orderedHistory = `{
  "p-1": {
    "prompt": [],
    "outputs": {
      "9":  {"gifs": [{"filename": "first.mp4", "subfolder": "", "type": "output", "fullpath": "/out/first.mp4", "format": "video/h264-mp4"}]},
      "10": {"gifs": [{"filename": "second.mp4", "subfolder": "", "type": "output"}], "images": [{"filename": "preview.png", "subfolder": "", "type": "temp"}]}
    },
    "status": {"status_str": "success", "completed": true, "messages": []}
  }
}`

func historyServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/history/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveArtifactFirstMatchInDocumentOrder(t *testing.T) {
	c := New(Config{BaseURL: historyServer(t, orderedHistory).URL}, newTestLogger())

	a, err := c.ResolveArtifact(context.Background(), "p-1", CategoryGifs)
	if err != nil {
		t.Fatalf("ResolveArtifact() error = %v", err)
	}
	if a.Filename != "first.mp4" || a.FullPath != "/out/first.mp4" {
		t.Errorf("expected first stage's artifact, got %+v", a)
	}

	img, err := c.ResolveArtifact(context.Background(), "p-1", CategoryImages)
	if err != nil || img.Filename != "preview.png" {
		t.Errorf("expected preview.png, got %+v (%v)", img, err)
	}
}

func TestResolveArtifactNoOutput(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		category string
		contains string
	}{
		{
			name:     "category mismatch",
			body:     `{"p-1":{"outputs":{"3":{"images":[{"filename":"a.png","subfolder":"","type":"output"}]}},"status":{"status_str":"success","completed":true}}}`,
			category: CategoryGifs,
			contains: "no gifs output produced",
		},
		{
			name: "execution error",
			body: `{"p-1":{"outputs":{},"status":{"status_str":"error","completed":false,"messages":[
				["execution_start",{"prompt_id":"p-1"}],
				["execution_error",{"prompt_id":"p-1","node_id":"10","node_type":"SeedVR2VideoUpscaler","exception_message":"CUDA out of memory"}]]}}}`,
			category: CategoryGifs,
			contains: "SeedVR2VideoUpscaler (node 10): CUDA out of memory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{BaseURL: historyServer(t, tt.body).URL}, newTestLogger())
			_, err := c.ResolveArtifact(context.Background(), "p-1", tt.category)
			if !errors.Is(err, ErrNoOutput) {
				t.Fatalf("expected no-output error, got %v", err)
			}
			if !strings.Contains(apperrors.PublicMessage(err), tt.contains) {
				t.Errorf("expected %q in message, got %q", tt.contains, apperrors.PublicMessage(err))
			}
		})
	}
}

func TestHistoryMissingRecord(t *testing.T) {
	c := New(Config{BaseURL: historyServer(t, `{}`).URL}, newTestLogger())

	_, err := c.History(context.Background(), "p-404")
	if !apperrors.IsCode(err, apperrors.CodeBackend) {
		t.Fatalf("expected BACKEND_ERROR, got %v", err)
	}
}

func TestFetchArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/view" || q.Get("filename") != "out 1.mp4" || q.Get("subfolder") != "sub" || q.Get("type") != "output" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	rc, err := c.FetchArtifact(context.Background(), Artifact{Filename: "out 1.mp4", Subfolder: "sub", Type: "output"})
	if err != nil {
		t.Fatalf("FetchArtifact() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "video-bytes" {
		t.Errorf("unexpected body %q", data)
	}

	if _, err := c.FetchArtifact(context.Background(), Artifact{Filename: "missing"}); !apperrors.IsCode(err, apperrors.CodeBackend) {
		t.Errorf("expected BACKEND_ERROR for 404, got %v", err)
	}
}

func TestUploadInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload/image" {
			http.NotFound(w, r)
			return
		}
		f, hdr, err := r.FormFile("image")
		if err != nil {
			t.Errorf("form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "pixels" || hdr.Filename != "task_1_input.png" {
			t.Errorf("unexpected upload %s %q", hdr.Filename, data)
		}
		if r.FormValue("type") != "input" {
			t.Errorf("expected type=input, got %s", r.FormValue("type"))
		}
		_, _ = w.Write([]byte(`{"name":"task_1_input.png","subfolder":"","type":"input"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "input.png")
	if err := os.WriteFile(path, []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	name, err := c.UploadInput(context.Background(), path, "task_1_input.png")
	if err != nil {
		t.Fatalf("UploadInput() error = %v", err)
	}
	if name != "task_1_input.png" {
		t.Errorf("expected task_1_input.png, got %s", name)
	}
}

func TestParseHistoryNullOutputs(t *testing.T) {
	rec, err := ParseHistory(strings.NewReader(`{"p":{"outputs":null,"status":{"status_str":"success"}}}`), "p")
	if err != nil {
		t.Fatalf("ParseHistory() error = %v", err)
	}
	if len(rec.Stages) != 0 {
		t.Errorf("expected no stages, got %d", len(rec.Stages))
	}
	if _, ok := rec.FirstArtifact(CategoryImages); ok {
		t.Error("expected no artifact")
	}
}
