package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "upscaler/internal/pkg/errors"
	"upscaler/internal/pkg/retry"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

var fastConnect = retry.Policy{MaxAttempts: 5, Interval: time.Millisecond, AttemptTimeout: time.Second}

// drain blocks until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func wsServer(t *testing.T, script func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func event(t *testing.T, typ string, node any, promptID string) []byte {
	t.Helper()
	data := map[string]any{"node": node, "prompt_id": promptID}
	b, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestWaitForIgnoresForeignAndMalformedEvents(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		frames := [][]byte{
			[]byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}}}}`),
			event(t, "executing", nil, "someone-else"),
			[]byte(`not json`),
			event(t, "executing", "12", "mine"),
			[]byte(`{"type":"progress","data":{"value":3,"max":10,"prompt_id":"mine","node":"10"}}`),
			event(t, "executed", nil, "mine"),
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01, 0x02})
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, f)
		}
		_ = conn.WriteMessage(websocket.TextMessage, event(t, "executing", nil, "mine"))
		drain(conn)
	})

	c := New(Config{BaseURL: srv.URL, CompletionTimeout: 5 * time.Second}, newTestLogger())
	w, err := c.Connect(context.Background(), NewSessionID(), fastConnect)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer w.Close()

	if err := w.WaitFor(context.Background(), "mine"); err != nil {
		t.Fatalf("WaitFor() error = %v", err)
	}
	if w.State() != StateTerminal {
		t.Errorf("expected terminal state, got %s", w.State())
	}
}

func TestWaitForBlocksOnForeignTerminalEvent(t *testing.T) {
	release := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, event(t, "executing", nil, "foreign"))
		<-release
		_ = conn.WriteMessage(websocket.TextMessage, event(t, "executing", "", "mine"))
		drain(conn)
	})

	c := New(Config{BaseURL: srv.URL, CompletionTimeout: 5 * time.Second}, newTestLogger())
	w, err := c.Connect(context.Background(), NewSessionID(), fastConnect)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- w.WaitFor(context.Background(), "mine") }()

	select {
	case err := <-done:
		t.Fatalf("WaitFor returned on a foreign event: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitFor() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitFor did not return after the terminal event")
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, r *http.Request) { drain(conn) })

	c := New(Config{BaseURL: srv.URL, CompletionTimeout: 50 * time.Millisecond}, newTestLogger())
	w, err := c.Connect(context.Background(), NewSessionID(), fastConnect)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer w.Close()

	start := time.Now()
	err = w.WaitFor(context.Background(), "never")
	if !apperrors.IsCode(err, apperrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline in chain, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not honored: %v", time.Since(start))
	}
}

func TestWaitForChannelClosed(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	})

	c := New(Config{BaseURL: srv.URL, CompletionTimeout: 5 * time.Second}, newTestLogger())
	w, err := c.Connect(context.Background(), NewSessionID(), fastConnect)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer w.Close()

	if err := w.WaitFor(context.Background(), "p"); !apperrors.IsCode(err, apperrors.CodeBackend) {
		t.Fatalf("expected BACKEND_ERROR, got %v", err)
	}
}

func TestConnectRetriesUntilChannelAvailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		drain(conn)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	w, err := c.Connect(context.Background(), NewSessionID(), fastConnect)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer w.Close()

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 handshakes, got %d", got)
	}
	if w.State() != StateAwaitingEvents {
		t.Errorf("expected awaiting_events, got %s", w.State())
	}
}

func TestConnectExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	_, err := c.Connect(context.Background(), NewSessionID(), retry.Policy{MaxAttempts: 3, Interval: time.Millisecond})
	if !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, r *http.Request) { drain(conn) })

	c := New(Config{BaseURL: srv.URL}, newTestLogger())
	w, err := c.Connect(context.Background(), NewSessionID(), fastConnect)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = w.Close()
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := w.WaitFor(context.Background(), "p"); !apperrors.IsCode(err, apperrors.CodeInternal) {
		t.Errorf("expected WaitFor on a closed watcher to fail, got %v", err)
	}
}

// TestSubmitThenWaitCorrelates drives a backend that only announces
// completion on the channel of the session that submitted the prompt.
func TestSubmitThenWaitCorrelates(t *testing.T) {
	var (
		mu    sync.Mutex
		conns = map[string]*websocket.Conn{}
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			mu.Lock()
			conns[r.URL.Query().Get("clientId")] = conn
			mu.Unlock()
			drain(conn)
		case "/prompt":
			var body struct {
				ClientID string `json:"client_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			// The upgrade response can reach the client before the handler
			// records the connection.
			var conn *websocket.Conn
			for i := 0; i < 100 && conn == nil; i++ {
				mu.Lock()
				conn = conns[body.ClientID]
				mu.Unlock()
				if conn == nil {
					time.Sleep(10 * time.Millisecond)
				}
			}
			if conn == nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"prompt_id":"p-42","number":1}`))
			go func() {
				_ = conn.WriteMessage(websocket.TextMessage, event(t, "executing", "8", "p-42"))
				_ = conn.WriteMessage(websocket.TextMessage, event(t, "executing", nil, "p-42"))
			}()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, CompletionTimeout: 5 * time.Second}, newTestLogger())
	session := NewSessionID()

	w, err := c.Connect(context.Background(), session, fastConnect)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer w.Close()

	id, err := c.QueuePrompt(context.Background(), session, rawGraph(`{}`))
	if err != nil {
		t.Fatalf("QueuePrompt() error = %v", err)
	}
	if err := w.WaitFor(context.Background(), id); err != nil {
		t.Fatalf("WaitFor(%s) error = %v", id, err)
	}
}

func TestEventURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8188", "ws://127.0.0.1:8188/ws?clientId=abc"},
		{"https://comfy.example.com/", "wss://comfy.example.com/ws?clientId=abc"},
	}
	for _, tt := range tests {
		c := New(Config{BaseURL: tt.base}, newTestLogger())
		got, err := c.eventURL("abc")
		if err != nil || got != tt.want {
			t.Errorf("eventURL(%s) = %s, %v; want %s", tt.base, got, err, tt.want)
		}
	}
}
