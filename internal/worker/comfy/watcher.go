package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"upscaler/internal/pkg/errors"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/pkg/retry"
)

// State is the lifecycle position of a Watcher.
type State int

const (
	StateConnecting State = iota
	StateAwaitingEvents
	StateTerminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingEvents:
		return "awaiting_events"
	case StateTerminal:
		return "terminal"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is one text frame pushed on the session channel.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	// Node is the executing node; nil or empty on the terminal event.
	Node     *string  `json:"node"`
	PromptID PromptID `json:"prompt_id"`
	Value    int      `json:"value,omitempty"`
	Max      int      `json:"max,omitempty"`
}

// terminalFor reports whether ev ends execution of id.
func (ev Event) terminalFor(id PromptID) bool {
	if ev.Type != "executing" || ev.Data.PromptID != id {
		return false
	}
	return ev.Data.Node == nil || *ev.Data.Node == ""
}

// Watcher listens on one session's event channel.
type Watcher struct {
	conn    *websocket.Conn
	session SessionID
	timeout time.Duration
	log     *logger.Logger

	mu    sync.Mutex
	state State
}

// Connect opens the event channel for session, retrying the handshake under
// p. It should be called before the session submits anything so no
// completion event can be missed.
func (c *Client) Connect(ctx context.Context, session SessionID, p retry.Policy) (*Watcher, error) {
	wsURL, err := c.eventURL(session)
	if err != nil {
		return nil, errors.Wrap(err, "comfy.connect", "build event channel url")
	}
	log := c.log.WithSession(string(session))

	var conn *websocket.Conn
	err = retry.DoNotify(ctx, p, func(ctx context.Context, attempt int) error {
		cn, res, err := c.dialer.DialContext(ctx, wsURL, nil)
		if res != nil && res.Body != nil {
			res.Body.Close()
		}
		if err != nil {
			if res != nil {
				return fmt.Errorf("handshake status %d: %w", res.StatusCode, err)
			}
			return err
		}
		conn = cn
		return nil
	}, func(attempt int, err error) {
		c.metrics.Retried("connect")
		log.Warn("event channel not available yet",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"error", err.Error(),
		)
	})
	if err != nil {
		return nil, errors.Unavailable(err, "comfy event channel")
	}

	log.Debug("event channel open")
	return &Watcher{
		conn:    conn,
		session: session,
		timeout: c.completionTimeout,
		log:     log,
		state:   StateAwaitingEvents,
	}, nil
}

func (c *Client) eventURL(session SessionID) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {string(session)}}.Encode()
	return u.String(), nil
}

// State returns the watcher's current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// WaitFor blocks until the terminal event for id arrives. Events for other
// prompts, binary frames and undecodable text are skipped. The wait ends
// with CodeTimeout when ctx or the completion timeout expires, and with
// CodeBackend when the channel closes first.
func (w *Watcher) WaitFor(ctx context.Context, id PromptID) error {
	const op = "comfy.wait"

	if st := w.State(); st != StateAwaitingEvents {
		return errors.Newf(errors.CodeInternal, "watcher is %s", st)
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	// Unblock the pending read once ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	log := w.log.WithPromptID(string(id))
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					return errors.WrapWithCode(ctxErr, errors.CodeTimeout, op, "completion deadline exceeded").
						WithField("prompt_id", string(id))
				}
				return errors.Wrap(ctxErr, op, "wait canceled")
			}
			return errors.WrapWithCode(err, errors.CodeBackend, op, "event channel closed before completion").
				WithField("prompt_id", string(id))
		}
		if mt != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Debug("skipping undecodable event", "error", err.Error())
			continue
		}
		if ev.Type == "progress" && ev.Data.PromptID == id {
			log.Debug("progress", "value", ev.Data.Value, "max", ev.Data.Max)
			continue
		}
		if ev.terminalFor(id) {
			w.setState(StateTerminal)
			log.Info("execution finished")
			return nil
		}
	}
}

// Close tears down the channel. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = StateClosed
	w.mu.Unlock()

	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return w.conn.Close()
}
