// Package comfy talks to a ComfyUI-compatible backend: readiness probing,
// prompt submission, the per-session event channel, execution history and
// artifact download.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"upscaler/internal/pkg/errors"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/pkg/metrics"
	"upscaler/internal/pkg/retry"
)

// SessionID scopes the event channel and every prompt submitted on it.
type SessionID string

// NewSessionID returns a random session identity.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// PromptID is the backend's identifier for one submitted graph.
type PromptID string

// Config configures a Client.
type Config struct {
	// BaseURL is the backend's HTTP root, e.g. http://127.0.0.1:8188.
	BaseURL string
	// RequestTimeout bounds short control requests (submit, history, upload).
	RequestTimeout time.Duration
	// CompletionTimeout bounds Watcher.WaitFor.
	CompletionTimeout time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Metrics    *metrics.Metrics
}

// Client is safe for concurrent use.
type Client struct {
	baseURL           string
	requestTimeout    time.Duration
	completionTimeout time.Duration
	http              *http.Client
	dialer            *websocket.Dialer
	metrics           *metrics.Metrics
	log               *logger.Logger
}

func New(cfg Config, log *logger.Logger) *Client {
	c := &Client{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		requestTimeout:    cfg.RequestTimeout,
		completionTimeout: cfg.CompletionTimeout,
		http:              cfg.HTTPClient,
		dialer:            cfg.Dialer,
		metrics:           cfg.Metrics,
		log:               log.WithComponent("comfy"),
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 30 * time.Second
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return c
}

// BaseURL returns the backend's HTTP root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping issues one GET on the backend root. Any HTTP response counts as alive;
// only transport failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return res.Body.Close()
}

// WaitReady probes the backend until it answers or the policy is spent. It
// returns the number of attempts made.
func (c *Client) WaitReady(ctx context.Context, p retry.Policy) (int, error) {
	attempts := 0
	err := retry.DoNotify(ctx, p, func(ctx context.Context, attempt int) error {
		attempts = attempt
		return c.Ping(ctx)
	}, func(attempt int, err error) {
		c.metrics.Retried("probe")
		c.log.Warn("backend not reachable yet",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"error", err.Error(),
		)
	})
	if err != nil {
		return attempts, errors.Unavailable(err, "comfy").WithField("attempts", attempts)
	}
	c.metrics.ObserveProbe(attempts)
	c.log.Info("backend reachable", "attempts", attempts)
	return attempts, nil
}

type promptRequest struct {
	Prompt   json.Marshaler `json:"prompt"`
	ClientID SessionID      `json:"client_id"`
}

type promptResponse struct {
	PromptID   PromptID        `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// QueuePrompt submits a bound graph on behalf of session. It does not retry:
// a duplicate submission would run the job twice.
func (c *Client) QueuePrompt(ctx context.Context, session SessionID, prompt json.Marshaler) (PromptID, error) {
	const op = "comfy.queue_prompt"

	body, err := json.Marshal(promptRequest{Prompt: prompt, ClientID: session})
	if err != nil {
		return "", errors.Wrap(err, op, "encode prompt")
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, op, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeBackend, op, "submit prompt")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", statusError(res, op, "prompt rejected")
	}

	var out promptResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeBackend, op, "decode prompt response")
	}
	if out.PromptID == "" {
		return "", errors.Newf(errors.CodeBackend, "prompt response has no prompt_id")
	}

	c.log.WithSession(string(session)).Info("prompt queued", "prompt_id", out.PromptID, "number", out.Number)
	return out.PromptID, nil
}

// History fetches the execution record of id.
func (c *Client) History(ctx context.Context, id PromptID) (*HistoryRecord, error) {
	const op = "comfy.history"

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return nil, errors.Wrap(err, op, "build request")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeBackend, op, "fetch history")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, statusError(res, op, "history request failed")
	}

	rec, err := ParseHistory(res.Body, id)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeBackend, op, "read history")
	}
	return rec, nil
}

// ResolveArtifact returns the first artifact of category recorded for id.
// Stages are searched in the order the backend reported them, then artifacts
// in list order. When nothing matches the error carries CodeNoOutput and,
// if the backend recorded one, its execution error message.
func (c *Client) ResolveArtifact(ctx context.Context, id PromptID, category string) (Artifact, error) {
	rec, err := c.History(ctx, id)
	if err != nil {
		return Artifact{}, err
	}
	return rec.Resolve(category)
}

// FetchArtifact streams an artifact through the backend's /view endpoint.
// The caller closes the reader.
func (c *Client) FetchArtifact(ctx context.Context, a Artifact) (io.ReadCloser, error) {
	const op = "comfy.view"

	q := url.Values{}
	q.Set("filename", a.Filename)
	q.Set("subfolder", a.Subfolder)
	q.Set("type", a.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, op, "build request")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeBackend, op, "fetch artifact")
	}
	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		return nil, statusError(res, op, "artifact not served").WithField("filename", a.Filename)
	}
	return res.Body, nil
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UploadInput copies a local file into the backend's input directory and
// returns the name graph loaders refer to it by.
func (c *Client) UploadInput(ctx context.Context, path, name string) (string, error) {
	const op = "comfy.upload"

	f, err := os.Open(path)
	if err != nil {
		return "", errors.Acquisition(err, op, "open input")
	}
	defer f.Close()

	if name == "" {
		name = filepath.Base(path)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("image", name)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.WriteField("type", "input")
		}
		if err == nil {
			err = mw.WriteField("overwrite", "true")
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", pr)
	if err != nil {
		pr.Close()
		return "", errors.Wrap(err, op, "build request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := c.http.Do(req)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeBackend, op, "upload input")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", statusError(res, op, "upload rejected")
	}

	var out uploadResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeBackend, op, "decode upload response")
	}
	if out.Subfolder != "" {
		return out.Subfolder + "/" + out.Name, nil
	}
	return out.Name, nil
}

// statusError reads a bounded slice of an error response body into a
// backend error.
func statusError(res *http.Response, op, message string) *errors.Error {
	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	detail := strings.TrimSpace(string(snippet))
	if detail == "" {
		detail = http.StatusText(res.StatusCode)
	}
	return errors.WrapWithCode(
		fmt.Errorf("http %d: %s", res.StatusCode, detail),
		errors.CodeBackend, op, message,
	).WithField("status", res.StatusCode)
}
