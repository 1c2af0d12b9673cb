package processor

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"upscaler/internal/pkg/errors"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/pkg/metrics"
	"upscaler/internal/pkg/retry"
	"upscaler/internal/worker/media"
)

// InputHandler turns a job's input reference into a local file and makes it
// visible to the backend.
type InputHandler struct {
	workDir  string
	inputDir string
	download retry.Policy
	http     *http.Client
	backend  Backend
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func NewInputHandler(workDir, inputDir string, download retry.Policy, httpClient *http.Client, backend Backend, m *metrics.Metrics, log *logger.Logger) *InputHandler {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &InputHandler{
		workDir:  workDir,
		inputDir: inputDir,
		download: download,
		http:     httpClient,
		backend:  backend,
		metrics:  m,
		log:      log,
	}
}

// TaskDir is the scratch directory of a task.
func (ih *InputHandler) TaskDir(taskID string) string {
	return filepath.Join(ih.workDir, taskID)
}

// Materialize returns a local path holding the job's input.
func (ih *InputHandler) Materialize(ctx context.Context, taskID string, src Source, kind media.Kind) (string, error) {
	const op = "input.materialize"

	switch src.Kind {
	case SourcePath:
		st, err := os.Stat(src.Value)
		if err != nil {
			return "", errors.Acquisition(err, op, "input file not found")
		}
		if !st.Mode().IsRegular() {
			return "", errors.Acquisition(fmt.Errorf("%s is not a regular file", src.Value), op, "input file not found")
		}
		return src.Value, nil
	case SourceURL:
		return ih.fetchURL(ctx, taskID, src.Value, kind)
	case SourceBase64:
		return ih.decodeBase64(taskID, src.Value, kind)
	default:
		return "", errors.Newf(errors.CodeInternal, "unknown input source %q", src.Kind)
	}
}

func (ih *InputHandler) fetchURL(ctx context.Context, taskID, rawURL string, kind media.Kind) (string, error) {
	const op = "input.download"

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.ValidationField(string(kind)+"_url", "must be an http(s) URL")
	}

	dir := ih.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Acquisition(err, op, "create task directory")
	}

	var dst string
	err = retry.DoNotify(ctx, ih.download, func(ctx context.Context, attempt int) error {
		p, err := ih.downloadOnce(ctx, dir, u, kind)
		if err != nil {
			return err
		}
		dst = p
		return nil
	}, func(attempt int, err error) {
		ih.metrics.Retried("download")
		ih.log.Warn("input download failed, retrying", "attempt", attempt, "error", err.Error())
	})
	if err != nil {
		return "", errors.Acquisition(err, op, "download input")
	}
	return dst, nil
}

func (ih *InputHandler) downloadOnce(ctx context.Context, dir string, u *url.URL, kind media.Kind) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	res, err := ih.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("http %d", res.StatusCode)
	}

	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		ext = ExtFromMime(res.Header.Get("Content-Type"))
	}
	if ext == "" {
		ext = DefaultExt(kind)
	}

	dst := filepath.Join(dir, "input"+ext)
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, res.Body); err != nil {
		f.Close()
		return "", err
	}
	return dst, f.Close()
}

func (ih *InputHandler) decodeBase64(taskID, payload string, kind media.Kind) (string, error) {
	const op = "input.decode"

	ext := ""
	// data:<mime>;base64,<payload>
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return "", errors.New(errors.CodeAcquisition, "malformed data URI").WithField("field", string(kind)+"_base64")
		}
		ext = ExtFromMime(strings.TrimSuffix(meta, ";base64"))
		payload = data
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", errors.Acquisition(err, op, "decode base64 input")
	}
	if len(raw) == 0 {
		return "", errors.New(errors.CodeAcquisition, "decoded input is empty").WithField("field", string(kind)+"_base64")
	}

	if ext == "" {
		ext = ExtFromMime(http.DetectContentType(raw))
	}
	if ext == "" {
		ext = DefaultExt(kind)
	}

	dir := ih.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Acquisition(err, op, "create task directory")
	}
	dst := filepath.Join(dir, "input"+ext)
	if err := os.WriteFile(dst, raw, 0o644); err != nil {
		return "", errors.Acquisition(err, op, "write input")
	}
	return dst, nil
}

// Staged is an input made visible to the backend.
type Staged struct {
	// Name is the value graph loaders reference.
	Name string
	// Path is the copy in the shared input directory, empty when uploaded.
	Path string
}

// Stage copies the input into the backend's input directory, or uploads it
// when the backend does not share a filesystem with this process.
func (ih *InputHandler) Stage(ctx context.Context, taskID, localPath string) (Staged, error) {
	const op = "input.stage"

	name := SanitizeFilename(taskID + "_" + filepath.Base(localPath))

	if ih.inputDir == "" {
		uploaded, err := ih.backend.UploadInput(ctx, localPath, name)
		if err != nil {
			return Staged{}, err
		}
		return Staged{Name: uploaded}, nil
	}

	dst := filepath.Join(ih.inputDir, name)
	if err := copyFile(localPath, dst); err != nil {
		return Staged{}, errors.Acquisition(err, op, "copy input into backend input directory")
	}
	return Staged{Name: name, Path: dst}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
