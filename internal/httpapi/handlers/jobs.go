package handlers

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"upscaler/internal/httpkit"
	"upscaler/internal/models"
	"upscaler/internal/pkg/errors"
	"upscaler/internal/repositories"
	"upscaler/internal/worker/processor"
	"upscaler/internal/worker/queue"
	"upscaler/internal/worker/util"
)

type RunRequest struct {
	ID    string         `json:"id,omitempty"`
	Input map[string]any `json:"input"`
}

// RunResponse follows the serverless runner's job envelope.
type RunResponse struct {
	ID            string           `json:"id"`
	Status        models.JobStatus `json:"status"`
	Output        map[string]any   `json:"output,omitempty"`
	Error         string           `json:"error,omitempty"`
	ExecutionTime int64            `json:"executionTime,omitempty"`
}

func decodeRun(r *http.Request, prefix string) (processor.Job, error) {
	var req RunRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return processor.Job{}, errors.WrapWithCode(err, errors.CodeValidation, "httpapi.decode", "invalid json body")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = util.NewID(prefix)
	}
	return processor.Job{ID: id, Input: req.Input}, nil
}

// RunSync executes the job inline. Job failures are reported in the body
// with status FAILED; only malformed requests get an error status.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) error {
	job, err := decodeRun(r, "sync")
	if err != nil {
		return err
	}

	start := time.Now()
	res := h.runner.Handle(r.Context(), job)

	resp := RunResponse{ID: job.ID, Status: models.JobCompleted, ExecutionTime: time.Since(start).Milliseconds()}
	if res.Failed() {
		resp.Status = models.JobFailed
		resp.Error, _ = res["error"].(string)
	} else {
		resp.Output = res
	}
	httpkit.WriteJSON(w, http.StatusOK, resp)
	return nil
}

// Run validates and enqueues the job for the background worker.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) error {
	if h.queue == nil {
		return errors.New(errors.CodeUnavailable, "async queue is not configured")
	}

	job, err := decodeRun(r, "job")
	if err != nil {
		return err
	}
	if _, err := processor.ParseJob(job); err != nil {
		return err
	}

	if err := h.queue.Push(r.Context(), queue.Envelope{ID: job.ID, Input: job.Input}); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "httpapi.run", "enqueue job")
	}

	h.log.FromContext(r.Context()).Info("job enqueued", "job_id", job.ID)
	httpkit.WriteJSON(w, http.StatusOK, RunResponse{ID: job.ID, Status: models.JobQueued})
	return nil
}

// Status reports a queued job's state, falling back to the persisted record.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "jobId")
	ctx := r.Context()

	if h.queue != nil {
		st, err := h.queue.GetStatus(ctx, id)
		if err == nil {
			httpkit.WriteJSON(w, http.StatusOK, RunResponse{
				ID:            st.ID,
				Status:        st.Status,
				Output:        st.Output,
				Error:         st.Error,
				ExecutionTime: st.ExecutionTime,
			})
			return nil
		}
		if !stderrors.Is(err, queue.ErrNotFound) {
			return errors.WrapWithCode(err, errors.CodeUnavailable, "httpapi.status", "read job status")
		}
	}

	if h.jobs != nil {
		rec, err := h.jobs.Get(ctx, id)
		if err == nil {
			resp := RunResponse{ID: rec.ID, Status: rec.Status, Error: rec.ErrorText}
			if rec.OutputRef != "" {
				resp.Output = map[string]any{"output_ref": rec.OutputRef}
			}
			httpkit.WriteJSON(w, http.StatusOK, resp)
			return nil
		}
		if !stderrors.Is(err, repositories.ErrJobNotFound) {
			return errors.Wrap(err, "httpapi.status", "read job record")
		}
	}

	return errors.NotFound("job", id)
}
