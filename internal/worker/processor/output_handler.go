package processor

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path"

	"upscaler/internal/pkg/errors"
	"upscaler/internal/ports"
	"upscaler/internal/worker/comfy"
)

// OutputHandler converts a resolved artifact into the caller's requested
// representation.
type OutputHandler struct {
	backend Backend
	sp      ports.StorageProvider
}

func NewOutputHandler(backend Backend, sp ports.StorageProvider) *OutputHandler {
	return &OutputHandler{backend: backend, sp: sp}
}

type OutputRequest struct {
	TaskID   string
	Job      *ParsedJob
	Artifact comfy.Artifact
}

// Output is a materialized result. Location is set in reference mode.
type Output struct {
	Result   Result
	Location string
}

// ObjectKey names a stored output: <task_type>_<task_id><ext>.
func ObjectKey(taskType, taskID, artifactName string) string {
	return fmt.Sprintf("%s_%s%s", taskType, taskID, path.Ext(artifactName))
}

func (oh *OutputHandler) Materialize(ctx context.Context, req OutputRequest) (*Output, error) {
	const op = "output.materialize"

	rc, err := oh.open(ctx, req.Artifact)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeMaterialization, op, "read artifact "+req.Artifact.Filename)
	}
	defer rc.Close()

	key := req.Job.OutputKey()

	if !req.Job.NetworkVolume {
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeMaterialization, op, "read artifact "+req.Artifact.Filename)
		}
		return &Output{Result: Result{key: base64.StdEncoding.EncodeToString(data)}}, nil
	}

	if oh.sp == nil {
		return nil, errors.New(errors.CodeMaterialization, "no storage configured for network volume output")
	}

	objectKey := ObjectKey(req.Job.Task.Type, req.TaskID, req.Artifact.Filename)
	out, err := oh.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   objectKey,
		ContentType: ContentTypeFor(req.Artifact.Filename),
		Reader:      rc,
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeMaterialization, op, "store output").
			WithField("provider", oh.sp.Provider())
	}

	location := oh.sp.Locate(out.ObjectKey)
	return &Output{Result: Result{key: location}, Location: location}, nil
}

// open prefers the backend-reported full path when this process can read it,
// and falls back to the backend's view endpoint.
func (oh *OutputHandler) open(ctx context.Context, a comfy.Artifact) (io.ReadCloser, error) {
	if a.FullPath != "" {
		if f, err := os.Open(a.FullPath); err == nil {
			return f, nil
		}
	}
	return oh.backend.Fetch(ctx, a)
}
