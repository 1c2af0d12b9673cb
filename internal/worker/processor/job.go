package processor

import (
	"fmt"
	"strings"

	"upscaler/internal/pkg/errors"
	"upscaler/internal/worker/comfy"
	"upscaler/internal/worker/media"
)

// Job is one unit of work as submitted by the caller.
type Job struct {
	ID    string         `json:"id,omitempty"`
	Input map[string]any `json:"input"`
}

// Task describes a supported task_type.
type Task struct {
	Type  string
	Media media.Kind
	// Category is the history output category the result is read from.
	Category    string
	Interpolate bool
}

const DefaultTaskType = "upscale"

var tasks = map[string]Task{
	"upscale": {
		Type:     "upscale",
		Media:    media.Video,
		Category: comfy.CategoryGifs,
	},
	"upscale_and_interpolation": {
		Type:        "upscale_and_interpolation",
		Media:       media.Video,
		Category:    comfy.CategoryGifs,
		Interpolate: true,
	},
	"image_upscale": {
		Type:     "image_upscale",
		Media:    media.Image,
		Category: comfy.CategoryImages,
	},
}

// LookupTask returns the task for a task_type value.
func LookupTask(taskType string) (Task, bool) {
	t, ok := tasks[taskType]
	return t, ok
}

// SourceKind is how the caller handed over the input media.
type SourceKind string

const (
	SourcePath   SourceKind = "path"
	SourceURL    SourceKind = "url"
	SourceBase64 SourceKind = "base64"
)

var sourceKinds = []SourceKind{SourcePath, SourceURL, SourceBase64}

// Source is the single input reference of a job.
type Source struct {
	Kind  SourceKind
	Value string
}

// ParsedJob is a validated Job.
type ParsedJob struct {
	Task          Task
	Source        Source
	NetworkVolume bool
}

// OutputKey is the result key the job's output is returned under.
func (j *ParsedJob) OutputKey() string {
	if j.NetworkVolume {
		return string(j.Task.Media) + "_path"
	}
	return string(j.Task.Media)
}

// ParseJob validates the job input. It never touches the backend.
func ParseJob(job Job) (*ParsedJob, error) {
	if job.Input == nil {
		return nil, errors.ValidationField("input", "job input is required")
	}

	taskType := DefaultTaskType
	if v, ok := job.Input["task_type"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, errors.ValidationField("task_type", "task_type must be a string")
		}
		if s = strings.TrimSpace(s); s != "" {
			taskType = s
		}
	}
	task, ok := LookupTask(taskType)
	if !ok {
		return nil, errors.ValidationField("task_type", fmt.Sprintf("unsupported task_type %q", taskType))
	}

	var found []Source
	for _, kind := range []media.Kind{media.Video, media.Image} {
		for _, sk := range sourceKinds {
			key := string(kind) + "_" + string(sk)
			s, ok := job.Input[key].(string)
			if !ok || strings.TrimSpace(s) == "" {
				continue
			}
			if kind != task.Media {
				return nil, errors.ValidationField(key, fmt.Sprintf("%s does not accept %s input", task.Type, kind))
			}
			found = append(found, Source{Kind: sk, Value: strings.TrimSpace(s)})
		}
	}

	switch len(found) {
	case 0:
		return nil, errors.Validationf("missing input: one of %s_path, %s_url or %s_base64 is required",
			task.Media, task.Media, task.Media)
	case 1:
	default:
		return nil, errors.Validationf("ambiguous input: exactly one %s reference is allowed, got %d",
			task.Media, len(found))
	}

	return &ParsedJob{
		Task:          task,
		Source:        found[0],
		NetworkVolume: IsTruthy(job.Input["network_volume"]),
	}, nil
}
