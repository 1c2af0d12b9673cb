package models

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "IN_QUEUE"
	JobRunning   JobStatus = "IN_PROGRESS"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the persisted record of one upscaling task. Embedded (base64)
// outputs are not stored; OutputRef only holds reference-mode locations.
type Job struct {
	ID         string     `json:"id"`
	TaskType   string     `json:"task_type"`
	Status     JobStatus  `json:"status"`
	SessionID  string     `json:"session_id,omitempty"`
	PromptID   string     `json:"prompt_id,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	ErrorText  string     `json:"error,omitempty"`
	OutputRef  string     `json:"output_ref,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
