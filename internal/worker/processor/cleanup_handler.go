package processor

import (
	"os"

	"upscaler/internal/pkg/logger"
)

type Cleanup struct {
	inputs *InputHandler
	log    *logger.Logger
}

func NewCleanup(inputs *InputHandler, log *logger.Logger) *Cleanup {
	return &Cleanup{inputs: inputs, log: log}
}

// CleanupJob removes the task's scratch directory and its staged copy in the
// backend input directory. Inputs passed by path belong to the caller and
// are left alone.
func (c *Cleanup) CleanupJob(taskID string, staged Staged) {
	if err := os.RemoveAll(c.inputs.TaskDir(taskID)); err != nil {
		c.log.Warn("remove task directory failed", "task_id", taskID, "error", err.Error())
	}
	if staged.Path == "" {
		return
	}
	if err := os.Remove(staged.Path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("remove staged input failed", "path", staged.Path, "error", err.Error())
	}
}
