package repositories

import (
	"context"

	"upscaler/internal/models"
)

// NopJobRepository is used when no database is configured.
type NopJobRepository struct{}

func (NopJobRepository) Start(context.Context, string, string, string) error { return nil }

func (NopJobRepository) SetPromptID(context.Context, string, string) error { return nil }

func (NopJobRepository) Finish(context.Context, string, string, []string) error { return nil }

func (NopJobRepository) Fail(context.Context, string, string, string, []string) error { return nil }

func (NopJobRepository) Get(context.Context, string) (*models.Job, error) {
	return nil, ErrJobNotFound
}
