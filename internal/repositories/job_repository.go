package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"upscaler/internal/httpkit"
	"upscaler/internal/models"
)

var ErrJobNotFound = errors.New("job not found")

const jobsSchema = `
CREATE TABLE IF NOT EXISTS upscale_jobs (
	id          TEXT PRIMARY KEY,
	task_type   TEXT NOT NULL,
	status      TEXT NOT NULL,
	session_id  TEXT,
	prompt_id   TEXT,
	warnings    TEXT[] NOT NULL DEFAULT '{}',
	error_code  TEXT,
	error_text  TEXT,
	output_ref  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
)`

// JobRepository persists job records in Postgres.
type JobRepository struct {
	db *pgxpool.Pool
}

func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

// EnsureSchema creates the jobs table when it does not exist.
func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, jobsSchema)
	return err
}

// Start records a job as running. A retried job id starts over.
func (r *JobRepository) Start(ctx context.Context, id, taskType, sessionID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO upscale_jobs (id, task_type, status, session_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE
		SET task_type=EXCLUDED.task_type, status=EXCLUDED.status, session_id=EXCLUDED.session_id,
		    prompt_id=NULL, warnings='{}', error_code=NULL, error_text=NULL, output_ref=NULL,
		    created_at=now(), finished_at=NULL
	`, id, taskType, string(models.JobRunning), sessionID)
	return err
}

func (r *JobRepository) SetPromptID(ctx context.Context, id, promptID string) error {
	return r.update(ctx, `UPDATE upscale_jobs SET prompt_id=$2 WHERE id=$1`, id, promptID)
}

func (r *JobRepository) Finish(ctx context.Context, id, outputRef string, warnings []string) error {
	return r.update(ctx, `
		UPDATE upscale_jobs
		SET status=$2, output_ref=NULLIF($3,''), warnings=$4, finished_at=now()
		WHERE id=$1
	`, id, string(models.JobCompleted), outputRef, nonNil(warnings))
}

func (r *JobRepository) Fail(ctx context.Context, id, code, message string, warnings []string) error {
	if len(message) > 2000 {
		message = message[:2000]
	}
	return r.update(ctx, `
		UPDATE upscale_jobs
		SET status=$2, error_code=$3, error_text=$4, warnings=$5, finished_at=now()
		WHERE id=$1
	`, id, string(models.JobFailed), code, message, nonNil(warnings))
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var (
		j                                      models.Job
		status                                 string
		session, prompt, code, errText, outRef *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, task_type, status, session_id, prompt_id, warnings,
		       error_code, error_text, output_ref, created_at, finished_at
		FROM upscale_jobs
		WHERE id=$1
	`, id).Scan(
		&j.ID,
		&j.TaskType,
		&status,
		&session,
		&prompt,
		&j.Warnings,
		&code,
		&errText,
		&outRef,
		&j.CreatedAt,
		&j.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || httpkit.IsUndefinedTable(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.SessionID = deref(session)
	j.PromptID = deref(prompt)
	j.ErrorCode = deref(code)
	j.ErrorText = deref(errText)
	j.OutputRef = deref(outRef)
	return &j, nil
}

func (r *JobRepository) update(ctx context.Context, sql string, args ...any) error {
	cmd, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
