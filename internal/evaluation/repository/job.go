package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"codalab/internal/common/db"
	"codalab/internal/evaluation/model"
)

var ErrJobNotFound = errors.New("job not found")

// JobRepository persists jobs.
type JobRepository interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status model.JobStatus, info json.RawMessage) error
}

// MySQLJobRepository implements JobRepository with MySQL.
type MySQLJobRepository struct {
	db db.Database
}

func NewJobRepository(database db.Database) *MySQLJobRepository {
	return &MySQLJobRepository{db: database}
}

func (r *MySQLJobRepository) Create(ctx context.Context, job *model.Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" || job.TaskType == "" {
		return errors.New("job id and task type are required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	query := `
		INSERT INTO jobs (id, task_type, task_args, status, info, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(ctx, query,
		job.ID, job.TaskType, nullableJSON(job.TaskArgs), string(job.Status), nullableJSON(job.Info),
		job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (r *MySQLJobRepository) Get(ctx context.Context, jobID string) (*model.Job, error) {
	if jobID == "" {
		return nil, errors.New("jobID is required")
	}
	query := `
		SELECT id, task_type, task_args, status, info, created_at, updated_at
		FROM jobs WHERE id = ? LIMIT 1`
	var (
		job    model.Job
		args   []byte
		info   []byte
		status string
	)
	err := db.ScanRow(r.db.QueryRow(ctx, query, jobID), ErrJobNotFound,
		&job.ID, &job.TaskType, &args, &status, &info, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if len(args) > 0 {
		job.TaskArgs = json.RawMessage(args)
	}
	if len(info) > 0 {
		job.Info = json.RawMessage(info)
	}
	return &job, nil
}

func (r *MySQLJobRepository) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus, info json.RawMessage) error {
	query := "UPDATE jobs SET status = ?, info = COALESCE(?, info), updated_at = ? WHERE id = ?"
	_, err := r.db.Exec(ctx, query, string(status), nullableJSON(info), time.Now().UTC(), jobID)
	return err
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var _ JobRepository = (*MySQLJobRepository)(nil)
