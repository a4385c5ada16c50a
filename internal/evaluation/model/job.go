package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// Task types carried by job and queue messages.
const (
	TaskEvaluateSubmission = "evaluate_submission"
	TaskEcho               = "echo"
	TaskSendMassEmail      = "send_mass_email"

	// Sent to compute workers.
	TaskRun = "run"
	// Sent back by compute workers.
	TaskRunUpdate = "run_update"
)

// Job tracks one asynchronous unit of work. Jobs are never reused.
type Job struct {
	ID        string          `json:"id"`
	TaskType  string          `json:"task_type"`
	TaskArgs  json.RawMessage `json:"task_args"`
	Status    JobStatus       `json:"status"`
	Info      json.RawMessage `json:"info,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EvaluateArgs are the task args of an evaluate_submission job.
type EvaluateArgs struct {
	SubmissionID int64 `json:"submission_id"`
	Predict      bool  `json:"predict"`
}

// EchoArgs are the task args of an echo job.
type EchoArgs struct {
	Text string `json:"message"`
}

// MassEmailArgs are the task args of a send_mass_email job.
type MassEmailArgs struct {
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	HTML       bool     `json:"html"`
	FromEmail  string   `json:"from_email"`
	Recipients []string `json:"to_emails"`
}

// TaskResult is what a job task reports back to the job runner.
type TaskResult struct {
	Status JobStatus
	Info   map[string]interface{}
}
