package model

import "encoding/json"

// JobMessage is the envelope exchanged on the jobs, compute and response topics.
type JobMessage struct {
	ID       string          `json:"id"`
	TaskType string          `json:"task_type"`
	TaskArgs json.RawMessage `json:"task_args"`
}

// RunTaskArgs asks a compute worker to execute a bundle.
type RunTaskArgs struct {
	BundleID           string `json:"bundle_id"`
	ContainerName      string `json:"container_name"`
	ReplyTo            string `json:"reply_to"`
	ExecutionTimeLimit int    `json:"execution_time_limit"`
	Predict            bool   `json:"predict"`
}

// WorkerUpdate is the progress report a compute worker sends for a job.
type WorkerUpdate struct {
	Status string             `json:"status"`
	Extra  *WorkerUpdateExtra `json:"extra,omitempty"`
}

// WorkerUpdateExtra carries optional diagnostics.
type WorkerUpdateExtra struct {
	Traceback string                 `json:"traceback,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Traceback returns the reported traceback, if any.
func (u WorkerUpdate) Traceback() string {
	if u.Extra == nil {
		return ""
	}
	return u.Extra.Traceback
}

// Metadata returns the reported worker metadata, if any.
func (u WorkerUpdate) Metadata() map[string]interface{} {
	if u.Extra == nil {
		return nil
	}
	return u.Extra.Metadata
}

// Worker status strings.
const (
	WorkerRunning  = "running"
	WorkerFinished = "finished"
	WorkerFailed   = "failed"
)
