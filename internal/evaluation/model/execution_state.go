package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExecutionState records which evaluation stages have been dispatched and
// under which job. It is the durable cursor used to resume after a callback.
type ExecutionState struct {
	PredictJob string `json:"predict,omitempty"`
	ScoreJob   string `json:"score,omitempty"`
}

// HasPrediction reports whether a prediction stage was dispatched.
func (s ExecutionState) HasPrediction() bool { return s.PredictJob != "" }

// HasScore reports whether a scoring stage was dispatched.
func (s ExecutionState) HasScore() bool { return s.ScoreJob != "" }

// Current returns the job whose worker updates drive the submission. Once a
// scoring stage was dispatched the prediction job is superseded.
func (s ExecutionState) Current() string {
	if s.HasScore() {
		return s.ScoreJob
	}
	return s.PredictJob
}

// WithPredict returns the state recording a fresh prediction stage.
// A prediction always starts a new evaluation, so any score job is dropped.
func (s ExecutionState) WithPredict(jobID string) ExecutionState {
	return ExecutionState{PredictJob: jobID}
}

// WithScore returns the state with the scoring job merged in.
func (s ExecutionState) WithScore(jobID string) ExecutionState {
	s.ScoreJob = jobID
	return s
}

// Encode serializes the state for the execution_key column.
func (s ExecutionState) Encode() string {
	if s == (ExecutionState{}) {
		return ""
	}
	data, _ := json.Marshal(s)
	return string(data)
}

// ParseExecutionState decodes the execution_key column. Empty input is the zero state.
func ParseExecutionState(raw string) (ExecutionState, error) {
	var state ExecutionState
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return ExecutionState{}, fmt.Errorf("decode execution state: %w", err)
	}
	return state, nil
}
