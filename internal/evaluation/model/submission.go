package model

import "time"

// SubmissionStatus is the evaluation state of a submission.
type SubmissionStatus string

const (
	StatusSubmitted SubmissionStatus = "submitted"
	StatusRunning   SubmissionStatus = "running"
	StatusFinished  SubmissionStatus = "finished"
	StatusFailed    SubmissionStatus = "failed"
	StatusCancelled SubmissionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s SubmissionStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusRunning, StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a submission in from may move to to.
// Terminal states are final; everything else may be overwritten.
func CanTransition(from, to SubmissionStatus) bool {
	return !from.IsTerminal() && to.Valid()
}

// Participant is the competitor who owns a submission.
type Participant struct {
	ID             int64
	UserID         int64
	Username       string
	Email          string
	NotifyOnFinish bool
}

// Phase is one stage of a competition submissions are made against.
type Phase struct {
	ID                 int64
	CompetitionID      int64
	Number             int
	InputData          string
	ReferenceData      string
	ScoringProgram     string
	ExecutionTimeLimit int
	IsBlind            bool
	AutoMigration      bool
}

// Competition holds the competition settings the pipeline reads.
type Competition struct {
	ID                           int64
	Title                        string
	ForceSubmissionToLeaderboard bool
}

// SubmissionFiles are the artifact keys attached to a submission.
// Empty means not set.
type SubmissionFiles struct {
	Program           string
	PredictionRunfile string
	PredictionOutput  string
	PredictionStdout  string
	PredictionStderr  string
	Runfile           string
	InputFile         string
	Stdout            string
	Stderr            string
	History           string
	Scores            string
	Coopetition       string
	Output            string
	PrivateOutput     string
	DetailedResults   string
}

// Submission is a participant's entry to a competition phase.
type Submission struct {
	ID               int64
	Number           int
	Participant      Participant
	Phase            Phase
	Competition      Competition
	Status           SubmissionStatus
	Execution        ExecutionState
	SubmittedAt      time.Time
	UpdatedAt        time.Time
	Files            SubmissionFiles
	ExceptionDetails string
}

// Paths returns the artifact layout of the submission.
func (s *Submission) Paths() ArtifactPaths {
	return PathsFor(s.Competition.ID, s.Phase.Number, s.Participant.ID, s.Number)
}
