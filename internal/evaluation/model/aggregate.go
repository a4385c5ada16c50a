package model

import "time"

// HistoryEntry is a previously finished submission of the same participant.
type HistoryEntry struct {
	SubmissionID     int64
	CompetitionID    int64
	ParticipantID    int64
	PhaseNumber      int
	SubmissionNumber int
	SubmittedAt      time.Time
}

// PrivateOutput returns the private output key of the entry.
func (h HistoryEntry) PrivateOutput() string {
	return PathsFor(h.CompetitionID, h.PhaseNumber, h.ParticipantID, h.SubmissionNumber).PrivateOutput
}

// PhaseRef identifies a phase within a competition.
type PhaseRef struct {
	ID     int64
	Number int
}

// CoopetitionRow summarizes a finished submission for collaborative competitions.
type CoopetitionRow struct {
	Username         string
	SubmissionID     int64
	WhenMadePublic   *time.Time
	WhenUnmadePublic *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DownloadCount    int
	SubmissionNumber int
	LikeCount        int
	DislikeCount     int
}

// DownloadRecord is one download of a submission by another user.
type DownloadRecord struct {
	SubmissionID int64
	Owner        string
	DownloadedBy string
	Timestamp    time.Time
}

// ResultsTable is the tabular result export of a phase.
type ResultsTable struct {
	Header []string
	Rows   [][]string
}
