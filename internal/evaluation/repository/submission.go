package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codalab/internal/common/db"
	"codalab/internal/evaluation/model"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
)

// SubmissionRepository persists submission state owned by the evaluation pipeline.
type SubmissionRepository interface {
	Get(ctx context.Context, submissionID int64) (*model.Submission, error)

	// TransitionStatus moves the submission to status to unless it is already
	// terminal. It returns the status found and whether the update was applied.
	TransitionStatus(ctx context.Context, submissionID int64, to model.SubmissionStatus) (model.SubmissionStatus, bool, error)

	SaveExecutionState(ctx context.Context, submissionID int64, state model.ExecutionState) error
	SaveFiles(ctx context.Context, submissionID int64, files model.SubmissionFiles) error
	SaveExceptionDetails(ctx context.Context, submissionID int64, details string) error

	// SaveMetadata upserts the worker metadata of the prediction or scoring stage.
	SaveMetadata(ctx context.Context, submissionID int64, isPredict bool, metadata map[string]interface{}) error

	// ListStale returns non-terminal submissions not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]int64, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db db.Database
}

// NewSubmissionRepository creates a submission repository.
func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

const submissionSelect = `
	SELECT s.id, s.submission_number, s.status, s.execution_key, s.submitted_at, s.updated_at,
		s.exception_details,
		s.file, s.prediction_runfile, s.prediction_output_file, s.prediction_stdout_file,
		s.prediction_stderr_file, s.runfile, s.inputfile, s.stdout_file, s.stderr_file,
		s.history_file, s.scores_file, s.coopetition_file, s.output_file,
		s.private_output_file, s.detailed_results_file,
		pa.id, u.id, u.username, u.email, u.email_on_submission_finished_successfully,
		p.id, p.competition_id, p.phasenumber, p.input_data, p.reference_data,
		p.scoring_program, p.execution_time_limit, p.is_blind, p.auto_migration,
		c.id, c.title, c.force_submission_to_leaderboard
	FROM submissions s
	JOIN participants pa ON pa.id = s.participant_id
	JOIN users u ON u.id = pa.user_id
	JOIN phases p ON p.id = s.phase_id
	JOIN competitions c ON c.id = p.competition_id
	WHERE s.id = ?
	LIMIT 1`

// Get loads a submission together with its participant, phase and competition.
func (r *MySQLSubmissionRepository) Get(ctx context.Context, submissionID int64) (*model.Submission, error) {
	if submissionID <= 0 {
		return nil, errors.New("submissionID is required")
	}
	var (
		s            model.Submission
		status       string
		executionKey sql.NullString
		details      sql.NullString
		files        [15]sql.NullString
	)
	dest := []interface{}{
		&s.ID, &s.Number, &status, &executionKey, &s.SubmittedAt, &s.UpdatedAt, &details,
	}
	for i := range files {
		dest = append(dest, &files[i])
	}
	dest = append(dest,
		&s.Participant.ID, &s.Participant.UserID, &s.Participant.Username, &s.Participant.Email, &s.Participant.NotifyOnFinish,
		&s.Phase.ID, &s.Phase.CompetitionID, &s.Phase.Number, &s.Phase.InputData, &s.Phase.ReferenceData,
		&s.Phase.ScoringProgram, &s.Phase.ExecutionTimeLimit, &s.Phase.IsBlind, &s.Phase.AutoMigration,
		&s.Competition.ID, &s.Competition.Title, &s.Competition.ForceSubmissionToLeaderboard,
	)
	if err := db.ScanRow(r.db.QueryRow(ctx, submissionSelect, submissionID), ErrSubmissionNotFound, dest...); err != nil {
		return nil, err
	}

	state, err := model.ParseExecutionState(executionKey.String)
	if err != nil {
		return nil, fmt.Errorf("submission %d: %w", submissionID, err)
	}
	s.Status = model.SubmissionStatus(status)
	s.Execution = state
	s.ExceptionDetails = details.String
	s.Files = model.SubmissionFiles{
		Program:           files[0].String,
		PredictionRunfile: files[1].String,
		PredictionOutput:  files[2].String,
		PredictionStdout:  files[3].String,
		PredictionStderr:  files[4].String,
		Runfile:           files[5].String,
		InputFile:         files[6].String,
		Stdout:            files[7].String,
		Stderr:            files[8].String,
		History:           files[9].String,
		Scores:            files[10].String,
		Coopetition:       files[11].String,
		Output:            files[12].String,
		PrivateOutput:     files[13].String,
		DetailedResults:   files[14].String,
	}
	return &s, nil
}

// TransitionStatus locks the submission row, checks the final-state rule and
// writes the new status in one transaction.
func (r *MySQLSubmissionRepository) TransitionStatus(ctx context.Context, submissionID int64, to model.SubmissionStatus) (model.SubmissionStatus, bool, error) {
	var (
		from    model.SubmissionStatus
		applied bool
	)
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		var current string
		row := tx.QueryRow(ctx, "SELECT status FROM submissions WHERE id = ? FOR UPDATE", submissionID)
		if err := db.ScanRow(row, ErrSubmissionNotFound, &current); err != nil {
			return err
		}
		from = model.SubmissionStatus(current)
		if !model.CanTransition(from, to) {
			return nil
		}
		if _, err := tx.Exec(ctx,
			"UPDATE submissions SET status = ?, updated_at = ? WHERE id = ?",
			string(to), time.Now().UTC(), submissionID,
		); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return from, false, err
	}
	return from, applied, nil
}

// SaveExecutionState stores the workflow cursor.
func (r *MySQLSubmissionRepository) SaveExecutionState(ctx context.Context, submissionID int64, state model.ExecutionState) error {
	return r.execOne(ctx,
		"UPDATE submissions SET execution_key = ?, updated_at = ? WHERE id = ?",
		state.Encode(), time.Now().UTC(), submissionID,
	)
}

// SaveFiles stores every artifact reference of the submission.
func (r *MySQLSubmissionRepository) SaveFiles(ctx context.Context, submissionID int64, f model.SubmissionFiles) error {
	query := `
		UPDATE submissions SET
			prediction_runfile = ?, prediction_output_file = ?, prediction_stdout_file = ?,
			prediction_stderr_file = ?, runfile = ?, inputfile = ?, stdout_file = ?, stderr_file = ?,
			history_file = ?, scores_file = ?, coopetition_file = ?, output_file = ?,
			private_output_file = ?, detailed_results_file = ?, updated_at = ?
		WHERE id = ?`
	return r.execOne(ctx, query,
		f.PredictionRunfile, f.PredictionOutput, f.PredictionStdout,
		f.PredictionStderr, f.Runfile, f.InputFile, f.Stdout, f.Stderr,
		f.History, f.Scores, f.Coopetition, f.Output,
		f.PrivateOutput, f.DetailedResults, time.Now().UTC(),
		submissionID,
	)
}

// SaveExceptionDetails stores the diagnostic traceback reported by a worker.
func (r *MySQLSubmissionRepository) SaveExceptionDetails(ctx context.Context, submissionID int64, details string) error {
	return r.execOne(ctx,
		"UPDATE submissions SET exception_details = ?, updated_at = ? WHERE id = ?",
		details, time.Now().UTC(), submissionID,
	)
}

func (r *MySQLSubmissionRepository) SaveMetadata(ctx context.Context, submissionID int64, isPredict bool, metadata map[string]interface{}) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata failed: %w", err)
	}
	query := `
		INSERT INTO submission_metadata (submission_id, is_predict, is_scoring, metadata)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE metadata = VALUES(metadata)`
	_, err = r.db.Exec(ctx, query, submissionID, isPredict, !isPredict, string(payload))
	return err
}

func (r *MySQLSubmissionRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id FROM submissions
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`
	rows, err := r.db.Query(ctx, query, string(model.StatusSubmitted), string(model.StatusRunning), before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// execOne runs a single-row update. Rows affected is not checked: MySQL
// reports 0 for rows whose values did not change.
func (r *MySQLSubmissionRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	_, err := r.db.Exec(ctx, query, args...)
	return err
}

var _ SubmissionRepository = (*MySQLSubmissionRepository)(nil)
