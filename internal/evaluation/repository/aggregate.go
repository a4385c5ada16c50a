package repository

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"codalab/internal/common/db"
	"codalab/internal/evaluation/model"
)

// AggregateRepository answers the read-only queries the scoring bundle is built from.
type AggregateRepository interface {
	// FinishedHistory lists the participant's finished submissions, newest first.
	FinishedHistory(ctx context.Context, participantID int64) ([]model.HistoryEntry, error)

	// CountPhaseSubmissions counts the participant's submissions to a phase.
	CountPhaseSubmissions(ctx context.Context, phaseID, participantID int64) (int, error)

	// CompetitionPhases lists the phases of a competition ordered by number.
	CompetitionPhases(ctx context.Context, competitionID int64) ([]model.PhaseRef, error)

	// CoopetitionRows lists finished submissions of a phase with like counts.
	CoopetitionRows(ctx context.Context, phaseID int64) ([]model.CoopetitionRow, error)

	// ResultsTable exports finished submission scores of a phase. Scores not
	// shown on the leaderboard are included only when includeHidden is set.
	ResultsTable(ctx context.Context, phaseID int64, includeHidden bool) (model.ResultsTable, error)

	// Downloads lists download records of every submission of a competition.
	Downloads(ctx context.Context, competitionID int64) ([]model.DownloadRecord, error)
}

// MySQLAggregateRepository implements AggregateRepository with MySQL.
type MySQLAggregateRepository struct {
	db db.Database
}

func NewAggregateRepository(database db.Database) *MySQLAggregateRepository {
	return &MySQLAggregateRepository{db: database}
}

func (r *MySQLAggregateRepository) FinishedHistory(ctx context.Context, participantID int64) ([]model.HistoryEntry, error) {
	query := `
		SELECT s.id, p.competition_id, s.participant_id, p.phasenumber, s.submission_number, s.submitted_at
		FROM submissions s
		JOIN phases p ON p.id = s.phase_id
		WHERE s.participant_id = ? AND s.status = ?
		ORDER BY s.submitted_at DESC`
	rows, err := r.db.Query(ctx, query, participantID, string(model.StatusFinished))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		if err := rows.Scan(&h.SubmissionID, &h.CompetitionID, &h.ParticipantID, &h.PhaseNumber, &h.SubmissionNumber, &h.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *MySQLAggregateRepository) CountPhaseSubmissions(ctx context.Context, phaseID, participantID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM submissions WHERE phase_id = ? AND participant_id = ?",
		phaseID, participantID,
	).Scan(&n)
	return n, err
}

func (r *MySQLAggregateRepository) CompetitionPhases(ctx context.Context, competitionID int64) ([]model.PhaseRef, error) {
	rows, err := r.db.Query(ctx,
		"SELECT id, phasenumber FROM phases WHERE competition_id = ? ORDER BY phasenumber",
		competitionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PhaseRef
	for rows.Next() {
		var p model.PhaseRef
		if err := rows.Scan(&p.ID, &p.Number); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *MySQLAggregateRepository) CoopetitionRows(ctx context.Context, phaseID int64) ([]model.CoopetitionRow, error) {
	query := `
		SELECT u.username, s.id, s.when_made_public, s.when_unmade_public, s.started_at,
			s.completed_at, s.download_count, s.submission_number,
			(SELECT COUNT(*) FROM submission_likes l WHERE l.submission_id = s.id),
			(SELECT COUNT(*) FROM submission_dislikes d WHERE d.submission_id = s.id)
		FROM submissions s
		JOIN participants pa ON pa.id = s.participant_id
		JOIN users u ON u.id = pa.user_id
		WHERE s.phase_id = ? AND s.status = ?
		ORDER BY s.id`
	rows, err := r.db.Query(ctx, query, phaseID, string(model.StatusFinished))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CoopetitionRow
	for rows.Next() {
		var (
			row                                   model.CoopetitionRow
			madePublic, unmadePublic, started, at sql.NullTime
		)
		if err := rows.Scan(
			&row.Username, &row.SubmissionID, &madePublic, &unmadePublic, &started,
			&at, &row.DownloadCount, &row.SubmissionNumber, &row.LikeCount, &row.DislikeCount,
		); err != nil {
			return nil, err
		}
		row.WhenMadePublic = timePtr(madePublic)
		row.WhenUnmadePublic = timePtr(unmadePublic)
		row.StartedAt = timePtr(started)
		row.CompletedAt = timePtr(at)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *MySQLAggregateRepository) ResultsTable(ctx context.Context, phaseID int64, includeHidden bool) (model.ResultsTable, error) {
	defQuery := "SELECT d.id, d.`key` FROM score_defs d JOIN phases p ON p.competition_id = d.competition_id WHERE p.id = ?"
	if !includeHidden {
		defQuery += " AND d.on_leaderboard = 1"
	}
	defQuery += " ORDER BY d.ordering, d.id"

	defRows, err := r.db.Query(ctx, defQuery, phaseID)
	if err != nil {
		return model.ResultsTable{}, err
	}
	table := model.ResultsTable{Header: []string{"User", "Submission"}}
	column := make(map[int64]int)
	for defRows.Next() {
		var (
			id  int64
			key string
		)
		if err := defRows.Scan(&id, &key); err != nil {
			defRows.Close()
			return model.ResultsTable{}, err
		}
		column[id] = len(table.Header)
		table.Header = append(table.Header, key)
	}
	if err := defRows.Err(); err != nil {
		defRows.Close()
		return model.ResultsTable{}, err
	}
	defRows.Close()

	scoreQuery := `
		SELECT s.id, u.username, s.submission_number, sc.scoredef_id, sc.value
		FROM submissions s
		JOIN participants pa ON pa.id = s.participant_id
		JOIN users u ON u.id = pa.user_id
		LEFT JOIN submission_scores sc ON sc.submission_id = s.id
		WHERE s.phase_id = ? AND s.status = ?
		ORDER BY s.id`
	rows, err := r.db.Query(ctx, scoreQuery, phaseID, string(model.StatusFinished))
	if err != nil {
		return model.ResultsTable{}, err
	}
	defer rows.Close()

	index := make(map[int64]int)
	for rows.Next() {
		var (
			submissionID int64
			username     string
			number       int
			defID        sql.NullInt64
			value        sql.NullFloat64
		)
		if err := rows.Scan(&submissionID, &username, &number, &defID, &value); err != nil {
			return model.ResultsTable{}, err
		}
		i, ok := index[submissionID]
		if !ok {
			row := make([]string, len(table.Header))
			row[0], row[1] = username, strconv.Itoa(number)
			i = len(table.Rows)
			index[submissionID] = i
			table.Rows = append(table.Rows, row)
		}
		if col, ok := column[defID.Int64]; ok && defID.Valid && value.Valid {
			table.Rows[i][col] = strconv.FormatFloat(value.Float64, 'f', -1, 64)
		}
	}
	return table, rows.Err()
}

func (r *MySQLAggregateRepository) Downloads(ctx context.Context, competitionID int64) ([]model.DownloadRecord, error) {
	query := `
		SELECT s.id, owner.username, downloader.username, dr.timestamp
		FROM download_records dr
		JOIN submissions s ON s.id = dr.submission_id
		JOIN phases p ON p.id = s.phase_id
		JOIN participants pa ON pa.id = s.participant_id
		JOIN users owner ON owner.id = pa.user_id
		JOIN users downloader ON downloader.id = dr.user_id
		WHERE p.competition_id = ?
		ORDER BY dr.timestamp`
	rows, err := r.db.Query(ctx, query, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DownloadRecord
	for rows.Next() {
		var d model.DownloadRecord
		if err := rows.Scan(&d.SubmissionID, &d.Owner, &d.DownloadedBy, &d.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ AggregateRepository = (*MySQLAggregateRepository)(nil)
