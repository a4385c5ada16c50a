package repository

import (
	"context"
	"errors"

	"codalab/internal/common/db"
	"codalab/internal/evaluation/model"
)

var ErrScoreDefNotFound = errors.New("score definition not found")

// ScoreRepository reads score definitions and stores scores.
type ScoreRepository interface {
	FindDef(ctx context.Context, competitionID int64, key string) (*model.ScoreDef, error)

	// Create stores a score. Scores are immutable: a second write for the same
	// submission and definition is ignored and reported as not created.
	Create(ctx context.Context, score model.Score) (bool, error)
}

// MySQLScoreRepository implements ScoreRepository with MySQL.
type MySQLScoreRepository struct {
	db db.Database
}

func NewScoreRepository(database db.Database) *MySQLScoreRepository {
	return &MySQLScoreRepository{db: database}
}

func (r *MySQLScoreRepository) FindDef(ctx context.Context, competitionID int64, key string) (*model.ScoreDef, error) {
	query := "SELECT id, competition_id, `key`, on_leaderboard FROM score_defs WHERE competition_id = ? AND `key` = ? LIMIT 1"
	var def model.ScoreDef
	row := r.db.QueryRow(ctx, query, competitionID, key)
	if err := db.ScanRow(row, ErrScoreDefNotFound, &def.ID, &def.CompetitionID, &def.Key, &def.OnLeaderboard); err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *MySQLScoreRepository) Create(ctx context.Context, score model.Score) (bool, error) {
	query := "INSERT INTO submission_scores (submission_id, scoredef_id, value) VALUES (?, ?, ?)"
	if _, err := r.db.Exec(ctx, query, score.SubmissionID, score.ScoreDefID, score.Value); err != nil {
		if _, dup := db.DuplicateKey(err); dup {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var _ ScoreRepository = (*MySQLScoreRepository)(nil)
