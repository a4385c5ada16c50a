package repository

import (
	"context"
	"strconv"

	"codalab/internal/common/cache"
	appErr "codalab/pkg/errors"
)

const leaderboardKeyPrefix = "leaderboard:phase:"

// LeaderboardRepository keeps at most one entry per participant and phase.
type LeaderboardRepository interface {
	// Add points the participant's phase entry at submissionID.
	Add(ctx context.Context, phaseID, participantID, submissionID int64) error

	// Entry returns the submission on the leaderboard, ok is false when none.
	Entry(ctx context.Context, phaseID, participantID int64) (submissionID int64, ok bool, err error)
}

// RedisLeaderboardRepository stores a phase leaderboard as a Redis hash.
type RedisLeaderboardRepository struct {
	cache cache.HashOps
}

func NewLeaderboardRepository(hashOps cache.HashOps) *RedisLeaderboardRepository {
	return &RedisLeaderboardRepository{cache: hashOps}
}

func (r *RedisLeaderboardRepository) Add(ctx context.Context, phaseID, participantID, submissionID int64) error {
	key := leaderboardKey(phaseID)
	field := strconv.FormatInt(participantID, 10)
	if err := r.cache.HSet(ctx, key, field, strconv.FormatInt(submissionID, 10)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "update leaderboard %s failed", key)
	}
	return nil
}

func (r *RedisLeaderboardRepository) Entry(ctx context.Context, phaseID, participantID int64) (int64, bool, error) {
	val, err := r.cache.HGet(ctx, leaderboardKey(phaseID), strconv.FormatInt(participantID, 10))
	if err != nil {
		return 0, false, appErr.Wrapf(err, appErr.CacheError, "read leaderboard failed")
	}
	if val == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, appErr.Wrapf(err, appErr.CacheError, "invalid leaderboard entry %q", val)
	}
	return id, true, nil
}

func leaderboardKey(phaseID int64) string {
	return leaderboardKeyPrefix + strconv.FormatInt(phaseID, 10)
}

var _ LeaderboardRepository = (*RedisLeaderboardRepository)(nil)
