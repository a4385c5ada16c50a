package service

import (
	"context"
	"fmt"
	"time"

	"codalab/internal/evaluation/model"
	"codalab/internal/evaluation/repository"
	appErr "codalab/pkg/errors"
	"codalab/pkg/metrics"
	"codalab/pkg/utils/logger"

	"go.uber.org/zap"
)

// TimedOutDetails is stored on submissions the watchdog fails.
const TimedOutDetails = "evaluation timed out"

// WatchdogConfig tunes the stale submission sweep.
type WatchdogConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Watchdog fails submissions that stopped making progress, e.g. after a lost
// worker reply or a scoring stage that could not be entered.
type Watchdog struct {
	submissions repository.SubmissionRepository
	locker      repository.SubmissionLocker
	metrics     *metrics.Manager
	cfg         WatchdogConfig
	now         func() time.Time
}

// NewWatchdog creates a watchdog.
func NewWatchdog(submissions repository.SubmissionRepository, locker repository.SubmissionLocker, m *metrics.Manager, cfg WatchdogConfig) (*Watchdog, error) {
	if submissions == nil {
		return nil, fmt.Errorf("submission repository is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("submission locker is required")
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale-after must be positive")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Watchdog{submissions: submissions, locker: locker, metrics: m, cfg: cfg, now: time.Now}, nil
}

// Run sweeps every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	logger.Info(ctx, "watchdog started", zap.Duration("interval", w.cfg.Interval), zap.Duration("stale_after", w.cfg.StaleAfter))
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "watchdog stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				logger.Error(ctx, "watchdog sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep fails one batch of stale submissions and returns how many it failed.
// Candidates are listed by StaleAfter alone and then checked against their
// own phase deadline.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.cfg.StaleAfter)
	ids, err := w.submissions.ListStale(ctx, cutoff, w.cfg.BatchSize)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "list stale submissions failed")
	}
	expired := 0
	for _, id := range ids {
		ok, err := w.expire(logger.WithSubmission(ctx, id), id)
		if err != nil {
			logger.Warn(ctx, "expire submission failed", zap.Int64("submission_id", id), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// deadline is when a submission last updated at updatedAt counts as stale.
// Phases with a long execution time limit get that much extra grace.
func (w *Watchdog) deadline(sub *model.Submission) time.Time {
	limit := time.Duration(sub.Phase.ExecutionTimeLimit) * time.Second
	return sub.UpdatedAt.Add(w.cfg.StaleAfter + limit)
}

func (w *Watchdog) expire(ctx context.Context, submissionID int64) (bool, error) {
	unlock, err := w.locker.Lock(ctx, submissionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	// Re-read under the lock; a callback may have landed since the listing.
	sub, err := w.submissions.Get(ctx, submissionID)
	if err != nil {
		return false, err
	}
	if sub.Status.IsTerminal() || w.now().Before(w.deadline(sub)) {
		return false, nil
	}
	if err := w.submissions.SaveExceptionDetails(ctx, submissionID, TimedOutDetails); err != nil {
		return false, err
	}
	_, applied, err := transitionStatus(ctx, w.submissions, w.metrics, submissionID, model.StatusFailed)
	if err != nil {
		return false, err
	}
	if applied {
		w.metrics.IncWatchdogExpired()
		logger.Warn(ctx, "submission expired", zap.String("status", string(sub.Status)), zap.Time("updated_at", sub.UpdatedAt))
	}
	return applied, nil
}
