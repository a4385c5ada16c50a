package repository

import (
	"context"
	"strconv"
	"sync"
	"time"

	"codalab/internal/common/cache"
	appErr "codalab/pkg/errors"
	"codalab/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const submissionLockPrefix = "eval:lock:submission:"

// SubmissionLocker serializes writers of one submission.
type SubmissionLocker interface {
	// Lock blocks until the lock for submissionID is held or the wait timeout
	// elapses. The returned func releases it.
	Lock(ctx context.Context, submissionID int64) (func(), error)
}

// LockConfig tunes the Redis lock. A held lock is renewed every RenewInterval
// so it outlives TTL for as long as its holder runs.
type LockConfig struct {
	TTL           time.Duration
	WaitTimeout   time.Duration
	RetryInterval time.Duration
	RenewInterval time.Duration
}

// RedisSubmissionLocker implements SubmissionLocker with a token lock in Redis.
type RedisSubmissionLocker struct {
	cache cache.LockOps
	cfg   LockConfig
}

func NewSubmissionLocker(lockOps cache.LockOps, cfg LockConfig) *RedisSubmissionLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 3
	}
	return &RedisSubmissionLocker{cache: lockOps, cfg: cfg}
}

func (l *RedisSubmissionLocker) Lock(ctx context.Context, submissionID int64) (func(), error) {
	key := submissionLockPrefix + strconv.FormatInt(submissionID, 10)
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.cache.TryLock(waitCtx, key, token, l.cfg.TTL)
		if err != nil && waitCtx.Err() == nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "acquire lock %s failed", key)
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, appErr.New(appErr.LockFailed).
				WithMessagef("submission %d is locked by another writer", submissionID).
				WithDetail("key", key)
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	go l.renew(ctx, key, token, stop)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := l.cache.Unlock(releaseCtx, key, token); err != nil {
				logger.Warn(ctx, "release submission lock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
	return unlock, nil
}

// renew extends the lock until stop is closed or the lock is no longer ours.
func (l *RedisSubmissionLocker) renew(ctx context.Context, key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		extendCtx, cancel := context.WithTimeout(context.Background(), l.cfg.RenewInterval)
		ok, err := l.cache.ExtendLock(extendCtx, key, token, l.cfg.TTL)
		cancel()
		if err != nil {
			logger.Warn(ctx, "extend submission lock failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if !ok {
			logger.Error(ctx, "submission lock lost", zap.String("key", key))
			return
		}
	}
}

var _ SubmissionLocker = (*RedisSubmissionLocker)(nil)
