package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/saasbilling/internal/config"
	"go.uber.org/zap"
)

const keySessionBucket = "saasbilling:sessions:rate:%s"

var (
	ErrRateLimited       = errors.New("rate_limited")
	ErrSessionInProgress = errors.New("billing_session_in_progress")
)

// SessionLimiter guards checkout and portal session creation per
// organization: a token bucket caps the rate and a short lock rejects a
// second request while one is in flight. A nil limiter allows everything.
type SessionLimiter struct {
	bucket *TokenBucket
	lock   *SessionLock
	log    *zap.Logger
	rate   float64
	burst  int
}

func NewSessionLimiter(client redis.UniversalClient, cfg config.Config, log *zap.Logger) *SessionLimiter {
	log = log.Named("ratelimit.sessions")
	limits := cfg.Limits
	if client == nil || limits.SessionsPerMinute <= 0 || limits.SessionBurst <= 0 {
		log.Info("billing session rate limit disabled")
		return nil
	}

	lockTTL := limits.SessionLockTTL
	if lockTTL <= 0 {
		lockTTL = 15 * time.Second
	}
	return &SessionLimiter{
		bucket: NewTokenBucket(client),
		lock:   NewSessionLock(client, lockTTL),
		log:    log,
		rate:   float64(limits.SessionsPerMinute) / 60,
		burst:  limits.SessionBurst,
	}
}

func (l *SessionLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Acquire admits one session request for orgSlug. The returned release func
// must be called when the request finishes. retryAfter is set with
// ErrRateLimited. Redis failures fail open.
func (l *SessionLimiter) Acquire(ctx context.Context, orgSlug string) (release func(), retryAfter time.Duration, err error) {
	release = func() {}
	if !l.Enabled() {
		return release, 0, nil
	}
	orgSlug = strings.ToLower(strings.TrimSpace(orgSlug))

	result, err := l.bucket.Allow(ctx, fmt.Sprintf(keySessionBucket, orgSlug), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing request", zap.String("org_slug", orgSlug), zap.Error(err))
		return release, 0, nil
	}
	if !result.Allowed {
		return release, result.RetryAfter, ErrRateLimited
	}

	lease, err := l.lock.Acquire(ctx, orgSlug)
	if errors.Is(err, ErrSessionInProgress) {
		return release, 0, err
	}
	if err != nil {
		l.log.Warn("session lock failed, allowing request", zap.String("org_slug", orgSlug), zap.Error(err))
		return release, 0, nil
	}

	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn("session lock release failed", zap.String("org_slug", orgSlug), zap.Error(err))
		}
	}, 0, nil
}
