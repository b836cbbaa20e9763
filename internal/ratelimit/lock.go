package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keySessionLock = "saasbilling:sessions:lock:%s"

// releaseIfOwner deletes the lock only while it still carries the lease token.
const releaseIfOwner = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// SessionLock allows one in-flight billing session per organization.
type SessionLock struct {
	client  redis.UniversalClient
	release *redis.Script
	ttl     time.Duration
}

// Lease is a held SessionLock. The zero value releases nothing.
type Lease struct {
	lock  *SessionLock
	key   string
	token string
}

func NewSessionLock(client redis.UniversalClient, ttl time.Duration) *SessionLock {
	if client == nil {
		return nil
	}
	return &SessionLock{
		client:  client,
		release: redis.NewScript(releaseIfOwner),
		ttl:     ttl,
	}
}

// Acquire returns ErrSessionInProgress while another request holds the
// organization's lock.
func (l *SessionLock) Acquire(ctx context.Context, orgSlug string) (Lease, error) {
	if l == nil || l.client == nil {
		return Lease{}, errors.New("session lock not configured")
	}
	if orgSlug == "" {
		return Lease{}, errors.New("session lock organization is empty")
	}
	if l.ttl <= 0 {
		return Lease{}, errors.New("session lock ttl must be positive")
	}

	key := fmt.Sprintf(keySessionLock, orgSlug)
	token := "session:" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return Lease{}, err
	}
	if !ok {
		return Lease{}, ErrSessionInProgress
	}
	return Lease{lock: l, key: key, token: token}, nil
}

func (le Lease) Release(ctx context.Context) error {
	if le.lock == nil || le.token == "" {
		return nil
	}
	return le.lock.release.Run(ctx, le.lock.client, []string{le.key}, le.token).Err()
}
