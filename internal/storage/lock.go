package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	syncerrors "github.com/provider-sync/internal/errors"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when the caller still owns it, so
// a worker whose lock expired cannot release a lock re-acquired by another.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// JobLock provides per-connection mutual exclusion for sync jobs. Acquisition
// is non-blocking: a held lock means a sync is already running, which callers
// treat as an acknowledged no-op, not a failure. The TTL bounds how long a
// crashed worker can keep a connection locked.
type JobLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewJobLock creates a job lock manager backed by Redis
func NewJobLock(client *redis.Client, ttl time.Duration) *JobLock {
	return &JobLock{client: client, ttl: ttl}
}

// LockHandle represents an acquired lock. Release it when the sync finishes,
// success or failure.
type LockHandle struct {
	key   string
	owner string
	lock  *JobLock
}

// Acquire takes the sync lock for a connection. Returns ErrAlreadyInProgress
// when another sync holds it.
func (l *JobLock) Acquire(ctx context.Context, connectionID uuid.UUID) (*LockHandle, error) {
	key := lockKey(connectionID)
	owner := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !ok {
		return nil, syncerrors.ErrAlreadyInProgress
	}

	return &LockHandle{key: key, owner: owner, lock: l}, nil
}

// Release frees the lock if this handle still owns it
func (h *LockHandle) Release(ctx context.Context) error {
	err := h.lock.client.Eval(ctx, releaseScript, []string{h.key}, h.owner).Err()
	if err != nil {
		return fmt.Errorf("failed to release sync lock: %w", err)
	}
	return nil
}

// IsLocked reports whether a sync currently holds the lock for a connection
func (l *JobLock) IsLocked(ctx context.Context, connectionID uuid.UUID) (bool, error) {
	count, err := l.client.Exists(ctx, lockKey(connectionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check sync lock: %w", err)
	}
	return count > 0, nil
}

func lockKey(connectionID uuid.UUID) string {
	return fmt.Sprintf("sync:lock:%s", connectionID)
}
