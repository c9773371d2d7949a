package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by Acquire when an execution is already in flight
// for the identity.
var ErrLockHeld = errors.New("execution lock already held")

// LockTTL bounds how long an abandoned lock can outlive its session. It is a
// safety net for the case where the explicit release never happens, and is
// deliberately longer than the longest permitted execution.
const LockTTL = 360 * time.Second

const lockKeyPrefix = "executionLock"

// ExecutionLock is the single-flight execution mutex, one key per token
// identity. Atomicity comes entirely from the store's set-if-absent.
type ExecutionLock struct {
	rdb *redis.Client
}

func NewExecutionLock(rdb *redis.Client) *ExecutionLock {
	return &ExecutionLock{rdb: rdb}
}

// Acquire creates the lock for identity if, and only if, it does not exist.
func (l *ExecutionLock) Acquire(ctx context.Context, identity string) error {
	ok, err := l.rdb.SetNX(ctx, lockKeyPrefix+":"+identity, "1", LockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquiring execution lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Release deletes the lock for identity. Releasing a lock that does not exist
// is a no-op, so Release is safe to call more than once.
func (l *ExecutionLock) Release(ctx context.Context, identity string) error {
	if err := l.rdb.Del(ctx, lockKeyPrefix+":"+identity).Err(); err != nil {
		return fmt.Errorf("releasing execution lock: %w", err)
	}
	return nil
}

// Held reports whether the lock for identity currently exists.
func (l *ExecutionLock) Held(ctx context.Context, identity string) (bool, error) {
	n, err := l.rdb.Exists(ctx, lockKeyPrefix+":"+identity).Result()
	if err != nil {
		return false, fmt.Errorf("checking execution lock: %w", err)
	}
	return n > 0, nil
}
