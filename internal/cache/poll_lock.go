package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lock only if it still holds our token
const releaseScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`

// PollLock serializes task pickup per machine across control plane replicas.
// A second poll for the same machine while one is in flight is refused.
type PollLock struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPollLock creates a poll lock. The TTL bounds how long a crashed holder blocks.
func NewPollLock(rdb *redis.Client, ttl time.Duration) *PollLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PollLock{rdb: rdb, ttl: ttl}
}

// Acquire tries to take the lock for machineID. ok is false when another poll holds it.
func (l *PollLock) Acquire(ctx context.Context, machineID string) (release func(), ok bool, err error) {
	key := fmt.Sprintf("fleet:poll:%s", machineID)
	token := uuid.NewString()

	ok, err = l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire poll lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		// detached from the request context so a cancelled request still unlocks
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.rdb.Eval(ctx, releaseScript, []string{key}, token)
	}
	return release, true, nil
}
