package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"commitchain/core/hub"
)

// ErrLeaseHeld is returned when another runner holds the tick lease.
var ErrLeaseHeld = errors.New("scheduler: tick lease held elsewhere")

// ErrStepPanicked wraps a panic recovered from a step.
var ErrStepPanicked = errors.New("scheduler: step panicked")

// Lease guards a tick. Acquire returns a release function or ErrLeaseHeld.
type Lease interface {
	Acquire(ctx context.Context) (func(), error)
}

// LocalLease serialises ticks inside one process.
type LocalLease struct {
	mu sync.Mutex
}

// NewLocalLease returns an unheld in-process lease.
func NewLocalLease() *LocalLease {
	return &LocalLease{}
}

// Acquire implements Lease.
func (l *LocalLease) Acquire(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrLeaseHeld
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

// releaseScript deletes the key only while it still carries our token so an
// expired lease taken over by another runner is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLease guards ticks across processes sharing a redis instance. The
// key expires after ttl so a crashed holder cannot wedge the operator.
type RedisLease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisLease returns a lease stored under key.
func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration) (*RedisLease, error) {
	if client == nil {
		return nil, fmt.Errorf("scheduler: redis client required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("scheduler: lease key required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("scheduler: lease ttl must be positive")
	}
	return &RedisLease{client: client, key: key, ttl: ttl}, nil
}

// Acquire implements Lease with SET NX PX.
func (l *RedisLease) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, hub.Unavailable("acquire redis lease", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
		})
	}, nil
}
