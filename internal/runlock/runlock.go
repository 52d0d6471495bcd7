package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLocked is returned when another run holds the lock
	ErrLocked = errors.New("run lock is held")
	// ErrLockLost is returned when a lease expired and was taken over
	ErrLockLost = errors.New("run lock was lost")
)

// Lease is a held lock
type Lease interface {
	// Extend pushes the expiry ttl into the future. It fails with
	// ErrLockLost once the lock expired and someone else took it.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release gives the lock up. Releasing a lost lease is a no-op.
	Release(ctx context.Context) error
}

// Locker grants mutual exclusion between overlapping runs
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Hold keeps lease alive until the returned stop func is called. The
// returned context is cancelled when the lease cannot be extended, so work
// done under it stops once another run may have started.
func Hold(ctx context.Context, lease Lease, ttl time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx, ttl); err != nil {
					if ctx.Err() != nil {
						return
					}
					logrus.WithError(err).Error("Failed to extend run lock, stopping run")
					cancel()
					return
				}
			}
		}
	}()

	return ctx, func() {
		cancel()
		<-done
	}
}

type localEntry struct {
	token   string
	expires time.Time
}

// LocalLocker serializes runs within one process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

// Acquire takes key for ttl unless an unexpired holder has it
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[key]; ok && l.now().Before(e.expires) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: l.now().Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

func (le *localLease) Extend(ctx context.Context, ttl time.Duration) error {
	l := le.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.held[le.key]
	if !ok || e.token != le.token {
		return fmt.Errorf("%w: %s", ErrLockLost, le.key)
	}
	e.expires = l.now().Add(ttl)
	l.held[le.key] = e
	return nil
}

func (le *localLease) Release(ctx context.Context) error {
	l := le.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	// a lock that expired and was taken again belongs to someone else
	if e, ok := l.held[le.key]; ok && e.token == le.token {
		delete(l.held, le.key)
	}
	return nil
}

// releaseScript deletes the key only when it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only when the key still carries our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serializes runs across processes sharing a Redis instance
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker backed by client
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client, prefix: "lead-nurture:lock:"}
}

// Acquire sets key with a random token unless it already exists
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	return &redisLease{client: l.client, key: l.prefix + key, token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (le *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, le.client, []string{le.key}, le.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", le.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, le.key)
	}
	return nil
}

func (le *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", le.key, err)
	}
	return nil
}
