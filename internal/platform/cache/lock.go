package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// ErrLockHeld is returned when the lock stays taken past the wait budget.
var ErrLockHeld = errors.New("platform/cache: lock held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker hands out short lived Redis locks. Each lock carries a random token
// so only its holder can release or extend it.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewLocker builds a Locker. ttl bounds how long a crashed holder blocks
// others; wait bounds how long Acquire polls for a taken lock.
func NewLocker(client redis.UniversalClient, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return &Locker{client: client, ttl: ttl, wait: wait, retry: 50 * time.Millisecond}
}

// Acquire takes key, polling until wait elapses. The lock expires after ttl
// whether or not it was released.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := l.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return func() { l.release(ctx, key, token) }, nil
}

// Hold takes key like Acquire and extends it every ttl/3 until released, so
// the lock outlives ttl while the holder is alive. Renewal stops once the
// token no longer matches.
func (l *Locker) Hold(ctx context.Context, key string) (func(), error) {
	token, err := l.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(context.WithoutCancel(ctx), key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(ctx, key, token)
		})
	}, nil
}

func (l *Locker) acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("platform/cache: acquire %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: %s", ErrLockHeld, key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *Locker) release(ctx context.Context, key, token string) {
	// Release must run even when the caller's context is done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}

func (l *Locker) keepAlive(ctx context.Context, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, interval)
			n, err := renewScript.Run(renewCtx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			// Transient errors are retried on the next tick.
			if err == nil && n == 0 {
				return
			}
		}
	}
}

// UserLocker serializes access changes per user across processes.
type UserLocker struct {
	*Locker
}

// NewUserLocker wraps l for per-user access locks.
func NewUserLocker(l *Locker) UserLocker {
	return UserLocker{Locker: l}
}

// Lock takes the access lock of userID.
func (u UserLocker) Lock(ctx context.Context, userID int64) (func(), error) {
	return u.Acquire(ctx, shared.AccessLockKey(userID))
}
