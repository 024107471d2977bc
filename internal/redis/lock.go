package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling/internal/lock"
)

type redisDoctorLocker struct {
	client  redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisDoctorLocker creates a locker that uses a per doctor Redis key, so
// every API instance shares the same exclusion.
func NewRedisDoctorLocker(client redis.UniversalClient, ttl, timeout time.Duration) lock.Locker {
	return &redisDoctorLocker{
		client:  client,
		ttl:     ttl,
		timeout: timeout,
	}
}

func (l *redisDoctorLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:doctor:%s", doctorID.String())
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		_ = l.release(context.WithoutCancel(ctx), key, token)
	}()

	held, cancel := lock.Detach(ctx, l.ttl)
	defer cancel()

	return fn(held)
}

func (l *redisDoctorLocker) acquire(ctx context.Context, key, token string) error {
	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    100 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.NewTimer(l.timeout)
	defer deadline.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("acquire doctor lock: %w", err)
		}
		if ok {
			return nil
		}

		wait := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-deadline.C:
			wait.Stop()
			return lock.ErrNotAcquired
		case <-wait.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisDoctorLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release doctor lock: %w", err)
	}
	return nil
}
