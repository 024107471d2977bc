package lock

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

var ErrNotAcquired = errors.New("doctor lock not acquired")

// Locker guards booking critical sections per doctor.
//
// fn runs with a context detached from the caller's cancellation and bounded
// by the lock TTL: once the lock is held the work runs to commit or abort.
// Callers cancelled before acquisition get ctx.Err() and fn never runs.
type Locker interface {
	WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error
}

const shardCount = 32

// MemoryLocker is a single-process Locker made of channel semaphores. Doctors
// hash onto a fixed set of shards.
type MemoryLocker struct {
	shards  [shardCount]chan struct{}
	ttl     time.Duration
	timeout time.Duration
}

func NewMemoryLocker(ttl, timeout time.Duration) *MemoryLocker {
	l := &MemoryLocker{ttl: ttl, timeout: timeout}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *MemoryLocker) shard(doctorID uuid.UUID) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write(doctorID[:])
	return l.shards[h.Sum32()%shardCount]
}

func (l *MemoryLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sem := l.shard(doctorID)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrNotAcquired
	}
	defer func() { <-sem }()

	held, cancel := Detach(ctx, l.ttl)
	defer cancel()

	return fn(held)
}

// Detach returns a context that keeps ctx's values but not its cancellation,
// expiring after ttl.
func Detach(ctx context.Context, ttl time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ttl)
}
