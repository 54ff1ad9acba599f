package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// ErrBusy is returned by a Lease when another caller holds the document.
var ErrBusy = errors.New("document is busy")

// Lease is a per-document exclusive try-lock. Acquire never blocks waiting
// for the holder.
type Lease interface {
	Acquire(ctx context.Context, documentId string) (release func(), err error)
}

// LocalLease serializes callers inside one process.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]struct{})}
}

func (l *LocalLease) Acquire(_ context.Context, documentId string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[documentId]; ok {
		return nil, ErrBusy
	}
	l.held[documentId] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, documentId)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLease extends LocalLease across replicas with a redislock key per document.
// When Redis itself fails the lease degrades to the local lock and OnError is
// told; the optimistic SaveDocument check still rejects a concurrent writer.
type RedisLease struct {
	Local   *LocalLease
	Locker  *redislock.Client
	TTL     time.Duration
	Prefix  string
	OnError func(ctx context.Context, documentId string, err error)
}

func NewRedisLease(locker *redislock.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLease{Local: NewLocalLease(), Locker: locker, TTL: ttl, Prefix: "clearance:lease:"}
}

func (l *RedisLease) Acquire(ctx context.Context, documentId string) (func(), error) {
	releaseLocal, err := l.Local.Acquire(ctx, documentId)
	if err != nil {
		return nil, err
	}
	if l.Locker == nil {
		return releaseLocal, nil
	}
	lock, err := l.Locker.Obtain(ctx, l.Prefix+documentId, l.TTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		releaseLocal()
		return nil, ErrBusy
	}
	if err != nil {
		if l.OnError != nil {
			l.OnError(ctx, documentId, err)
		}
		return releaseLocal, nil
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
		releaseLocal()
	}, nil
}

// singleton runs fn only if this replica wins the named lock. Without a locker
// fn always runs; a Redis failure also lets fn run.
func singleton(ctx context.Context, locker *redislock.Client, key string, ttl time.Duration, fn func()) (ran bool) {
	if locker == nil {
		fn()
		return true
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false
	}
	if err == nil {
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}
	fn()
	return true
}
