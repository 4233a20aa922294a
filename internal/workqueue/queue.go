// Package workqueue runs work keyed by resource: calls sharing a key run one
// at a time, calls with different keys run in parallel up to a global bound.
package workqueue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"
)

// Options configures a Queue.
type Options struct {
	// Workers bounds concurrent calls across all keys. Zero means GOMAXPROCS.
	Workers int
	// LockDir, when set, makes each call also hold an advisory lock file so
	// that separate processes serialise on the same key.
	LockDir string
	// LockRetry is the polling interval while waiting for a lock file.
	LockRetry time.Duration
}

// Queue serialises work per key.
type Queue struct {
	sem       *semaphore.Weighted
	lockDir   string
	lockRetry time.Duration

	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// New returns a queue.
func New(opts Options) *Queue {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	retry := opts.LockRetry
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Queue{
		sem:       semaphore.NewWeighted(int64(workers)),
		lockDir:   opts.LockDir,
		lockRetry: retry,
		keys:      make(map[string]*keyLock),
	}
}

// Do runs fn once every earlier call for key has finished and a worker slot
// is free. It returns ctx.Err() if ctx ends while waiting.
func (q *Queue) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	kl := q.acquireKey(key)
	defer q.releaseKey(key, kl)

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-kl.ch }()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)

	if q.lockDir != "" {
		unlock, err := q.lockFile(ctx, key)
		if err != nil {
			return err
		}
		defer unlock()
	}

	return fn(ctx)
}

func (q *Queue) acquireKey(key string) *keyLock {
	q.mu.Lock()
	defer q.mu.Unlock()
	kl, ok := q.keys[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		q.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (q *Queue) releaseKey(key string, kl *keyLock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(q.keys, key)
	}
}

// LockPath returns the lock file used for key.
func (q *Queue) LockPath(key string) string {
	if q.lockDir == "" {
		return ""
	}
	return filepath.Join(q.lockDir, strconv.FormatUint(xxhash.Sum64String(key), 16)+".lock")
}

func (q *Queue) lockFile(ctx context.Context, key string) (func(), error) {
	if err := os.MkdirAll(q.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(q.LockPath(key))
	locked, err := fl.TryLockContext(ctx, q.lockRetry)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", key)
	}
	return func() { _ = fl.Unlock() }, nil
}
