// Package taskcache memoizes expensive per-run operations by input fingerprint.
//
// For one fingerprint the operation runs at most once at a time; callers that
// arrive while it is in flight wait for the same result. Successes are kept for
// the life of the cache, failures are dropped so the next call retries.
package taskcache

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned once the owning run has been reset.
var ErrClosed = errors.New("task cache closed")

// Op computes the value for a fingerprint. It receives the cache's context, not
// the caller's, so an abandoned wait does not cancel the work.
type Op[T any] func(ctx context.Context) (T, error)

// Cache is scoped to one run.
type Cache[T any] struct {
	namespace string
	ctx       context.Context
	cancel    context.CancelFunc

	group singleflight.Group

	mu     sync.RWMutex
	done   map[string]T
	closed bool
}

// New creates a cache whose keys are prefixed with namespace. parent bounds the
// lifetime of in-flight operations.
func New[T any](parent context.Context, namespace string) *Cache[T] {
	ctx, cancel := context.WithCancel(parent)
	return &Cache[T]{
		namespace: namespace,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(map[string]T),
	}
}

func (c *Cache[T]) key(fingerprint string) string {
	return c.namespace + "/" + fingerprint
}

// Peek returns a stored result without computing anything.
func (c *Cache[T]) Peek(fingerprint string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.done[c.key(fingerprint)]
	return v, ok
}

// GetOrCompute returns the stored value for fingerprint or runs op to produce it.
// hit reports whether the value came from the cache (including joining an
// in-flight computation started by another caller).
func (c *Cache[T]) GetOrCompute(ctx context.Context, fingerprint string, op Op[T]) (v T, hit bool, err error) {
	key := c.key(fingerprint)

	c.mu.RLock()
	closed := c.closed
	v, ok := c.done[key]
	c.mu.RUnlock()
	if closed {
		return v, false, ErrClosed
	}
	if ok {
		return v, true, nil
	}

	ran := false
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.RLock()
		stored, ok := c.done[key]
		c.mu.RUnlock()
		if ok {
			return stored, nil
		}

		ran = true
		out, err := op(c.ctx)
		if err != nil {
			return out, err
		}

		c.mu.Lock()
		if !c.closed {
			c.done[key] = out
		}
		c.mu.Unlock()
		return out, nil
	})

	select {
	case res := <-ch:
		var zero T
		if res.Err != nil {
			return zero, false, res.Err
		}
		return res.Val.(T), !ran, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Len reports how many results are stored.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.done)
}

// Close cancels in-flight operations and drops every stored result.
func (c *Cache[T]) Close() {
	c.cancel()
	c.mu.Lock()
	c.closed = true
	c.done = make(map[string]T)
	c.mu.Unlock()
}
