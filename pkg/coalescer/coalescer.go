// Package coalescer merges concurrent fetches of the same key into a single
// upstream call. All callers receive the fetched bytes or the fetch error.
package coalescer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrWaitTimeout = errors.New("timed out waiting for in-flight fetch")

type FetchFunc func(ctx context.Context) ([]byte, error)

type result struct {
	data []byte
	err  error
}

type Coalescer struct {
	group       singleflight.Group
	waitTimeout time.Duration
	retention   time.Duration

	mu     sync.Mutex
	recent map[string]result
}

// New creates a coalescer. waitTimeout bounds how long a caller blocks on an
// in-flight fetch; retention is how long a completed result is replayed to
// late callers before a fresh fetch is allowed.
func New(waitTimeout, retention time.Duration) *Coalescer {
	return &Coalescer{
		waitTimeout: waitTimeout,
		retention:   retention,
		recent:      make(map[string]result),
	}
}

func (c *Coalescer) Do(ctx context.Context, key string, fetch FetchFunc) ([]byte, error) {
	c.mu.Lock()
	if res, ok := c.recent[key]; ok {
		c.mu.Unlock()
		return res.data, res.err
	}
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		data, err := fetch(ctx)
		c.remember(key, data, err)
		return data, err
	})

	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		// the fetcher may be stuck; let the next caller start fresh
		c.group.Forget(key)
		return nil, ErrWaitTimeout
	}
}

func (c *Coalescer) remember(key string, data []byte, err error) {
	c.mu.Lock()
	c.recent[key] = result{data: data, err: err}
	c.mu.Unlock()

	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		delete(c.recent, key)
		c.mu.Unlock()
	})
}
