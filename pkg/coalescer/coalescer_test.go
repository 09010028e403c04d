package coalescer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	c := New(5*time.Second, 100*time.Millisecond)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("segment-bytes"), nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Do(context.Background(), "http://cdn/seg1.ts", fetch)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one upstream fetch expected")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("segment-bytes"), results[i])
	}
}

func TestDoPropagatesErrorToAllCallers(t *testing.T) {
	c := New(5*time.Second, 100*time.Millisecond)

	fetchErr := errors.New("upstream exploded")
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]byte, error) {
		<-release
		return nil, fetchErr
	}

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(context.Background(), "http://cdn/seg2.ts", fetch)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], fetchErr)
	}
}

func TestDoWaitTimeout(t *testing.T) {
	c := New(50*time.Millisecond, 100*time.Millisecond)

	fetch := func(ctx context.Context) ([]byte, error) {
		time.Sleep(time.Second)
		return []byte("late"), nil
	}

	_, err := c.Do(context.Background(), "http://cdn/stuck.ts", fetch)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestDoReplaysRecentResult(t *testing.T) {
	c := New(time.Second, 200*time.Millisecond)

	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("cached"), nil
	}

	data, err := c.Do(context.Background(), "http://cdn/seg3.ts", fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), data)

	// within retention the stored result is replayed without a new fetch
	data, err = c.Do(context.Background(), "http://cdn/seg3.ts", fetch)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), data)
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(300 * time.Millisecond)

	_, err = c.Do(context.Background(), "http://cdn/seg3.ts", fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "retention expired, fresh fetch expected")
}
