package workpool

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

func TestPool_Bounded(t *testing.T) {
	p := New(2)
	assert.Equal(t, 2, p.Size())

	var active, peak int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(t.Context(), func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&peak)
					if n <= cur || atomic.CompareAndSwapInt32(&peak, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, int32(2))
}

func TestPool_WaitHonoursContext(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := p.Do(ctx, func() error { ran = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	close(release)
}

func TestPool_StartedJobCompletes(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(t.Context())
	done := false
	err := p.Do(ctx, func() error {
		cancel()
		time.Sleep(5 * time.Millisecond)
		done = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRun(t *testing.T) {
	p := New(0)
	assert.Positive(t, p.Size())

	v, err := Run(t.Context(), p, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = Run(t.Context(), p, func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}
