package syncx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutexLockUnlock(t *testing.T) {
	m := NewMutex()
	require.NoError(t, m.Lock(context.Background()))
	require.False(t, m.TryLock())

	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
	m.Unlock() // extra unlock is harmless
	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
}

func TestMutexLockHonoursContext(t *testing.T) {
	m := NewMutex()
	require.NoError(t, m.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Lock(ctx), context.DeadlineExceeded)
}

func TestMutexExcludes(t *testing.T) {
	m := NewMutex()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Lock(context.Background()))
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			m.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside.Load())
}

func TestCounterCompareIncAdmitsExactlyLimit(t *testing.T) {
	c := NewCounter(0)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.CompareInc(25) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(25), admitted.Load())
	require.Equal(t, 25, c.Value())
}

func TestCounterIncDec(t *testing.T) {
	c := NewCounter(1)
	require.True(t, c.CompareInc(2))
	require.False(t, c.CompareInc(2))
	c.Dec()
	require.Equal(t, 1, c.Value())
	c.Inc()
	c.Inc()
	require.Equal(t, 3, c.Value())
	require.False(t, c.CompareInc(3))
}
