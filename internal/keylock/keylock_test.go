package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Locks_SerializesSameKey(t *testing.T) {
	l := New()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if !assert.NoError(t, l.Lock(ctx, "a")) {
				return
			}
			defer l.Unlock("a")

			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}

			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}

	wg.Wait()

	require.Equal(t, int32(1), maxActive)
	require.Equal(t, 0, l.Len())
}

func Test_Locks_DifferentKeysDoNotBlock(t *testing.T) {
	l := New()
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "a"))

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, l.Lock(ctx2, "b"))

	require.Equal(t, 2, l.Len())

	l.Unlock("b")
	l.Unlock("a")

	require.Equal(t, 0, l.Len())
}

func Test_Locks_LockHonorsContext(t *testing.T) {
	l := New()

	require.NoError(t, l.Lock(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	l.Unlock("a")
	require.Equal(t, 0, l.Len())
}

func Test_Locks_UnlockUnlockedPanics(t *testing.T) {
	l := New()

	require.Panics(t, func() {
		l.Unlock("a")
	})
}
