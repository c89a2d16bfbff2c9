package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContractKey(t *testing.T) {
	assert.Equal(t, "insurance-lock:abc", ContractKey("abc"))
}

func TestMemoryLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	ok, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must report busy")

	locked, err := l.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, l.Release(ctx, "k"))
	assert.ErrorIs(t, l.Release(ctx, "k"), ErrNotHeld)

	ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLocker_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	l := NewMemoryLocker().WithClock(func() time.Time { return now })

	ok, _ := l.Acquire(ctx, "k", DefaultTTL)
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	ok, _ = l.Acquire(ctx, "k", DefaultTTL)
	assert.False(t, ok)

	now = now.Add(time.Second)
	locked, _ := l.IsLocked(ctx, "k")
	assert.False(t, locked)
	ok, _ = l.Acquire(ctx, "k", DefaultTTL)
	assert.True(t, ok, "expired lock is free")
}

func TestMemoryLocker_SingleWinner(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Acquire(ctx, "k", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
