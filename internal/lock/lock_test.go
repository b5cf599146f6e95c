package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "store-1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, m.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	unlockA, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
	unlockB()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "store-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "store-1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	unlock()
	assert.Zero(t, m.Len())
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, RedisOptions{TTL: time.Minute, RetryDelay: 5 * time.Millisecond}, zerolog.Nop()), mr
}

func TestRedisLockerAcquireRelease(t *testing.T) {
	locker, mr := newRedisLocker(t)

	unlock, err := locker.Lock(context.Background(), "store-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("spendopt:lock:store-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "store-1")
	assert.True(t, errors.Is(err, ErrNotAcquired))

	unlock()
	assert.False(t, mr.Exists("spendopt:lock:store-1"))

	unlock2, err := locker.Lock(context.Background(), "store-1")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLockerDoesNotReleaseForeignLock(t *testing.T) {
	locker, mr := newRedisLocker(t)

	unlock, err := locker.Lock(context.Background(), "store-2")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set("spendopt:lock:store-2", "someone-else"))

	unlock()
	got, err := mr.Get("spendopt:lock:store-2")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}
