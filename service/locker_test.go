package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerialises(t *testing.T) {
	l := NewLocalLocker()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "doc")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, l.size(), "entries are dropped when unused")
}

func TestLocalLockerKeysAreIndependent(t *testing.T) {
	l := NewLocalLocker()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalLockerCancelledWait(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "doc")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "doc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Zero(t, l.size())

	again, err := l.Lock(context.Background(), "doc")
	require.NoError(t, err)
	again()
}

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = fmt.Sprint(value)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script != unlockScript || len(keys) != 1 || len(args) != 1 {
		return redis.NewCmdResult(nil, errors.New("unexpected script call"))
	}
	if f.values[keys[0]] == fmt.Sprint(args[0]) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLocker(t *testing.T) {
	fake := newFakeRedis()
	l := newRedisLocker(fake, time.Minute, "", nil)

	unlock, err := l.Lock(context.Background(), "doc")
	require.NoError(t, err)
	assert.Contains(t, fake.values, "pdfsigner:lock:doc")
	assert.Equal(t, time.Minute, fake.ttls["pdfsigner:lock:doc"])

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "doc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.NotContains(t, fake.values, "pdfsigner:lock:doc")

	unlock, err = l.Lock(context.Background(), "doc")
	require.NoError(t, err)
	unlock()
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	fake := newFakeRedis()
	l := newRedisLocker(fake, 0, "test:", nil)
	assert.Equal(t, DefaultLockTTL, l.ttl)

	unlock, err := l.Lock(context.Background(), "doc")
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	second, err := l.Lock(ctx, "doc")
	require.NoError(t, err)
	second()
}

func TestRedisLockerStaleUnlock(t *testing.T) {
	fake := newFakeRedis()
	l := newRedisLocker(fake, time.Second, "", nil)

	unlock, err := l.Lock(context.Background(), "doc")
	require.NoError(t, err)

	// The lock expired and somebody else took it.
	fake.mu.Lock()
	fake.values["pdfsigner:lock:doc"] = "other-holder"
	fake.mu.Unlock()

	unlock()
	assert.Equal(t, "other-holder", fake.values["pdfsigner:lock:doc"])
}

func TestRedisLockerError(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	l := newRedisLocker(fake, time.Second, "", nil)

	_, err := l.Lock(context.Background(), "doc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
