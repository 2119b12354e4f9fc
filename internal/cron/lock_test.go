package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryLockStore struct {
	owners  map[string]string
	ttls    map[string]time.Duration
	extends int
	err     error
}

func newMemoryLockStore() *memoryLockStore {
	return &memoryLockStore{owners: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryLockStore) TryLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if _, held := m.owners[key]; held {
		return false, nil
	}
	m.owners[key] = owner
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryLockStore) Unlock(_ context.Context, key, owner string) (bool, error) {
	if m.owners[key] != owner {
		return false, nil
	}
	delete(m.owners, key)
	return true, nil
}

func (m *memoryLockStore) ExtendLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if m.owners[key] != owner {
		return false, nil
	}
	m.extends++
	m.ttls[key] = ttl
	return true, nil
}

const testLockKey = "billing:lock:cron"

func TestRedisLockIsExclusive(t *testing.T) {
	store := newMemoryLockStore()
	ctx := context.Background()
	first, err := NewRedisLock(store, testLockKey, 0)
	require.NoError(t, err)
	second, err := NewRedisLock(store, testLockKey, time.Minute)
	require.NoError(t, err)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, defaultLockTTL, store.ttls[testLockKey])
	assert.Equal(t, defaultLockTTL, first.TTL())

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, second.Release(ctx))
	assert.Contains(t, store.owners, testLockKey, "non-owner must not release")

	require.NoError(t, first.Release(ctx))
	assert.NotContains(t, store.owners, testLockKey)
	require.NoError(t, first.Release(ctx), "double release is a no-op")
}

func TestRedisLockExtend(t *testing.T) {
	store := newMemoryLockStore()
	ctx := context.Background()
	lock, err := NewRedisLock(store, testLockKey, time.Minute)
	require.NoError(t, err)

	ok, err := lock.Extend(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "cannot extend before acquiring")

	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lock.Extend(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, store.extends)

	// simulate expiry and takeover by another worker
	store.owners[testLockKey] = "someone-else"
	ok, err = lock.Extend(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx))
	assert.Equal(t, "someone-else", store.owners[testLockKey])
}

func TestRedisLockAcquireError(t *testing.T) {
	store := newMemoryLockStore()
	store.err = errors.New("connection refused")
	lock, err := NewRedisLock(store, testLockKey, time.Minute)
	require.NoError(t, err)

	_, err = lock.Acquire(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestNewRedisLockValidates(t *testing.T) {
	_, err := NewRedisLock(nil, "k", time.Minute)
	assert.Error(t, err)
	_, err = NewRedisLock(newMemoryLockStore(), "", time.Minute)
	assert.Error(t, err)
}
