package entity

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	url := os.Getenv("LIBREBORME_TEST_REDIS_URL")
	if url == "" || testing.Short() {
		t.Skip("LIBREBORME_TEST_REDIS_URL not set")
	}
	client, err := NewRedisClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, 5*time.Second, WithRetryInterval(5*time.Millisecond))
}

func TestRedisLocker_ExclusiveUntilUnlock(t *testing.T) {
	l := newTestRedisLocker(t)
	key := "test:" + t.Name()

	unlock, err := l.Lock(context.Background(), []string{key})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, []string{key})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock2, err := l.Lock(context.Background(), []string{key})
	require.NoError(t, err)
	unlock2()
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
