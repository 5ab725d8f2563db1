package redis

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to create test logger
func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Helper to create test Redis client with miniredis
func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := New(&Config{URL: "redis://" + mr.Addr()}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, client)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNew(t *testing.T) {
	t.Run("connects successfully", func(t *testing.T) {
		mr := miniredis.RunT(t)

		client, err := New(&Config{URL: "redis://" + mr.Addr()}, testLogger())
		require.NoError(t, err)
		defer client.Close()

		assert.NoError(t, client.Ping(context.Background()))
	})

	t.Run("invalid URL rejected", func(t *testing.T) {
		client, err := New(&Config{URL: "invalid://url"}, testLogger())
		assert.Error(t, err)
		assert.Nil(t, client)
	})

	t.Run("connection failure detected", func(t *testing.T) {
		client, err := New(&Config{URL: "redis://localhost:65535"}, testLogger())
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "failed to connect")
	})
}

func TestGetSetEX(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("missing key is empty", func(t *testing.T) {
		val, err := client.Get(ctx, "missing")
		assert.NoError(t, err)
		assert.Empty(t, val)
	})

	t.Run("value expires", func(t *testing.T) {
		require.NoError(t, client.SetEX(ctx, "k", "v", 10*time.Second))

		val, err := client.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", val)

		mr.FastForward(11 * time.Second)

		val, err = client.Get(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, val)
	})
}

func TestSetNX(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "once", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "once", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second write must be refused")

	val, err := client.Get(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
}

func TestExistsDelete(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.SetEX(ctx, "lease", "x", time.Minute))

	exists, err := client.Exists(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.Delete(ctx, "lease"))

	exists, err = client.Exists(ctx, "lease")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIncrExpire(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	n, err := client.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = client.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, client.Expire(ctx, "counter", 5*time.Second))
	ttl, err := client.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, ttl)

	mr.FastForward(6 * time.Second)
	assert.False(t, mr.Exists("counter"))
}

func TestAtomicGetAndDelete(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	t.Run("consumes value once", func(t *testing.T) {
		require.NoError(t, client.SetEX(ctx, "single", "value", time.Minute))

		val, err := client.AtomicGetAndDelete(ctx, "single")
		require.NoError(t, err)
		assert.Equal(t, "value", val)

		val, err = client.AtomicGetAndDelete(ctx, "single")
		require.NoError(t, err)
		assert.Empty(t, val)
	})

	t.Run("missing key", func(t *testing.T) {
		val, err := client.AtomicGetAndDelete(ctx, "never-set")
		require.NoError(t, err)
		assert.Empty(t, val)
	})
}

func TestAtomicGetAndDelete_RaceCondition(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.SetEX(ctx, "race", "winner", time.Minute))

	const goroutines = 20
	var wg sync.WaitGroup
	results := make(chan string, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := client.AtomicGetAndDelete(ctx, "race")
			if err == nil && val != "" {
				results <- val
			}
		}()
	}

	wg.Wait()
	close(results)

	var count int
	for range results {
		count++
	}
	assert.Equal(t, 1, count, "only one consumer should get the value")
}

func TestPublishSubscribe(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps, err := client.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, client.Publish(ctx, "events", []byte("hello")))

	select {
	case msg := <-ps.Channel():
		assert.Equal(t, "events", msg.Channel)
		assert.Equal(t, "hello", msg.Payload)
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}
