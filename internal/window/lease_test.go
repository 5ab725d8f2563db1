package window

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refractionpoint/oidc-login/internal/redis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupOpener(t *testing.T, opts ...Option) (*Opener, *[]string, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	storeLogger := logrus.New()
	storeLogger.SetOutput(io.Discard)

	client, err := redis.New(&redis.Config{URL: "redis://" + mr.Addr()}, storeLogger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var launched []string
	opts = append([]Option{WithLauncher(func(u string) error {
		launched = append(launched, u)
		return nil
	})}, opts...)

	return NewOpener(client, testLogger(), opts...), &launched, mr
}

const grantURL = "https://idp.example/authorize?client_id=abc&state=st-1"

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("launches and takes lease", func(t *testing.T) {
		opener, launched, mr := setupOpener(t)

		w, err := opener.Open(ctx, grantURL)
		require.NoError(t, err)
		assert.Equal(t, []string{grantURL}, *launched)
		assert.True(t, mr.Exists(LeasePrefix+"st-1"))
		assert.Equal(t, "st-1", w.(*Lease).ID())

		closed, err := w.Closed(ctx)
		require.NoError(t, err)
		assert.False(t, closed)
	})

	t.Run("rejects second window for the same grant", func(t *testing.T) {
		opener, launched, _ := setupOpener(t)

		_, err := opener.Open(ctx, grantURL)
		require.NoError(t, err)
		_, err = opener.Open(ctx, grantURL)
		assert.ErrorIs(t, err, ErrAlreadyOpen)
		assert.Len(t, *launched, 1)
	})

	t.Run("launch failure releases lease", func(t *testing.T) {
		opener, _, mr := setupOpener(t, WithLauncher(func(string) error {
			return errors.New("no display")
		}))

		w, err := opener.Open(ctx, grantURL)
		require.Error(t, err)
		assert.Nil(t, w)
		assert.False(t, mr.Exists(LeasePrefix+"st-1"))
	})

	t.Run("redis unavailable", func(t *testing.T) {
		opener, launched, mr := setupOpener(t)
		mr.Close()

		_, err := opener.Open(ctx, grantURL)
		require.Error(t, err)
		assert.Empty(t, *launched)
	})
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("released by id", func(t *testing.T) {
		opener, _, _ := setupOpener(t)

		w, err := opener.Open(ctx, grantURL)
		require.NoError(t, err)
		require.NoError(t, opener.Release(ctx, "st-1"))

		closed, err := w.Closed(ctx)
		require.NoError(t, err)
		assert.True(t, closed)

		// Close after release is harmless
		assert.NoError(t, w.Close(ctx))
	})

	t.Run("expires", func(t *testing.T) {
		opener, _, mr := setupOpener(t, WithLeaseTTL(time.Minute))

		w, err := opener.Open(ctx, grantURL)
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)

		closed, err := w.Closed(ctx)
		require.NoError(t, err)
		assert.True(t, closed)
	})

	t.Run("close allows reopening", func(t *testing.T) {
		opener, launched, _ := setupOpener(t)

		w, err := opener.Open(ctx, grantURL)
		require.NoError(t, err)
		require.NoError(t, w.Close(ctx))

		_, err = opener.Open(ctx, grantURL)
		require.NoError(t, err)
		assert.Len(t, *launched, 2)
	})

	t.Run("release requires id", func(t *testing.T) {
		opener, _, _ := setupOpener(t)
		assert.Error(t, opener.Release(ctx, ""))
	})
}

func TestLeaseID(t *testing.T) {
	assert.Equal(t, "st-1", LeaseID(grantURL))

	a, b := LeaseID("http://example.com"), LeaseID("http://example.com")
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
