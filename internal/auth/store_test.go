package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisTokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	s, err := NewRedisTokenStore(context.Background(), mr.Addr(), "", 0, "test:token:")
	if err != nil {
		mr.Close()
		t.Fatalf("failed to create RedisTokenStore: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		mr.Close()
	})
	return s, mr
}

func TestMemoryTokenStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Save(ctx, "forever", "alice", 0))
	require.NoError(t, s.Save(ctx, "short", "bob", time.Minute))

	user, err := s.Lookup(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	user, err = s.Lookup(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	now = now.Add(time.Minute)
	_, err = s.Lookup(ctx, "short")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	require.NoError(t, s.Revoke(ctx, "forever"))
	_, err = s.Lookup(ctx, "forever")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRedisTokenStore(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Save(ctx, "t1", "alice", time.Minute))
	assert.True(t, mr.Exists("test:token:t1"))

	user, err := s.Lookup(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	mr.FastForward(2 * time.Minute)
	_, err = s.Lookup(ctx, "t1")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	require.NoError(t, s.Save(ctx, "t2", "bob", 0))
	require.NoError(t, s.Revoke(ctx, "t2"))
	_, err = s.Lookup(ctx, "t2")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestNewRedisTokenStore_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewRedisTokenStore(ctx, addr, "", 0, "")
	assert.Error(t, err)
}

type failingStore struct{}

func (failingStore) Lookup(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func (failingStore) Save(context.Context, string, string, time.Duration) error { return nil }

func (failingStore) Revoke(context.Context, string) error { return nil }

func TestStoreGate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)
	require.NoError(t, s.Save(ctx, "good", "carol", time.Hour))
	g := NewStoreGate(s, time.Second)

	d := g.Check(httptest.NewRequest(http.MethodGet, "/rooms/a/ws?token=good", nil))
	assert.True(t, d.Allowed)
	assert.Equal(t, "carol", d.UserID)

	d = g.Check(httptest.NewRequest(http.MethodGet, "/rooms/a/ws?token=bad", nil))
	assert.False(t, d.Allowed)
	assert.Equal(t, "invalid token", d.Reason)

	d = g.Check(httptest.NewRequest(http.MethodGet, "/rooms/a/ws", nil))
	assert.Equal(t, "missing token", d.Reason)
}

func TestStoreGate_BackendFailure(t *testing.T) {
	g := NewStoreGate(failingStore{}, 0)

	d := g.Check(httptest.NewRequest(http.MethodGet, "/rooms/a/ws?token=any", nil))
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusServiceUnavailable, d.Status)
	assert.Equal(t, websocket.CloseInternalServerErr, d.Code)
	assert.NoError(t, g.Close())
}
