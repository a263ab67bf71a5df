package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var ErrTokenNotFound = errors.New("token not found")

// TokenStore maps opaque session tokens to user ids. Tokens are issued by
// the application's login flow, outside this module.
type TokenStore interface {
	Lookup(ctx context.Context, token string) (string, error)
	Save(ctx context.Context, token, userID string, ttl time.Duration) error
	Revoke(ctx context.Context, token string) error
}

type memoryEntry struct {
	userID    string
	expiresAt time.Time // zero means no expiry
}

// MemoryTokenStore is an in-process TokenStore.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]memoryEntry
	now    func() time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens: make(map[string]memoryEntry),
		now:    time.Now,
	}
}

func (s *MemoryTokenStore) Lookup(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	e, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return "", ErrTokenNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		delete(s.tokens, token)
		s.mu.Unlock()
		return "", ErrTokenNotFound
	}
	return e.userID, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, token, userID string, ttl time.Duration) error {
	e := memoryEntry{userID: userID}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.tokens[token] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

// RedisTokenStore keeps tokens as plain string keys under a prefix, with
// Redis handling expiry.
type RedisTokenStore struct {
	client *redis.Client
	prefix string
}

// NewRedisTokenStore connects and pings the server.
func NewRedisTokenStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisTokenStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisTokenStore{client: client, prefix: prefix}, nil
}

func (s *RedisTokenStore) Lookup(ctx context.Context, token string) (string, error) {
	user, err := s.client.Get(ctx, s.prefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}
	return user, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, token, userID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+token, userID, ttl).Err()
}

func (s *RedisTokenStore) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.prefix+token).Err()
}

func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}

// StoreGate admits requests whose token resolves in a TokenStore. A store
// outage denies with 503 and close code 1011 so clients can tell it apart
// from a bad credential.
type StoreGate struct {
	store   TokenStore
	timeout time.Duration
}

func NewStoreGate(store TokenStore, timeout time.Duration) *StoreGate {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &StoreGate{store: store, timeout: timeout}
}

func (g *StoreGate) Check(r *http.Request) Decision {
	tok := TokenFromRequest(r)
	if tok == "" {
		return Deny("missing token")
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	user, err := g.store.Lookup(ctx, tok)
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return Deny("invalid token")
	case err != nil:
		return Decision{
			Status: http.StatusServiceUnavailable,
			Code:   websocket.CloseInternalServerErr,
			Reason: "auth backend unavailable",
		}
	}
	return Allow(user)
}

// Close releases the underlying store when it holds a connection.
func (g *StoreGate) Close() error {
	if c, ok := g.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
