package auth

import (
	"context"
	"fmt"

	"github.com/assistant-chat/realtime/internal/config"
)

// NewGate builds the gate selected by cfg.Type. Gates that hold external
// connections implement io.Closer.
func NewGate(ctx context.Context, cfg config.AuthConfig) (Gate, error) {
	switch cfg.Type {
	case "", "none":
		return AnonymousGate{}, nil
	case "token":
		return NewStaticTokenGate(cfg.Tokens), nil
	case "memory":
		store := NewMemoryTokenStore()
		for tok, user := range cfg.Tokens {
			if err := store.Save(ctx, tok, user, 0); err != nil {
				return nil, fmt.Errorf("memory gate: %w", err)
			}
		}
		return NewStoreGate(store, 0), nil
	case "jwt":
		svc, err := NewJWTService(cfg.JWT)
		if err != nil {
			return nil, fmt.Errorf("jwt gate: %w", err)
		}
		return NewJWTGate(svc), nil
	case "redis":
		store, err := NewRedisTokenStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("redis gate: %w", err)
		}
		return NewStoreGate(store, 0), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}
