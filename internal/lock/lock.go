// Package lock keeps consolidation runs mutually exclusive across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgard/sitelog/internal/config"
)

// ErrNotHeld is returned by Release when the caller does not hold the key.
var ErrNotHeld = errors.New("lock not held")

// Gate is a non-blocking named lock.
type Gate interface {
	// TryAcquire takes the lock if it is free and reports whether it did.
	TryAcquire(ctx context.Context, key string) (bool, error)

	// Release frees a lock taken by this gate.
	Release(ctx context.Context, key string) error
}

// WithLock runs fn while holding key. It returns false without calling fn when
// the lock is held elsewhere. The lock is released on every exit from fn,
// including panics.
func WithLock(ctx context.Context, gate Gate, key string, fn func(ctx context.Context) error) (acquired bool, err error) {
	ok, err := gate.TryAcquire(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	defer func() {
		// The run context may already be cancelled; the release must still go out.
		if relErr := gate.Release(context.WithoutCancel(ctx), key); relErr != nil {
			slog.Default().WarnContext(ctx, "Failed to release lock", "key", key, "error", relErr)
			if err == nil {
				err = fmt.Errorf("failed to release lock %s: %w", key, relErr)
			}
		}
	}()

	return true, fn(ctx)
}

// Noop always grants the lock. It provides no exclusion.
type Noop struct{}

func (Noop) TryAcquire(context.Context, string) (bool, error) { return true, nil }

func (Noop) Release(context.Context, string) error { return nil }

// New builds the gate selected by cfg.Backend. The returned close function
// releases backend connections.
func New(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (Gate, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "lock", "backend", cfg.Backend)

	switch cfg.Backend {
	case "memory":
		log.Info("Using in-process lock")
		return NewMemory(), func() {}, nil

	case "redis":
		gate, err := NewRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using Redis lock", "addr", cfg.RedisAddr, "ttl", cfg.TTL)
		return gate, func() { _ = gate.Close() }, nil

	case "postgres":
		gate, err := NewPostgres(ctx, cfg.PostgresDSN, cfg.AdvisoryKey)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using Postgres advisory lock", "advisory_key", cfg.AdvisoryKey)
		return gate, gate.Close, nil

	case "none":
		log.Warn("Consolidation lock disabled; concurrent runs are not excluded")
		return Noop{}, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
