package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a gate backed by session-level advisory locks. Each held key
// pins one pooled connection until release.
type Postgres struct {
	pool        *pgxpool.Pool
	advisoryKey int64

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

// NewPostgres opens a pool for dsn. advisoryKey, when non-zero, is used for
// every key; otherwise each key is hashed to its own advisory lock.
func NewPostgres(ctx context.Context, dsn string, advisoryKey int64) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Postgres{pool: pool, advisoryKey: advisoryKey, held: make(map[string]*pgxpool.Conn)}, nil
}

func (p *Postgres) TryAcquire(ctx context.Context, key string) (bool, error) {
	p.mu.Lock()
	_, already := p.held[key]
	p.mu.Unlock()
	if already {
		return false, nil
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire postgres connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, p.lockID(key)).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	p.mu.Lock()
	p.held[key] = conn
	p.mu.Unlock()
	return true, nil
}

func (p *Postgres) Release(ctx context.Context, key string) error {
	p.mu.Lock()
	conn, ok := p.held[key]
	delete(p.held, key)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("release %s: %w", key, ErrNotHeld)
	}

	var unlocked bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, p.lockID(key)).Scan(&unlocked)
	if err != nil {
		// Closing the session drops its advisory locks.
		_ = conn.Conn().Close(ctx)
		conn.Release()
		return fmt.Errorf("pg_advisory_unlock %s: %w", key, err)
	}
	conn.Release()
	if !unlocked {
		return fmt.Errorf("release %s: %w", key, ErrNotHeld)
	}
	return nil
}

func (p *Postgres) Close() {
	p.mu.Lock()
	for key, conn := range p.held {
		conn.Release()
		delete(p.held, key)
	}
	p.mu.Unlock()
	p.pool.Close()
}

func (p *Postgres) lockID(key string) int64 {
	if p.advisoryKey != 0 {
		return p.advisoryKey
	}
	return hashKey(key)
}

func hashKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
