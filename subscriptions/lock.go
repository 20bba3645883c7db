package subscriptions

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker grants exclusive processing of a subscriber across processes.
type Locker interface {
	TryLock(ctx context.Context, name string) (bool, error)
	Unlock(ctx context.Context, name string) error
}

// AdvisoryLocker uses PostgreSQL session advisory locks. A pooled connection
// is pinned for as long as the lock is held, since the lock belongs to the
// session that took it.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, held: make(map[string]*pgxpool.Conn)}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return false, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("lock %s: acquire conn: %w", name, err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockHash(name)).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("lock %s: acquire: %w", name, err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}
	l.held[name] = conn
	return true, nil
}

func (l *AdvisoryLocker) Unlock(ctx context.Context, name string) error {
	l.mu.Lock()
	conn, ok := l.held[name]
	delete(l.held, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	var released bool
	err := conn.QueryRow(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", lockHash(name)).Scan(&released)
	if err != nil {
		// a session that may still hold the lock must not be reused
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
		return fmt.Errorf("lock %s: release: %w", name, err)
	}
	conn.Release()
	return nil
}

func lockHash(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("lynx:" + name))
	return int64(h.Sum64())
}
