package lynx

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/ripkitten-co/lynx/internal/codecs"
	"github.com/ripkitten-co/lynx/internal/pg"
	"github.com/ripkitten-co/lynx/schema"
)

// Session wraps a PostgreSQL transaction spanning record writes and their
// change log entries. Notifications raised inside the session are delivered
// by PostgreSQL only after Commit.
type Session struct {
	tx     pgx.Tx
	be     backend
	closed bool
}

// Session begins a new transaction and returns a Session.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("lynx: begin session: %w", err)
	}

	return &Session{
		tx: tx,
		be: backend{
			exec:         pg.TxExecutor{Tx: tx},
			codec:        s.be.codec,
			schema:       schema.New(),
			logger:       s.be.logger,
			maxBatchSize: s.be.maxBatchSize,
		},
	}, nil
}

func (s *Session) DBExecutor() pg.Executor            { return s.be.exec }
func (s *Session) JSONCodec() codecs.Codec            { return s.be.codec }
func (s *Session) SchemaBootstrap() *schema.Bootstrap { return s.be.schema }
func (s *Session) Logger() *slog.Logger               { return s.be.logger }
func (s *Session) MaxBatchSize() int                  { return s.be.maxBatchSize }

// Commit persists all operations in this session atomically.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("lynx: commit: %w", ErrSessionClosed)
	}
	s.closed = true
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("lynx: commit session: %w", err)
	}
	return nil
}

// Rollback discards all operations. Safe to call multiple times.
func (s *Session) Rollback(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("lynx: rollback session: %w", err)
	}
	return nil
}

// Close rolls back if not already committed. Safe to defer.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	return s.Rollback(ctx)
}
