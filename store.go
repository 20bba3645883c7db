package lynx

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ripkitten-co/lynx/internal/codecs"
	"github.com/ripkitten-co/lynx/internal/pg"
	"github.com/ripkitten-co/lynx/schema"
)

// Store is the main entry point. It holds a PostgreSQL connection pool and
// provides access to record collections, the change log and sessions.
type Store struct {
	pool *pg.Pool
	be   backend
}

// New connects to PostgreSQL and returns a configured Store.
func New(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pg.NewPool(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("lynx: %w", err)
	}

	s := &Store{
		pool: pool,
		be: backend{
			exec:         pool,
			codec:        codecs.NewRecord(cfg.codec),
			schema:       schema.New(),
			logger:       cfg.logger,
			maxBatchSize: cfg.maxBatchSize,
		},
	}
	return s, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) DBExecutor() pg.Executor            { return s.be.exec }
func (s *Store) JSONCodec() codecs.Codec            { return s.be.codec }
func (s *Store) SchemaBootstrap() *schema.Bootstrap { return s.be.schema }
func (s *Store) Logger() *slog.Logger               { return s.be.logger }
func (s *Store) MaxBatchSize() int                  { return s.be.maxBatchSize }

// PgxPool returns the underlying pgxpool.Pool. The daemon uses it to hold a
// dedicated LISTEN connection.
func (s *Store) PgxPool() *pgxpool.Pool { return s.pool.PgxPool() }
