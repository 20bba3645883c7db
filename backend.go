package lynx

import (
	"log/slog"

	"github.com/ripkitten-co/lynx/internal/codecs"
	"github.com/ripkitten-co/lynx/internal/pg"
	"github.com/ripkitten-co/lynx/schema"
)

type backend struct {
	exec         pg.Executor
	codec        codecs.Codec
	schema       *schema.Bootstrap
	logger       *slog.Logger
	maxBatchSize int
}

// Backend is implemented by Store and Session. Record collections and the
// change log accept either, so the same code runs inside or outside a
// transaction.
type Backend interface {
	DBExecutor() pg.Executor
	JSONCodec() codecs.Codec
	SchemaBootstrap() *schema.Bootstrap
	Logger() *slog.Logger
	MaxBatchSize() int
}
