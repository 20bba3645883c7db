// Package schema creates the tables backing record collections, the change
// log, subscriber checkpoints and persisted query subscriptions. Every Ensure
// call is idempotent and cached per Bootstrap.
package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ripkitten-co/lynx/internal/indexes"
	"github.com/ripkitten-co/lynx/internal/meta"
	"github.com/ripkitten-co/lynx/internal/pg"
)

const (
	ChangesTable      = "lynx_changes"
	CheckpointsTable  = "lynx_subscriber_checkpoints"
	SubscriptionTable = "lynx_subscriptions"
)

var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,54}$`)

// ValidateCollectionName checks that name is a valid collection identifier
// (alphanumeric + underscores, max 55 characters, starts with a letter).
func ValidateCollectionName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("schema: invalid collection name %q: must be alphanumeric with underscores, max 55 chars", name)
	}
	return nil
}

// TableName returns the table backing the named collection.
func TableName(collection string) string {
	return "lynx_" + collection
}

func collectionDDL(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS lynx_%s (
	id TEXT PRIMARY KEY,
	data JSONB NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, name)
}

func changesDDL() string {
	return `CREATE TABLE IF NOT EXISTS lynx_changes (
	position BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	collection TEXT NOT NULL,
	record_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	version INTEGER NOT NULL,
	data JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
}

func checkpointsDDL() string {
	return `CREATE TABLE IF NOT EXISTS lynx_subscriber_checkpoints (
	subscriber_name TEXT PRIMARY KEY,
	last_position BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'running',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
}

func subscriptionsDDL() string {
	return `CREATE TABLE IF NOT EXISTS lynx_subscriptions (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	filter JSONB NOT NULL,
	fires_on INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
}

// Bootstrap manages idempotent creation of tables and indexes. It caches what
// has been created to avoid repeated DDL.
type Bootstrap struct {
	tables  sync.Map
	indexes sync.Map
}

// New returns a Bootstrap with empty caches.
func New() *Bootstrap {
	return &Bootstrap{}
}

// IsCreated reports whether the named table has been created in this session.
func (b *Bootstrap) IsCreated(table string) bool {
	_, ok := b.tables.Load(table)
	return ok
}

// MarkCreated records that the named table has been created.
func (b *Bootstrap) MarkCreated(table string) {
	b.tables.Store(table, true)
}

// InvalidateTable removes a table and the indexes named after it from the
// creation cache so the next Ensure call re-runs their DDL.
func (b *Bootstrap) InvalidateTable(table string) {
	b.tables.Delete(table)
	prefix := "idx_" + table + "_"
	b.indexes.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			b.indexes.Delete(k)
		}
		return true
	})
}

// Recreate runs fn. When fn fails because a table was dropped after this
// Bootstrap created it, the given tables are invalidated, ensure re-creates
// them and fn runs once more. Inside a transaction the error is returned
// as is: the transaction is already aborted.
func (b *Bootstrap) Recreate(ctx context.Context, exec pg.Executor, tables []string, ensure func(context.Context) error, fn func() error) error {
	err := fn()
	if err == nil || !pg.IsUndefinedTable(err) || pg.InTransaction(exec) {
		return err
	}
	for _, t := range tables {
		b.InvalidateTable(t)
	}
	if err := ensure(ctx); err != nil {
		return err
	}
	return fn()
}

// IsIndexCreated reports whether the named index has been created in this session.
func (b *Bootstrap) IsIndexCreated(name string) bool {
	_, ok := b.indexes.Load(name)
	return ok
}

// MarkIndexCreated records that the named index has been created.
func (b *Bootstrap) MarkIndexCreated(name string) {
	b.indexes.Store(name, true)
}

func (b *Bootstrap) ensureTable(ctx context.Context, exec pg.Executor, table, ddl string) error {
	if _, ok := b.tables.Load(table); ok {
		return nil
	}
	if _, err := exec.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("schema: create table %s: %w", table, err)
	}
	b.tables.Store(table, true)
	return nil
}

// EnsureCollection creates the lynx_{name} table if it doesn't exist.
func (b *Bootstrap) EnsureCollection(ctx context.Context, exec pg.Executor, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	return b.ensureTable(ctx, exec, TableName(name), collectionDDL(name))
}

// EnsureIndexes creates the expression and GIN indexes declared on a record
// type. Inside a transaction the indexes are built without CONCURRENTLY.
func (b *Bootstrap) EnsureIndexes(ctx context.Context, exec pg.Executor, collection string, idx []meta.IndexMeta) error {
	concurrently := !pg.InTransaction(exec)
	for _, ix := range idx {
		name := indexes.IndexName(collection, ix)
		if b.IsIndexCreated(name) {
			continue
		}
		if _, err := exec.Exec(ctx, indexes.IndexDDL(collection, ix, concurrently)); err != nil {
			return fmt.Errorf("schema: create index %s: %w", name, err)
		}
		b.MarkIndexCreated(name)
	}
	return nil
}

// EnsureChanges creates the change log table and its per-collection index.
func (b *Bootstrap) EnsureChanges(ctx context.Context, exec pg.Executor) error {
	if err := b.ensureTable(ctx, exec, ChangesTable, changesDDL()); err != nil {
		return err
	}
	const name = "idx_lynx_changes_collection_position"
	if b.IsIndexCreated(name) {
		return nil
	}
	_, err := exec.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_lynx_changes_collection_position ON lynx_changes (collection, position)`,
	)
	if err != nil {
		return fmt.Errorf("schema: create index %s: %w", name, err)
	}
	b.MarkIndexCreated(name)
	return nil
}

// EnsureCheckpoints creates the subscriber checkpoint table.
func (b *Bootstrap) EnsureCheckpoints(ctx context.Context, exec pg.Executor) error {
	return b.ensureTable(ctx, exec, CheckpointsTable, checkpointsDDL())
}

// EnsureSubscriptions creates the persisted query subscription table.
func (b *Bootstrap) EnsureSubscriptions(ctx context.Context, exec pg.Executor) error {
	return b.ensureTable(ctx, exec, SubscriptionTable, subscriptionsDDL())
}
