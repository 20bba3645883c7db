package changes

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/internal/pg"
	"github.com/ripkitten-co/lynx/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var columns = []string{"position", "collection", "record_id", "kind", "version", "data", "created_at"}

// Log provides append and replay operations over the lynx_changes table.
type Log struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

// NewLog creates a change log using the given backend's executor and schema.
// Appends made through a Session become visible, and are notified, on commit.
func NewLog(b lynx.Backend) *Log {
	return &Log{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

func (l *Log) ensure(ctx context.Context) error {
	return l.schema.EnsureChanges(ctx, l.exec)
}

func (l *Log) recreate(ctx context.Context, fn func() error) error {
	return l.schema.Recreate(ctx, l.exec, []string{schema.ChangesTable}, l.ensure, fn)
}

// Append writes c to the log, filling in Position and CreatedAt, and sends a
// notification on Channel.
func (l *Log) Append(ctx context.Context, c *Change) error {
	if !c.Kind.Valid() {
		return fmt.Errorf("changes: append %s/%s: unknown kind %q", c.Collection, c.RecordID, c.Kind)
	}
	if err := l.ensure(ctx); err != nil {
		return err
	}

	var data any
	if len(c.Data) > 0 {
		data = c.Data
	}
	query, args, err := psql.Insert(schema.ChangesTable).
		Columns("collection", "record_id", "kind", "version", "data").
		Values(c.Collection, c.RecordID, string(c.Kind), c.Version, data).
		Suffix("RETURNING position, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("changes: append %s/%s: build sql: %w", c.Collection, c.RecordID, err)
	}
	if err := l.exec.QueryRow(ctx, query, args...).Scan(&c.Position, &c.CreatedAt); err != nil {
		return fmt.Errorf("changes: append %s/%s: %w", c.Collection, c.RecordID, err)
	}

	payload, err := EncodeNotification(NotificationFor(c))
	if err != nil {
		return fmt.Errorf("changes: append %s/%s: encode notification: %w", c.Collection, c.RecordID, err)
	}
	if _, err := l.exec.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, payload); err != nil {
		return fmt.Errorf("changes: append %s/%s: notify: %w", c.Collection, c.RecordID, err)
	}
	return nil
}

// ReadAll returns up to limit changes across all collections with a position
// greater than afterPosition, oldest first.
func (l *Log) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]Change, error) {
	return l.read(ctx, "read all", sq.Gt{"position": afterPosition}, limit)
}

// ReadCollection is ReadAll restricted to the given collections.
func (l *Log) ReadCollection(ctx context.Context, collections []string, afterPosition int64, limit int) ([]Change, error) {
	if len(collections) == 0 {
		return l.ReadAll(ctx, afterPosition, limit)
	}
	where := sq.And{sq.Gt{"position": afterPosition}, sq.Eq{"collection": collections}}
	return l.read(ctx, "read collection", where, limit)
}

func (l *Log) read(ctx context.Context, op string, where sq.Sqlizer, limit int) ([]Change, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}

	builder := psql.Select(columns...).
		From(schema.ChangesTable).
		Where(where).
		OrderBy("position ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("changes: %s: build sql: %w", op, err)
	}

	var rows pgx.Rows
	err = l.recreate(ctx, func() error {
		var err error
		rows, err = l.exec.Query(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("changes: %s: %w", op, err)
	}
	defer rows.Close()

	var result []Change
	for rows.Next() {
		var c Change
		var kind string
		if err := rows.Scan(&c.Position, &c.Collection, &c.RecordID, &kind, &c.Version, &c.Data, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("changes: %s: scan: %w", op, err)
		}
		if c.Kind, err = ParseKind(kind); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changes: %s: %w", op, err)
	}
	return result, nil
}

// Head returns the position of the newest change, or 0 for an empty log.
func (l *Log) Head(ctx context.Context) (int64, error) {
	if err := l.ensure(ctx); err != nil {
		return 0, err
	}
	var head int64
	err := l.recreate(ctx, func() error {
		return l.exec.QueryRow(ctx, "SELECT COALESCE(MAX(position), 0) FROM lynx_changes").Scan(&head)
	})
	if err != nil {
		return 0, fmt.Errorf("changes: head: %w", err)
	}
	return head, nil
}

// Prune deletes changes recorded before the given time and returns how many
// were removed. Subscribers whose checkpoint lies behind the pruned range
// lose those changes and should re-query.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	if err := l.ensure(ctx); err != nil {
		return 0, err
	}
	query, args, err := psql.Delete(schema.ChangesTable).Where(sq.Lt{"created_at": before}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("changes: prune: build sql: %w", err)
	}
	tag, err := l.exec.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("changes: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// With returns a copy of the log bound to exec, sharing the schema cache.
func (l *Log) With(exec pg.Executor) *Log {
	return &Log{exec: exec, schema: l.schema}
}

// Ensure creates the change log table if needed. Call it outside a
// transaction when the table may not exist yet.
func (l *Log) Ensure(ctx context.Context) error {
	return l.ensure(ctx)
}
