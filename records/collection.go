// Package records is the CRUD surface over record collections. Each
// collection is a JSONB table; every write also appends to the change log so
// subscribers and mirrors observe it.
package records

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/changes"
	"github.com/ripkitten-co/lynx/internal/codecs"
	"github.com/ripkitten-co/lynx/internal/meta"
	"github.com/ripkitten-co/lynx/internal/pg"
	"github.com/ripkitten-co/lynx/schema"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type CollectionOf[T any] struct {
	name         string
	table        string
	exec         pg.Executor
	codec        codecs.Codec
	schema       *schema.Bootstrap
	log          *changes.Log
	indexes      []meta.IndexMeta
	maxBatchSize int
}

// Collection binds the record type T to the named collection.
func Collection[T any](b lynx.Backend, name string) *CollectionOf[T] {
	return &CollectionOf[T]{
		name:         name,
		table:        schema.TableName(name),
		exec:         b.DBExecutor(),
		codec:        b.JSONCodec(),
		schema:       b.SchemaBootstrap(),
		log:          changes.NewLog(b),
		indexes:      meta.Analyze[T]().Indexes,
		maxBatchSize: b.MaxBatchSize(),
	}
}

func (c *CollectionOf[T]) Name() string { return c.name }

// Codec returns the codec used for record bodies.
func (c *CollectionOf[T]) Codec() codecs.Codec { return c.codec }

func (c *CollectionOf[T]) ensure(ctx context.Context) error {
	if err := c.schema.EnsureCollection(ctx, c.exec, c.name); err != nil {
		return err
	}
	if err := c.schema.EnsureIndexes(ctx, c.exec, c.name, c.indexes); err != nil {
		return err
	}
	return c.log.Ensure(ctx)
}

// recreate runs fn again after re-creating the collection's tables if they
// were dropped behind the schema cache.
func (c *CollectionOf[T]) recreate(ctx context.Context, fn func() error) error {
	return c.schema.Recreate(ctx, c.exec, []string{c.table, schema.ChangesTable}, c.ensure, fn)
}

// write runs fn and its change log append in one transaction.
func (c *CollectionOf[T]) write(ctx context.Context, fn func(exec pg.Executor, log *changes.Log) error) error {
	return c.recreate(ctx, func() error {
		return pg.WithTx(ctx, c.exec, func(exec pg.Executor) error {
			return fn(exec, c.log.With(exec))
		})
	})
}

func (c *CollectionOf[T]) idFor(doc *T) (string, error) {
	id, err := meta.ExtractID(doc)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if !meta.SetID(doc, id) {
		return "", fmt.Errorf("empty id on %T", doc)
	}
	return id, nil
}

// Insert stores a new record. A string ID left empty is filled with a
// random UUID. Returns ErrDuplicateID if the ID is taken.
func (c *CollectionOf[T]) Insert(ctx context.Context, doc *T) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}

	id, err := c.idFor(doc)
	if err != nil {
		return fmt.Errorf("collection %s: insert: %w", c.name, err)
	}

	data, err := c.codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("collection %s: insert %s: marshal: %w", c.name, id, err)
	}

	query, args, err := psql.Insert(c.table).Columns("id", "data").Values(id, data).ToSql()
	if err != nil {
		return fmt.Errorf("collection %s: insert %s: build sql: %w", c.name, id, err)
	}

	err = c.write(ctx, func(exec pg.Executor, log *changes.Log) error {
		if _, err := exec.Exec(ctx, query, args...); err != nil {
			if pg.IsUniqueViolation(err) {
				return fmt.Errorf("collection %s: insert %s: %w", c.name, id, lynx.ErrDuplicateID)
			}
			return fmt.Errorf("collection %s: insert %s: %w", c.name, id, err)
		}
		return log.Append(ctx, &changes.Change{
			Collection: c.name, RecordID: id, Kind: changes.Inserted, Version: 1, Data: data,
		})
	})
	if err != nil {
		return err
	}

	meta.SetVersion(doc, 1)
	return nil
}

// Update replaces an existing record. When T has a version field the write
// only succeeds if the stored version still equals it (ErrConcurrencyConflict
// otherwise); without one a missing record yields ErrNotFound.
func (c *CollectionOf[T]) Update(ctx context.Context, doc *T) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}

	id, err := meta.ExtractID(doc)
	if err != nil {
		return fmt.Errorf("collection %s: update: %w", c.name, err)
	}

	currentVersion, hasVersion := meta.ExtractVersion(doc)
	data, err := c.codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("collection %s: update %s: marshal: %w", c.name, id, err)
	}

	builder := psql.Update(c.table).
		Set("data", data).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING version")
	if hasVersion {
		builder = builder.Where(sq.Eq{"version": currentVersion})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("collection %s: update %s: build sql: %w", c.name, id, err)
	}

	var newVersion int
	err = c.write(ctx, func(exec pg.Executor, log *changes.Log) error {
		if err := exec.QueryRow(ctx, query, args...).Scan(&newVersion); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if hasVersion {
					return fmt.Errorf("collection %s: update %s: %w", c.name, id, lynx.ErrConcurrencyConflict)
				}
				return fmt.Errorf("collection %s: update %s: %w", c.name, id, lynx.ErrNotFound)
			}
			return fmt.Errorf("collection %s: update %s: %w", c.name, id, err)
		}
		return log.Append(ctx, &changes.Change{
			Collection: c.name, RecordID: id, Kind: changes.Updated, Version: newVersion, Data: data,
		})
	})
	if err != nil {
		return err
	}

	meta.SetVersion(doc, newVersion)
	return nil
}

// Save inserts doc or overwrites the stored record with the same ID and
// reports whether it inserted. A non-zero version field is checked against
// the stored version; zero skips the check.
func (c *CollectionOf[T]) Save(ctx context.Context, doc *T) (bool, error) {
	if err := c.ensure(ctx); err != nil {
		return false, err
	}

	id, err := c.idFor(doc)
	if err != nil {
		return false, fmt.Errorf("collection %s: save: %w", c.name, err)
	}

	data, err := c.codec.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("collection %s: save %s: marshal: %w", c.name, id, err)
	}

	currentVersion, _ := meta.ExtractVersion(doc)
	conflict := fmt.Sprintf(
		"ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, version = %[1]s.version + 1, updated_at = now()",
		c.table,
	)
	var conflictArgs []any
	if currentVersion > 0 {
		conflict += fmt.Sprintf(" WHERE %s.version = ?", c.table)
		conflictArgs = append(conflictArgs, currentVersion)
	}

	query, args, err := psql.Insert(c.table).
		Columns("id", "data").
		Values(id, data).
		Suffix(conflict+" RETURNING version, (xmax = 0) AS inserted", conflictArgs...).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("collection %s: save %s: build sql: %w", c.name, id, err)
	}

	var version int
	var inserted bool
	err = c.write(ctx, func(exec pg.Executor, log *changes.Log) error {
		if err := exec.QueryRow(ctx, query, args...).Scan(&version, &inserted); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("collection %s: save %s: %w", c.name, id, lynx.ErrConcurrencyConflict)
			}
			return fmt.Errorf("collection %s: save %s: %w", c.name, id, err)
		}
		kind := changes.Updated
		if inserted {
			kind = changes.Inserted
		}
		return log.Append(ctx, &changes.Change{
			Collection: c.name, RecordID: id, Kind: kind, Version: version, Data: data,
		})
	})
	if err != nil {
		return false, err
	}

	meta.SetVersion(doc, version)
	return inserted, nil
}

// Delete removes a record. The change log keeps its last body so
// subscribers can still evaluate filters against it.
func (c *CollectionOf[T]) Delete(ctx context.Context, id string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}

	query, args, err := psql.Delete(c.table).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING data, version").
		ToSql()
	if err != nil {
		return fmt.Errorf("collection %s: delete %s: build sql: %w", c.name, id, err)
	}

	return c.write(ctx, func(exec pg.Executor, log *changes.Log) error {
		var data []byte
		var version int
		if err := exec.QueryRow(ctx, query, args...).Scan(&data, &version); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("collection %s: delete %s: %w", c.name, id, lynx.ErrNotFound)
			}
			return fmt.Errorf("collection %s: delete %s: %w", c.name, id, err)
		}
		return log.Append(ctx, &changes.Change{
			Collection: c.name, RecordID: id, Kind: changes.Deleted, Version: version, Data: data,
		})
	})
}

// Fetch loads one record by ID.
func (c *CollectionOf[T]) Fetch(ctx context.Context, id string) (*T, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}

	query, args, err := psql.Select("data", "version").From(c.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("collection %s: fetch %s: build sql: %w", c.name, id, err)
	}

	var data []byte
	var version int
	err = c.recreate(ctx, func() error {
		return c.exec.QueryRow(ctx, query, args...).Scan(&data, &version)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("collection %s: fetch %s: %w", c.name, id, lynx.ErrNotFound)
		}
		return nil, fmt.Errorf("collection %s: fetch %s: %w", c.name, id, err)
	}

	doc, err := Decode[T](c.codec, id, version, data)
	if err != nil {
		return nil, fmt.Errorf("collection %s: fetch %s: %w", c.name, id, err)
	}
	return doc, nil
}

// Exists reports whether a record with the ID is stored.
func (c *CollectionOf[T]) Exists(ctx context.Context, id string) (bool, error) {
	if err := c.ensure(ctx); err != nil {
		return false, err
	}

	var exists bool
	err := c.recreate(ctx, func() error {
		return c.exec.QueryRow(ctx,
			fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", c.table), id,
		).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("collection %s: exists %s: %w", c.name, id, err)
	}
	return exists, nil
}

// SaveAll saves each record. Failures are collected into a *BatchError; the
// records that succeeded stay saved unless the caller runs inside a Session
// and rolls back.
func (c *CollectionOf[T]) SaveAll(ctx context.Context, docs []*T) error {
	if c.maxBatchSize > 0 && len(docs) > c.maxBatchSize {
		return fmt.Errorf("collection %s: save all: %d records: %w", c.name, len(docs), lynx.ErrBatchTooLarge)
	}
	batch := &BatchError{Op: "save", Total: len(docs), Errors: make(map[string]error)}
	for i, doc := range docs {
		if _, err := c.Save(ctx, doc); err != nil {
			id, idErr := meta.ExtractID(doc)
			if idErr != nil || id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			batch.Errors[id] = err
		}
	}
	if len(batch.Errors) > 0 {
		return batch
	}
	return nil
}

// DeleteAll deletes each ID, collecting failures into a *BatchError.
func (c *CollectionOf[T]) DeleteAll(ctx context.Context, ids []string) error {
	if c.maxBatchSize > 0 && len(ids) > c.maxBatchSize {
		return fmt.Errorf("collection %s: delete all: %d records: %w", c.name, len(ids), lynx.ErrBatchTooLarge)
	}
	batch := &BatchError{Op: "delete", Total: len(ids), Errors: make(map[string]error)}
	for _, id := range ids {
		if err := c.Delete(ctx, id); err != nil {
			batch.Errors[id] = err
		}
	}
	if len(batch.Errors) > 0 {
		return batch
	}
	return nil
}

// Decode rebuilds a record from its stored body and column values.
func Decode[T any](codec codecs.Codec, id string, version int, data []byte) (*T, error) {
	var doc T
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	meta.SetID(&doc, id)
	meta.SetVersion(&doc, version)
	return &doc, nil
}
