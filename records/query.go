package records

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/internal/codecs"
	"github.com/ripkitten-co/lynx/internal/pg"
)

// Query is an immutable query builder; every method returns a copy.
type Query[T any] struct {
	col      *CollectionOf[T]
	table    string
	exec     pg.Executor
	codec    codecs.Codec
	filter   Filter
	orderBys []orderByClause
	limit    *uint64
	offset   *uint64
}

func (q *Query[T]) clone() *Query[T] {
	c := *q
	if len(q.filter) > 0 {
		c.filter = make(Filter, len(q.filter))
		copy(c.filter, q.filter)
	}
	if len(q.orderBys) > 0 {
		c.orderBys = make([]orderByClause, len(q.orderBys))
		copy(c.orderBys, q.orderBys)
	}
	return &c
}

func (c *CollectionOf[T]) Query() *Query[T] {
	return &Query[T]{
		col:   c,
		table: c.table,
		exec:  c.exec,
		codec: c.codec,
	}
}

func (c *CollectionOf[T]) Where(field, op string, value any) *Query[T] {
	return c.Query().Where(field, op, value)
}

func (q *Query[T]) Where(field, op string, value any) *Query[T] {
	c := q.clone()
	c.filter = c.filter.And(field, op, value)
	return c
}

// Match adds every condition of f.
func (q *Query[T]) Match(f Filter) *Query[T] {
	c := q.clone()
	c.filter = append(c.filter, f...)
	return c
}

// Filter returns the accumulated conditions.
func (q *Query[T]) Filter() Filter {
	return q.filter
}

func (q *Query[T]) OrderBy(field string, dir Direction) *Query[T] {
	c := q.clone()
	c.orderBys = append(c.orderBys, orderByClause{field: field, direction: dir})
	return c
}

func (q *Query[T]) Limit(n uint64) *Query[T] {
	c := q.clone()
	c.limit = &n
	return c
}

func (q *Query[T]) Offset(n uint64) *Query[T] {
	c := q.clone()
	c.offset = &n
	return c
}

func (q *Query[T]) toSQL(columns ...string) (string, []any, error) {
	builder := psql.Select(columns...).From(q.table)

	if len(q.filter) > 0 {
		where, err := q.filter.toSQL()
		if err != nil {
			return "", nil, err
		}
		builder = builder.Where(where)
	}

	for _, o := range q.orderBys {
		clause, err := o.toSQL()
		if err != nil {
			return "", nil, err
		}
		builder = builder.OrderBy(clause)
	}
	if q.limit != nil {
		builder = builder.Limit(*q.limit)
	}
	if q.offset != nil {
		builder = builder.Offset(*q.offset)
	}

	return builder.ToSql()
}

func (q *Query[T]) Execute(ctx context.Context) ([]*T, error) {
	if q.col != nil {
		if err := q.col.ensure(ctx); err != nil {
			return nil, err
		}
	}

	sql, args, err := q.toSQL("id", "data", "version")
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	err = q.recreate(ctx, func() error {
		var err error
		rows, err = q.exec.Query(ctx, sql, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query: execute: %w", err)
	}
	defer rows.Close()

	var results []*T
	for rows.Next() {
		var id string
		var data []byte
		var version int
		if err := rows.Scan(&id, &data, &version); err != nil {
			return nil, fmt.Errorf("query: scan: %w", err)
		}
		doc, err := Decode[T](q.codec, id, version, data)
		if err != nil {
			return nil, fmt.Errorf("query: %s: %w", id, err)
		}
		results = append(results, doc)
	}

	return results, rows.Err()
}

func (q *Query[T]) recreate(ctx context.Context, fn func() error) error {
	if q.col == nil {
		return fn()
	}
	return q.col.recreate(ctx, fn)
}

// First returns the first result, or ErrNotFound wrapped with the table name.
func (q *Query[T]) First(ctx context.Context) (*T, error) {
	docs, err := q.Limit(1).Execute(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("query %s: first: %w", q.table, lynx.ErrNotFound)
	}
	return docs[0], nil
}

// Count returns the number of matching records, ignoring order, limit and offset.
func (q *Query[T]) Count(ctx context.Context) (int64, error) {
	if q.col != nil {
		if err := q.col.ensure(ctx); err != nil {
			return 0, err
		}
	}

	c := q.clone()
	c.orderBys, c.limit, c.offset = nil, nil, nil
	sql, args, err := c.toSQL("COUNT(*)")
	if err != nil {
		return 0, err
	}

	var n int64
	err = q.recreate(ctx, func() error {
		return q.exec.QueryRow(ctx, sql, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("query: count: %w", err)
	}
	return n, nil
}
