package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/changes"
	"github.com/ripkitten-co/lynx/internal/pg"
	"github.com/ripkitten-co/lynx/records"
	"github.com/ripkitten-co/lynx/schema"
)

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// FiresOn is a set of change kinds a query subscription reacts to.
type FiresOn uint8

const (
	OnInsert FiresOn = 1 << iota
	OnUpdate
	OnDelete

	OnAll = OnInsert | OnUpdate | OnDelete
)

// FiresOnKind returns the flag for a change kind.
func FiresOnKind(k changes.Kind) FiresOn {
	switch k {
	case changes.Inserted:
		return OnInsert
	case changes.Updated:
		return OnUpdate
	case changes.Deleted:
		return OnDelete
	}
	return 0
}

func (f FiresOn) Has(k changes.Kind) bool {
	flag := FiresOnKind(k)
	return flag != 0 && f&flag != 0
}

// Definition is a persisted query subscription: changes to Collection whose
// record matches Filter, of a kind in FiresOn.
type Definition struct {
	ID         string
	Collection string
	Filter     records.Filter
	FiresOn    FiresOn
	CreatedAt  time.Time
}

// Matches reports whether c fires this subscription. doc is the change's
// decoded record body.
func (d Definition) Matches(c changes.Change, doc map[string]any) (bool, error) {
	if c.Collection != d.Collection || !d.FiresOn.Has(c.Kind) {
		return false, nil
	}
	return d.Filter.MatchDocument(doc)
}

// Registry stores query subscriptions in the lynx_subscriptions table.
type Registry struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

func NewRegistry(b lynx.Backend) *Registry {
	return &Registry{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

func (r *Registry) ensure(ctx context.Context) error {
	if err := r.schema.EnsureSubscriptions(ctx, r.exec); err != nil {
		return fmt.Errorf("registry: ensure table: %w", err)
	}
	return nil
}

// Save creates or replaces a subscription. An empty ID is filled with a
// random UUID and an empty FiresOn means OnAll.
func (r *Registry) Save(ctx context.Context, d *Definition) error {
	if err := schema.ValidateCollectionName(d.Collection); err != nil {
		return fmt.Errorf("registry: save: %w", err)
	}
	if err := d.Filter.Validate(); err != nil {
		return fmt.Errorf("registry: save: %w", err)
	}
	if d.FiresOn&OnAll == 0 {
		d.FiresOn = OnAll
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := r.ensure(ctx); err != nil {
		return err
	}

	filter, err := encodeFilter(d.Filter)
	if err != nil {
		return fmt.Errorf("registry: save %s: %w", d.ID, err)
	}

	query, args, err := psql.Insert(schema.SubscriptionTable).
		Columns("id", "collection", "filter", "fires_on").
		Values(d.ID, d.Collection, filter, int(d.FiresOn)).
		Suffix(`ON CONFLICT (id) DO UPDATE SET collection = EXCLUDED.collection,
		 filter = EXCLUDED.filter, fires_on = EXCLUDED.fires_on
		 RETURNING created_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("registry: save %s: build sql: %w", d.ID, err)
	}
	if err := r.exec.QueryRow(ctx, query, args...).Scan(&d.CreatedAt); err != nil {
		return fmt.Errorf("registry: save %s: %w", d.ID, err)
	}
	return nil
}

// Get returns the subscription with the given ID or lynx.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Definition, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	query, args, err := r.selectBuilder().Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: build sql: %w", id, err)
	}
	d, err := scanDefinition(r.exec.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: get %s: %w", id, lynx.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", id, err)
	}
	return d, nil
}

// Delete removes a subscription. Returns lynx.ErrNotFound if it did not exist.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.ensure(ctx); err != nil {
		return err
	}
	query, args, err := psql.Delete(schema.SubscriptionTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("registry: delete %s: build sql: %w", id, err)
	}
	tag, err := r.exec.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry: delete %s: %w", id, lynx.ErrNotFound)
	}
	return nil
}

// List returns the subscriptions on the given collections, or all of them,
// oldest first.
func (r *Registry) List(ctx context.Context, collections ...string) ([]Definition, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	builder := r.selectBuilder().OrderBy("created_at ASC", "id ASC")
	if len(collections) > 0 {
		builder = builder.Where(sq.Eq{"collection": collections})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("registry: list: build sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list: %w", err)
		}
		defs = append(defs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return defs, nil
}

func (r *Registry) selectBuilder() sq.SelectBuilder {
	return psql.Select("id", "collection", "filter", "fires_on", "created_at").From(schema.SubscriptionTable)
}

func scanDefinition(row pgx.Row) (*Definition, error) {
	var d Definition
	var filter []byte
	var firesOn int
	if err := row.Scan(&d.ID, &d.Collection, &filter, &firesOn, &d.CreatedAt); err != nil {
		return nil, err
	}
	f, err := decodeFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", d.ID, err)
	}
	d.Filter = f
	d.FiresOn = FiresOn(firesOn)
	return &d, nil
}

func encodeFilter(f records.Filter) ([]byte, error) {
	if f == nil {
		f = records.Filter{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	return b, nil
}

func decodeFilter(b []byte) (records.Filter, error) {
	var f records.Filter
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return f, nil
}
