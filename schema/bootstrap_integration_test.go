//go:build integration

package schema

import (
	"context"
	"testing"

	"github.com/ripkitten-co/lynx/internal/meta"
	"github.com/ripkitten-co/lynx/internal/pg"
	"github.com/ripkitten-co/lynx/internal/testutil"
)

func setupSchemaTest(t *testing.T) (*pg.Pool, context.Context) {
	t.Helper()
	connStr := testutil.SetupPostgres(t)
	ctx := context.Background()
	pool, err := pg.NewPool(ctx, connStr)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool, ctx
}

func TestEnsure_CreatesTables(t *testing.T) {
	exec, ctx := setupSchemaTest(t)
	b := New()

	steps := []struct {
		table string
		run   func() error
	}{
		{"lynx_tasks", func() error { return b.EnsureCollection(ctx, exec, "tasks") }},
		{ChangesTable, func() error { return b.EnsureChanges(ctx, exec) }},
		{CheckpointsTable, func() error { return b.EnsureCheckpoints(ctx, exec) }},
		{SubscriptionTable, func() error { return b.EnsureSubscriptions(ctx, exec) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			t.Fatalf("ensure %s: %v", s.table, err)
		}
		// second call hits the cache
		if err := s.run(); err != nil {
			t.Fatalf("ensure %s again: %v", s.table, err)
		}
		var exists bool
		err := exec.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, s.table).Scan(&exists)
		if err != nil {
			t.Fatalf("check %s: %v", s.table, err)
		}
		if !exists {
			t.Errorf("table %s was not created", s.table)
		}
	}
}

func TestEnsureIndexes(t *testing.T) {
	exec, ctx := setupSchemaTest(t)
	b := New()

	if err := b.EnsureCollection(ctx, exec, "tasks"); err != nil {
		t.Fatalf("ensure collection: %v", err)
	}
	idx := []meta.IndexMeta{{FieldJSONKey: "owner"}, {Type: meta.IndexGIN}}
	if err := b.EnsureIndexes(ctx, exec, "tasks", idx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}

	for _, name := range []string{"idx_lynx_tasks_owner", "idx_lynx_tasks_data_gin"} {
		var exists bool
		if err := exec.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists); err != nil {
			t.Fatalf("check %s: %v", name, err)
		}
		if !exists {
			t.Errorf("index %s missing", name)
		}
	}
}

func TestEnsureCollection_RejectsBadName(t *testing.T) {
	exec, ctx := setupSchemaTest(t)
	if err := New().EnsureCollection(ctx, exec, "bad-name"); err == nil {
		t.Fatal("expected validation error")
	}
}
