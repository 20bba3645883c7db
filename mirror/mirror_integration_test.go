//go:build integration

package mirror_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/internal/testutil"
	"github.com/ripkitten-co/lynx/live"
	"github.com/ripkitten-co/lynx/mirror"
	"github.com/ripkitten-co/lynx/records"
	"github.com/ripkitten-co/lynx/subscriptions"
)

type Task struct {
	ID       string
	Title    string
	Owner    string
	Priority int
	Version  int
}

func setupStore(t *testing.T) *lynx.Store {
	t.Helper()
	connStr := testutil.SetupPostgres(t)
	store, err := lynx.New(context.Background(), connStr)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func viewIDs(v *live.View[Task]) []string {
	var out []string
	for _, r := range v.Items() {
		out = append(out, r.ID)
	}
	return out
}

func seed(t *testing.T, tasks *records.CollectionOf[Task], docs ...*Task) {
	t.Helper()
	for _, d := range docs {
		if _, err := tasks.Save(context.Background(), d); err != nil {
			t.Fatalf("seed %s: %v", d.ID, err)
		}
	}
}

func TestMirror_WatchAndSync(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tasks := records.Collection[Task](store, "tasks")
	seed(t, tasks,
		&Task{ID: "a", Owner: "ada", Priority: 2},
		&Task{ID: "b", Owner: "bob", Priority: 9},
		&Task{ID: "c", Owner: "ada", Priority: 7},
	)

	m := mirror.New[Task](store, "tasks")
	mine, err := m.Watch(ctx, "mine", records.Where("owner", "=", "ada"),
		live.OrderBy(records.Less[Task]("priority", records.Desc)))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if diff := cmp.Diff([]string{"c", "a"}, viewIDs(mine)); diff != "" {
		t.Fatalf("initial view (-want +got):\n%s", diff)
	}

	var kinds []string
	mine.Listen(func(c live.Change[Task]) { kinds = append(kinds, c.Kind.String()+":"+c.ID) })

	// another writer changes the collection
	b, _ := tasks.Fetch(ctx, "b")
	b.Owner = "ada"
	if err := tasks.Update(ctx, b); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tasks.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	seed(t, tasks, &Task{ID: "d", Owner: "bob"})

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "c"}, viewIDs(mine)); diff != "" {
		t.Errorf("view after sync (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"inserted:b", "removed:a"}, kinds); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}

	// replaying the same changes is harmless
	m.Checkpoint().Save(ctx, m.Name(), 0)
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "c"}, viewIDs(mine)); diff != "" {
		t.Errorf("view after replay (-want +got):\n%s", diff)
	}
}

func TestMirror_SaveDeleteFetch(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	m := mirror.New[Task](store, "tasks")

	open, err := m.Watch(ctx, "urgent", records.Where("priority", ">=", 5))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	task := &Task{Title: "ship", Priority: 8}
	inserted, err := m.Save(ctx, task)
	if err != nil || !inserted {
		t.Fatalf("save = %v, %v", inserted, err)
	}
	if open.Index(task.ID) != 0 {
		t.Errorf("saved record not in view: %v", viewIDs(open))
	}

	got, err := m.Fetch(ctx, task.ID)
	if err != nil || got.Version != 1 {
		t.Errorf("fetch = %+v, %v", got, err)
	}

	if err := m.Delete(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if open.Len() != 0 {
		t.Errorf("deleted record still in view")
	}
	if err := m.Delete(ctx, task.ID); !errors.Is(err, lynx.ErrNotFound) {
		t.Errorf("second delete: %v, want ErrNotFound", err)
	}
	if _, err := m.Fetch(ctx, task.ID); !errors.Is(err, lynx.ErrNotFound) {
		t.Errorf("fetch deleted: %v, want ErrNotFound", err)
	}
}

func TestMirror_Refresh(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tasks := records.Collection[Task](store, "tasks")
	seed(t, tasks, &Task{ID: "a", Priority: 6}, &Task{ID: "b", Priority: 7})

	m := mirror.New[Task](store, "tasks")
	v, err := m.Watch(ctx, "urgent", records.Where("priority", ">=", 5))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	tasks.Delete(ctx, "a")
	b, _ := tasks.Fetch(ctx, "b")
	b.Priority = 1
	tasks.Update(ctx, b)
	seed(t, tasks, &Task{ID: "c", Priority: 9})

	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if diff := cmp.Diff([]string{"c"}, viewIDs(v)); diff != "" {
		t.Errorf("view after refresh (-want +got):\n%s", diff)
	}
}

func TestMirror_WatchErrors(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	m := mirror.New[Task](store, "tasks")

	if _, err := m.Watch(ctx, "bad", records.Where("nope", "=", 1)); err == nil {
		t.Error("expected error for unknown field")
	}
	if _, err := m.Watch(ctx, "v", nil); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := m.Watch(ctx, "v", nil); !errors.Is(err, live.ErrViewExists) {
		t.Errorf("duplicate watch: %v, want ErrViewExists", err)
	}
}

func TestMirror_DrivenByDaemon(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tasks := records.Collection[Task](store, "tasks")

	m := mirror.New[Task](store, "tasks", mirror.WithName("ui"))
	v, err := m.Watch(ctx, "all", nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	var mu sync.Mutex
	var got []string
	v.Listen(func(c live.Change[Task]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c.Kind.String()+":"+c.ID)
	})

	daemon := subscriptions.NewDaemon(store, subscriptions.WithPollingInterval(50*time.Millisecond))
	daemon.Add(m)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go daemon.Run(runCtx)

	seed(t, tasks, &Task{ID: "x", Title: "one"})
	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("mirror never saw the insert")
		case <-time.After(10 * time.Millisecond):
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "inserted:x" {
		t.Errorf("got = %v", got)
	}
}

func TestMirror_RebuildReloadsWithoutReplay(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tasks := records.Collection[Task](store, "tasks")
	seed(t, tasks, &Task{ID: "a", Priority: 1}, &Task{ID: "b", Priority: 2})

	m := mirror.New[Task](store, "tasks", mirror.WithName("rebuilt"))
	v, err := m.Watch(ctx, "all", nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := tasks.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var kinds []string
	v.Listen(func(c live.Change[Task]) { kinds = append(kinds, c.Kind.String()+":"+c.ID) })

	daemon := subscriptions.NewDaemon(store)
	daemon.Add(m)
	if err := daemon.Rebuild(ctx, m.Name()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if diff := cmp.Diff([]string{"b"}, viewIDs(v)); diff != "" {
		t.Errorf("view after rebuild (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"removed:b", "inserted:b"}, kinds); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}
	pos, status, err := daemon.Status(ctx, m.Name())
	if err != nil || status != subscriptions.StatusRunning || pos < 3 {
		t.Errorf("status after rebuild = %d %s %v", pos, status, err)
	}
}

func TestMirror_UnwatchedSyncSkipsHistory(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tasks := records.Collection[Task](store, "tasks")
	seed(t, tasks, &Task{ID: "old"})

	m := mirror.New[Task](store, "tasks")
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if diff := cmp.Diff([]string(nil), m.Cache().IDs()); diff != "" {
		t.Errorf("history replayed into the cache (-want +got):\n%s", diff)
	}

	seed(t, tasks, &Task{ID: "new"})
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if diff := cmp.Diff([]string{"new"}, m.Cache().IDs()); diff != "" {
		t.Errorf("cache (-want +got):\n%s", diff)
	}
}
