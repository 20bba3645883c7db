// Package mirror keeps a local, live copy of the parts of a record
// collection an application is looking at. Each watch runs a filter as a
// remote query, loads the results into a live.Cache and registers a view
// with the same filter as its predicate. From then on the mirror follows the
// change log, either driven by a subscriptions.Daemon or by calling Sync, so
// every view stays in step with the database.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/changes"
	"github.com/ripkitten-co/lynx/internal/meta"
	"github.com/ripkitten-co/lynx/live"
	"github.com/ripkitten-co/lynx/records"
	"github.com/ripkitten-co/lynx/subscriptions"
)

type Option func(*config)

type config struct {
	name      string
	logger    *slog.Logger
	batchSize int
}

// WithName sets the subscriber name. It must be unique among the
// subscribers of a daemon. Defaults to "mirror_<collection>_<uuid>".
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithBatchSize sets how many changes Sync reads per batch.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// Mirror is a live local copy of filtered slices of one collection. It
// implements subscriptions.LocalSubscriber.
type Mirror[T any] struct {
	name       string
	store      *lynx.Store
	col        *records.CollectionOf[T]
	cache      *live.Cache[T]
	checkpoint *subscriptions.MemoryCheckpoint
	head       func(context.Context) (int64, error)
	batchSize  int
	logger     *slog.Logger

	mu         sync.Mutex
	watches    map[string]records.Filter
	positioned bool
	// latest log position applied per record, deletions included
	positions map[string]int64
}

func New[T any](store *lynx.Store, collection string, opts ...Option) *Mirror[T] {
	cfg := &config{
		name:      "mirror_" + collection + "_" + uuid.NewString(),
		logger:    store.Logger(),
		batchSize: 100,
	}
	for _, o := range opts {
		o(cfg)
	}
	return &Mirror[T]{
		name:       cfg.name,
		store:      store,
		col:        records.Collection[T](store, collection),
		cache:      live.New(live.WithLogger[T](cfg.logger)),
		checkpoint: subscriptions.NewMemoryCheckpoint(),
		head:       changes.NewLog(store).Head,
		batchSize:  cfg.batchSize,
		logger:     cfg.logger,
		watches:    make(map[string]records.Filter),
		positions:  make(map[string]int64),
	}
}

func (m *Mirror[T]) Name() string { return m.name }

func (m *Mirror[T]) Collections() []string { return []string{m.col.Name()} }

// Checkpoint returns the mirror's in-memory checkpoint. A mirror that has
// not watched anything yet is positioned at the log head on first Load, so
// history written before the mirror existed is never replayed into it.
func (m *Mirror[T]) Checkpoint() subscriptions.Checkpointer { return checkpoint[T]{m} }

type checkpoint[T any] struct{ m *Mirror[T] }

func (c checkpoint[T]) Load(ctx context.Context, name string) (int64, subscriptions.Status, error) {
	if err := c.m.ensurePositioned(ctx); err != nil {
		return 0, "", err
	}
	return c.m.checkpoint.Load(ctx, name)
}

func (c checkpoint[T]) Save(ctx context.Context, name string, position int64) error {
	return c.m.checkpoint.Save(ctx, name, position)
}

func (c checkpoint[T]) SetStatus(ctx context.Context, name string, status subscriptions.Status) error {
	return c.m.checkpoint.SetStatus(ctx, name, status)
}

func (c checkpoint[T]) Reset(ctx context.Context, name string) error {
	return c.m.checkpoint.Reset(ctx, name)
}

// Cache exposes the underlying cache, for records fetched outside any view.
func (m *Mirror[T]) Cache() *live.Cache[T] { return m.cache }

func (m *Mirror[T]) predicate(name string, f records.Filter) live.Predicate[T] {
	return func(rec *T) bool {
		ok, err := f.Match(rec)
		if err != nil {
			m.logger.Warn("filter evaluation failed", "mirror", m.name, "view", name, "error", err)
			return false
		}
		return ok
	}
}

// Watch queries the records matching f and keeps them in a view named name.
// The view follows the change log from the moment of the query.
func (m *Mirror[T]) Watch(ctx context.Context, name string, f records.Filter, opts ...live.ViewOption[T]) (*live.View[T], error) {
	if _, err := f.Match(new(T)); err != nil {
		return nil, fmt.Errorf("mirror %s: watch %s: %w", m.name, name, err)
	}
	if _, exists := m.cache.View(name); exists {
		return nil, fmt.Errorf("mirror %s: watch %s: %w", m.name, name, live.ErrViewExists)
	}

	// the head is read first so nothing committed after the query is missed
	head, err := m.head(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror %s: watch %s: %w", m.name, name, err)
	}
	docs, err := m.col.Query().Match(f).Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror %s: watch %s: %w", m.name, name, err)
	}
	if err := m.load(docs); err != nil {
		return nil, fmt.Errorf("mirror %s: watch %s: %w", m.name, name, err)
	}

	v, err := m.cache.Register(name, m.predicate(name, f), opts...)
	if err != nil {
		return nil, fmt.Errorf("mirror %s: watch %s: %w", m.name, name, err)
	}

	m.mu.Lock()
	m.watches[name] = f
	m.mu.Unlock()
	m.position(ctx, head)
	return v, nil
}

// position sets the checkpoint the first time the mirror learns where the
// log stood.
func (m *Mirror[T]) position(ctx context.Context, head int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positioned {
		return
	}
	m.positioned = true
	_ = m.checkpoint.Save(ctx, m.name, head)
}

func (m *Mirror[T]) ensurePositioned(ctx context.Context) error {
	m.mu.Lock()
	positioned := m.positioned
	m.mu.Unlock()
	if positioned {
		return nil
	}
	head, err := m.head(ctx)
	if err != nil {
		return fmt.Errorf("mirror %s: read log head: %w", m.name, err)
	}
	m.position(ctx, head)
	return nil
}

// Unwatch drops a view. Its records stay cached.
func (m *Mirror[T]) Unwatch(name string) bool {
	m.mu.Lock()
	delete(m.watches, name)
	m.mu.Unlock()
	return m.cache.Unregister(name)
}

func (m *Mirror[T]) View(name string) (*live.View[T], bool) {
	return m.cache.View(name)
}

// Fetch returns the cached record, or fetches it and caches it.
func (m *Mirror[T]) Fetch(ctx context.Context, id string) (*T, error) {
	if rec, ok := m.cache.Get(id); ok {
		return rec, nil
	}
	rec, err := m.col.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mirror %s: %w", m.name, err)
	}
	if _, err := m.cache.Upsert(rec); err != nil {
		return nil, fmt.Errorf("mirror %s: cache %s: %w", m.name, id, err)
	}
	return rec, nil
}

// Save writes doc remotely, then applies it locally. Reports whether the
// record was inserted.
func (m *Mirror[T]) Save(ctx context.Context, doc *T) (bool, error) {
	inserted, err := m.col.Save(ctx, doc)
	if err != nil {
		return false, fmt.Errorf("mirror %s: %w", m.name, err)
	}
	if _, err := m.cache.Upsert(doc); err != nil {
		return inserted, fmt.Errorf("mirror %s: cache: %w", m.name, err)
	}
	return inserted, nil
}

// Delete removes the record remotely, then locally. A record already gone
// remotely is still dropped from the cache and lynx.ErrNotFound returned.
func (m *Mirror[T]) Delete(ctx context.Context, id string) error {
	err := m.col.Delete(ctx, id)
	if err != nil && !errors.Is(err, lynx.ErrNotFound) {
		return fmt.Errorf("mirror %s: %w", m.name, err)
	}
	m.cache.Delete(id)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", m.name, err)
	}
	return nil
}

// Refresh re-runs every watch's query and reconciles the views: records
// returned are upserted, and records a view holds that the query no longer
// returns are fetched again or dropped when gone.
func (m *Mirror[T]) Refresh(ctx context.Context) error {
	m.mu.Lock()
	watches := make(map[string]records.Filter, len(m.watches))
	for name, f := range m.watches {
		watches[name] = f
	}
	m.mu.Unlock()

	for name, f := range watches {
		if err := m.refreshView(ctx, name, f); err != nil {
			return fmt.Errorf("mirror %s: refresh %s: %w", m.name, name, err)
		}
	}
	return nil
}

func (m *Mirror[T]) refreshView(ctx context.Context, name string, f records.Filter) error {
	docs, err := m.col.Query().Match(f).Execute(ctx)
	if err != nil {
		return err
	}
	if err := m.load(docs); err != nil {
		return err
	}

	v, ok := m.cache.View(name)
	if !ok {
		return nil
	}
	returned := make(map[string]bool, len(docs))
	for _, doc := range docs {
		id, _ := meta.ExtractID(doc)
		returned[id] = true
	}
	for _, id := range v.IDs() {
		if returned[id] {
			continue
		}
		rec, err := m.col.Fetch(ctx, id)
		if errors.Is(err, lynx.ErrNotFound) {
			m.cache.Delete(id)
			continue
		}
		if err != nil {
			return err
		}
		if _, err := m.cache.Upsert(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror[T]) load(docs []*T) error {
	for _, doc := range docs {
		if m.stale(doc) {
			continue
		}
		if _, err := m.cache.Upsert(doc); err != nil {
			return err
		}
	}
	return nil
}

// stale reports whether the cache already holds a newer version of rec.
func (m *Mirror[T]) stale(rec *T) bool {
	id, err := meta.ExtractID(rec)
	if err != nil {
		return false
	}
	return m.staleVersion(id, rec)
}

func (m *Mirror[T]) staleVersion(id string, rec *T) bool {
	incoming, ok := meta.ExtractVersion(rec)
	if !ok {
		return false
	}
	cached, ok := m.cache.Get(id)
	if !ok {
		return false
	}
	current, _ := meta.ExtractVersion(cached)
	return current > incoming
}

// Process applies change log entries to the cache. A change is ignored when
// the mirror already applied a later change to the same record, or when the
// cached version is newer, which makes replays harmless.
func (m *Mirror[T]) Process(_ context.Context, chs []changes.Change) error {
	// a record inserted and deleted within one batch never shows
	deletedAt := make(map[string]int64)
	for _, c := range chs {
		if c.Collection == m.col.Name() && c.Kind == changes.Deleted && c.Position > deletedAt[c.RecordID] {
			deletedAt[c.RecordID] = c.Position
		}
	}

	for _, c := range chs {
		if c.Collection != m.col.Name() || m.applied(c.RecordID, c.Position) {
			continue
		}

		if c.Kind == changes.Deleted {
			m.mark(c.RecordID, c.Position)
			if cached, ok := m.cache.Get(c.RecordID); ok {
				if v, ok := meta.ExtractVersion(cached); ok && v > c.Version {
					continue
				}
			}
			m.cache.Delete(c.RecordID)
			continue
		}

		if c.Position < deletedAt[c.RecordID] {
			continue
		}
		rec, err := records.Decode[T](m.col.Codec(), c.RecordID, c.Version, c.Data)
		if err != nil {
			m.logger.Warn("skip undecodable change", "mirror", m.name, "position", c.Position, "id", c.RecordID, "error", err)
			continue
		}
		if m.staleVersion(c.RecordID, rec) {
			continue
		}
		if _, err := m.cache.Upsert(rec); err != nil {
			return fmt.Errorf("mirror %s: apply %d: %w", m.name, c.Position, err)
		}
		m.mark(c.RecordID, c.Position)
	}
	return nil
}

func (m *Mirror[T]) applied(id string, position int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return position <= m.positions[id]
}

func (m *Mirror[T]) mark(id string, position int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position > m.positions[id] {
		m.positions[id] = position
	}
}

// Reset empties the cache, reloads every watched view from a fresh query and
// moves the checkpoint to the log head read before the queries. A daemon
// rebuild calls it after rewinding the checkpoint, so nothing the queries
// already reflect is replayed. Listeners see every record leave and return.
func (m *Mirror[T]) Reset(ctx context.Context) error {
	head, err := m.head(ctx)
	if err != nil {
		return fmt.Errorf("mirror %s: reset: %w", m.name, err)
	}
	m.mu.Lock()
	m.positions = make(map[string]int64)
	m.mu.Unlock()

	m.cache.Reset()
	if err := m.Refresh(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.positioned = true
	m.mu.Unlock()
	if err := m.checkpoint.Save(ctx, m.name, head); err != nil {
		return fmt.Errorf("mirror %s: reset: %w", m.name, err)
	}
	return nil
}

// Sync drains the change log into the mirror once. Use it when no daemon
// drives the mirror.
func (m *Mirror[T]) Sync(ctx context.Context) error {
	poller := subscriptions.NewPoller(m.store, m.batchSize, m.col.Name())
	w := subscriptions.NewWorker(m, poller, m.Checkpoint(), subscriptions.WithWorkerLogger(m.logger))
	return w.Drain(ctx)
}
