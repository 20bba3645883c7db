// Package live keeps in-memory, predicate-filtered views of records in step
// with a stream of upserts and deletions. For every view it decides whether a
// change means the record entered, changed within, or left the view, splices
// the view's ordered list accordingly, and tells the view's listeners.
package live

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/r3labs/diff/v3"
	"github.com/ripkitten-co/lynx/internal/meta"
)

var (
	// ErrViewExists is returned when registering a view name twice.
	ErrViewExists = errors.New("live: view already registered")

	// ErrMissingID is returned for records whose ID is empty.
	ErrMissingID = errors.New("live: record has no id")
)

type Option[T any] func(*Cache[T])

// WithIDFunc overrides how record IDs are read. By default the field tagged
// lynx:"id" (or named ID) is used.
func WithIDFunc[T any](fn func(*T) string) Option[T] {
	return func(c *Cache[T]) { c.idOf = fn }
}

func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(c *Cache[T]) {
		if l != nil {
			c.logger = l
		}
	}
}

// Cache holds the latest known copy of each record plus any number of named
// views over them. It is safe for concurrent use.
type Cache[T any] struct {
	mu      sync.RWMutex
	records map[string]*T
	arrival []string
	views   []*View[T]

	// held from the end of a mutation until its listeners return, so
	// listeners observe mutations in the order they were applied
	dispatch sync.Mutex

	idOf   func(*T) string
	logger *slog.Logger
}

func New[T any](opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		records: make(map[string]*T),
		idOf:    defaultID[T],
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func defaultID[T any](rec *T) string {
	id, err := meta.ExtractID(rec)
	if err != nil {
		return ""
	}
	return id
}

type pending[T any] struct {
	view   *View[T]
	change Change[T]
}

// emit must be called with c.mu held for writing. It releases c.mu and
// delivers the changes.
func (c *Cache[T]) emit(out []pending[T]) {
	c.dispatch.Lock()
	c.mu.Unlock()
	defer c.dispatch.Unlock()
	for _, p := range out {
		p.view.notify(p.change)
	}
}

func changesOf[T any](out []pending[T]) []Change[T] {
	if len(out) == 0 {
		return nil
	}
	res := make([]Change[T], len(out))
	for i, p := range out {
		res[i] = p.change
	}
	return res
}

// Register adds a view and fills it from the records already cached, in the
// order they first arrived. The seeding changes are delivered to listeners
// passed with WithListener.
func (c *Cache[T]) Register(name string, match Predicate[T], opts ...ViewOption[T]) (*View[T], error) {
	c.mu.Lock()
	if slices.ContainsFunc(c.views, func(v *View[T]) bool { return v.name == name }) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrViewExists, name)
	}

	v := newView(&c.mu, name, match, opts)
	var out []pending[T]
	for _, id := range c.arrival {
		if ch, ok := v.apply(id, c.records[id]); ok {
			out = append(out, pending[T]{v, ch})
		}
	}
	c.views = append(c.views, v)
	c.emit(out)
	return v, nil
}

// Unregister drops a view. Its listeners receive nothing further.
func (c *Cache[T]) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.views, func(v *View[T]) bool { return v.name == name })
	if i < 0 {
		return false
	}
	c.views = slices.Delete(c.views, i, i+1)
	return true
}

func (c *Cache[T]) View(name string) (*View[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.views {
		if v.name == name {
			return v, true
		}
	}
	return nil, false
}

// Views returns the registered view names in registration order.
func (c *Cache[T]) Views() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.views))
	for i, v := range c.views {
		names[i] = v.name
	}
	return names
}

// Upsert stores a copy of rec and re-evaluates every view against it. A
// record identical to the cached copy changes nothing; slice order counts.
func (c *Cache[T]) Upsert(rec *T) ([]Change[T], error) {
	if rec == nil {
		return nil, fmt.Errorf("live: upsert nil record")
	}
	id := c.idOf(rec)
	if id == "" {
		return nil, ErrMissingID
	}
	cp := *rec

	c.mu.Lock()
	prev, had := c.records[id]
	var changelog diff.Changelog
	if had {
		cl, err := diff.Diff(*prev, cp, diff.SliceOrdering(true))
		switch {
		case err != nil:
			c.logger.Debug("diff records", "id", id, "error", err)
		case len(cl) == 0:
			c.mu.Unlock()
			return nil, nil
		default:
			changelog = cl
		}
	} else {
		c.arrival = append(c.arrival, id)
	}
	c.records[id] = &cp

	var out []pending[T]
	for _, v := range c.views {
		ch, ok := v.apply(id, &cp)
		if !ok {
			continue
		}
		if ch.Kind == Updated {
			ch.Diff = changelog
		}
		out = append(out, pending[T]{v, ch})
	}
	c.emit(out)
	return changesOf(out), nil
}

// Load upserts each record in order and returns all resulting changes.
func (c *Cache[T]) Load(recs []*T) ([]Change[T], error) {
	var all []Change[T]
	for _, rec := range recs {
		chs, err := c.Upsert(rec)
		if err != nil {
			return all, err
		}
		all = append(all, chs...)
	}
	return all, nil
}

// Delete forgets a record and removes it from every view holding it.
// Unknown IDs are ignored.
func (c *Cache[T]) Delete(id string) []Change[T] {
	c.mu.Lock()
	if _, had := c.records[id]; !had {
		c.mu.Unlock()
		return nil
	}
	delete(c.records, id)
	if i := slices.Index(c.arrival, id); i >= 0 {
		c.arrival = slices.Delete(c.arrival, i, i+1)
	}

	var out []pending[T]
	for _, v := range c.views {
		if ch, ok := v.apply(id, nil); ok {
			out = append(out, pending[T]{v, ch})
		}
	}
	c.emit(out)
	return changesOf(out)
}

// Get returns a copy of the cached record.
func (c *Cache[T]) Get(id string) (*T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// IDs returns the cached record IDs in arrival order.
func (c *Cache[T]) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.arrival)
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Reset empties the cache and every view. Listeners receive a Removed change
// for each record a view held, last position first.
func (c *Cache[T]) Reset() []Change[T] {
	c.mu.Lock()
	c.records = make(map[string]*T)
	c.arrival = nil
	var out []pending[T]
	for _, v := range c.views {
		for i := len(v.ids) - 1; i >= 0; i-- {
			out = append(out, pending[T]{v, Change[T]{View: v.name, Kind: Removed, ID: v.ids[i], Index: i, Record: v.items[i]}})
		}
		v.reset()
	}
	c.emit(out)
	return changesOf(out)
}
