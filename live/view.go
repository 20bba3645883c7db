package live

import (
	"slices"
	"sort"
	"sync"
)

// Predicate decides whether a record belongs to a view.
type Predicate[T any] func(rec *T) bool

// Listener receives the changes of one view.
type Listener[T any] func(Change[T])

type ViewOption[T any] func(*View[T])

// OrderBy keeps the view sorted by less. Records comparing equal keep their
// relative order, and an update that leaves a record ordered against its
// neighbours does not move it. Without it, records are kept in arrival order.
func OrderBy[T any](less func(a, b *T) bool) ViewOption[T] {
	return func(v *View[T]) { v.less = less }
}

// WithListener attaches a listener at registration, before the view is
// seeded, so it also receives the initial Inserted changes.
func WithListener[T any](fn Listener[T]) ViewOption[T] {
	return func(v *View[T]) { v.addListener(fn) }
}

// View is an ordered, predicate-filtered list of cached records.
type View[T any] struct {
	name  string
	match Predicate[T]
	less  func(a, b *T) bool

	mu    *sync.RWMutex // the owning cache's lock; guards ids and items
	ids   []string
	items []*T

	lmu       sync.Mutex
	listeners map[int]Listener[T]
	nextID    int
}

func newView[T any](mu *sync.RWMutex, name string, match Predicate[T], opts []ViewOption[T]) *View[T] {
	v := &View[T]{name: name, match: match, mu: mu, listeners: make(map[int]Listener[T])}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *View[T]) Name() string { return v.name }

// Items returns a snapshot of the view's records in order.
func (v *View[T]) Items() []*T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.items)
}

// IDs returns a snapshot of the view's record IDs in order.
func (v *View[T]) IDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.ids)
}

func (v *View[T]) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.items)
}

// At returns the record at position i, or nil when out of range.
func (v *View[T]) At(i int) *T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if i < 0 || i >= len(v.items) {
		return nil
	}
	return v.items[i]
}

// Index returns the position of the record with the given ID, or -1.
func (v *View[T]) Index(id string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.indexOf(id)
}

// Listen registers fn for this view's changes and returns a function that
// removes it. Listeners run after the cache is updated, in registration
// order, and must not write to the cache themselves.
func (v *View[T]) Listen(fn Listener[T]) (cancel func()) {
	return v.addListener(fn)
}

func (v *View[T]) matches(rec *T) bool {
	if rec == nil {
		return false
	}
	return v.match == nil || v.match(rec)
}

func (v *View[T]) indexOf(id string) int {
	return slices.Index(v.ids, id)
}

// position returns where rec goes: after every element not greater than it.
func (v *View[T]) position(rec *T) int {
	if v.less == nil {
		return len(v.items)
	}
	return sort.Search(len(v.items), func(i int) bool {
		return v.less(rec, v.items[i])
	})
}

func (v *View[T]) insertAt(i int, id string, rec *T) {
	v.ids = slices.Insert(v.ids, i, id)
	v.items = slices.Insert(v.items, i, rec)
}

func (v *View[T]) removeAt(i int) *T {
	rec := v.items[i]
	v.ids = slices.Delete(v.ids, i, i+1)
	v.items = slices.Delete(v.items, i, i+1)
	return rec
}

// apply splices rec (nil for a deletion) into the view and reports what
// happened. ok is false when the view is unaffected.
func (v *View[T]) apply(id string, rec *T) (Change[T], bool) {
	pos := v.indexOf(id)
	in := v.matches(rec)

	switch {
	case pos < 0 && !in:
		return Change[T]{}, false

	case pos < 0:
		at := v.position(rec)
		v.insertAt(at, id, rec)
		return Change[T]{View: v.name, Kind: Inserted, ID: id, Index: at, Record: rec}, true

	case !in:
		old := v.removeAt(pos)
		return Change[T]{View: v.name, Kind: Removed, ID: id, Index: pos, Record: old}, true
	}

	if v.inPlace(pos, rec) {
		old := v.items[pos]
		v.items[pos] = rec
		return Change[T]{View: v.name, Kind: Updated, ID: id, Index: pos, OldIndex: pos, Record: rec, Previous: old}, true
	}
	old := v.removeAt(pos)
	at := v.position(rec)
	v.insertAt(at, id, rec)
	return Change[T]{View: v.name, Kind: Updated, ID: id, Index: at, OldIndex: pos, Record: rec, Previous: old}, true
}

// inPlace reports whether rec can stay at i without breaking the order.
func (v *View[T]) inPlace(i int, rec *T) bool {
	if v.less == nil {
		return true
	}
	if i > 0 && v.less(rec, v.items[i-1]) {
		return false
	}
	return i == len(v.items)-1 || !v.less(v.items[i+1], rec)
}

func (v *View[T]) reset() {
	v.ids = nil
	v.items = nil
}

func (v *View[T]) addListener(fn Listener[T]) func() {
	v.lmu.Lock()
	defer v.lmu.Unlock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	return func() {
		v.lmu.Lock()
		defer v.lmu.Unlock()
		delete(v.listeners, id)
	}
}

func (v *View[T]) notify(c Change[T]) {
	v.lmu.Lock()
	ids := make([]int, 0, len(v.listeners))
	for id := range v.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener[T], 0, len(ids))
	for _, id := range ids {
		fns = append(fns, v.listeners[id])
	}
	v.lmu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
