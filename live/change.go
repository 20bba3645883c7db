package live

import "github.com/r3labs/diff/v3"

// Kind says what a record mutation meant for one view.
type Kind int

const (
	// Inserted: the record entered the view.
	Inserted Kind = iota + 1
	// Updated: the record stayed in the view with new contents. It may have
	// moved; compare OldIndex with Index.
	Updated
	// Removed: the record left the view, because it was deleted or stopped
	// matching the view's predicate.
	Removed
)

func (k Kind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change describes how one view changed. Index is the record's position after
// the change (Inserted, Updated) or before it (Removed). OldIndex is set for
// Updated only. Previous is nil for Inserted; Record is the removed record
// for Removed.
type Change[T any] struct {
	View     string
	Kind     Kind
	ID       string
	Index    int
	OldIndex int
	Record   *T
	Previous *T
	Diff     diff.Changelog
}

// Moved reports whether an update changed the record's position.
func (c Change[T]) Moved() bool {
	return c.Kind == Updated && c.Index != c.OldIndex
}
