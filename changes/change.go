// Package changes records every record mutation in an ordered log and
// announces it with a PostgreSQL notification. Subscribers replay the log
// from their checkpoint; notifications only shorten the wait.
package changes

import (
	"fmt"
	"time"
)

// Kind classifies a record mutation.
type Kind string

const (
	Inserted Kind = "inserted"
	Updated  Kind = "updated"
	Deleted  Kind = "deleted"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Inserted, Updated, Deleted:
		return true
	}
	return false
}

// ParseKind converts a stored kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("changes: unknown kind %q", s)
	}
	return k, nil
}

// Change is one entry of the change log. Data holds the record body after
// the mutation, or before it for deletions.
type Change struct {
	Position   int64
	Collection string
	RecordID   string
	Kind       Kind
	Version    int
	Data       []byte
	CreatedAt  time.Time
}
