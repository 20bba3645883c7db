package records

import (
	"fmt"

	"github.com/ripkitten-co/lynx/internal/meta"
)

type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

type orderByClause struct {
	field     string
	direction Direction
}

func (o orderByClause) toSQL() (string, error) {
	if err := validateField(o.field); err != nil {
		return "", err
	}
	_, jsonb := fieldExprs(o.field)
	switch o.field {
	case meta.IDKey:
		jsonb = `id COLLATE "C"`
	case meta.VersionKey:
		jsonb = "version"
	}
	switch o.direction {
	case Asc, "":
		return jsonb + " ASC NULLS FIRST", nil
	case Desc:
		return jsonb + " DESC NULLS LAST", nil
	}
	return "", fmt.Errorf("query: invalid direction %q", o.direction)
}

// Less returns an ordering function over records by one field, usable as a
// live view ordering. Missing values sort first in ascending order, like the
// SQL ordering of Query.OrderBy.
func Less[T any](field string, dir Direction) func(a, b *T) bool {
	return func(a, b *T) bool {
		av, _ := meta.Lookup(a, field)
		bv, _ := meta.Lookup(b, field)
		c := orderValues(normalize(av), normalize(bv))
		if dir == Desc {
			return c > 0
		}
		return c < 0
	}
}

func orderValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	c, ok := compareValues(a, b)
	if !ok {
		return 0
	}
	return c
}
