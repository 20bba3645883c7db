package records

import (
	"fmt"
	"reflect"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ripkitten-co/lynx/internal/meta"
)

// Condition compares one field of a record against a value. Field is the
// record's JSON key, or "id" / "version".
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Filter is a conjunction of conditions. The same Filter is compiled to SQL
// for remote queries and evaluated in memory against incoming records, so a
// record matches locally exactly when the query would have returned it. The
// empty Filter matches everything.
type Filter []Condition

var allowedOps = map[string]bool{
	"=": true, "!=": true,
	">": true, "<": true,
	">=": true, "<=": true,
}

// Where starts a filter with a single condition.
func Where(field, op string, value any) Filter {
	return Filter{{Field: field, Op: op, Value: value}}
}

// And returns a copy of f with an extra condition.
func (f Filter) And(field, op string, value any) Filter {
	out := make(Filter, len(f), len(f)+1)
	copy(out, f)
	return append(out, Condition{Field: field, Op: op, Value: value})
}

// Validate checks operators, field names and value types.
func (f Filter) Validate() error {
	for _, c := range f {
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Condition) validate() error {
	if !allowedOps[c.Op] {
		return fmt.Errorf("filter: unsupported operator %q", c.Op)
	}
	if err := validateField(c.Field); err != nil {
		return err
	}
	v := normalize(c.Value)
	switch v.(type) {
	case nil:
		if c.Op != "=" && c.Op != "!=" {
			return fmt.Errorf("filter: %s: only = and != compare against null", c.Field)
		}
	case bool:
		if c.Op != "=" && c.Op != "!=" {
			return fmt.Errorf("filter: %s: only = and != compare booleans", c.Field)
		}
	case string, float64, time.Time:
	default:
		return fmt.Errorf("filter: %s: unsupported value type %T", c.Field, c.Value)
	}
	return nil
}

func validateField(field string) error {
	if field == "" {
		return fmt.Errorf("filter: empty field name")
	}
	for _, c := range field {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return fmt.Errorf("filter: invalid field name %q", field)
		}
	}
	return nil
}

// Match evaluates f against a record. doc may be a struct, a pointer to one,
// or a map[string]any as decoded from a stored body.
func (f Filter) Match(doc any) (bool, error) {
	if m, ok := doc.(map[string]any); ok {
		return f.MatchDocument(m)
	}
	for _, c := range f {
		if err := c.validate(); err != nil {
			return false, err
		}
		actual, ok := meta.Lookup(doc, c.Field)
		if !ok {
			return false, fmt.Errorf("filter: %T has no field %q", doc, c.Field)
		}
		if !c.holds(actual) {
			return false, nil
		}
	}
	return true, nil
}

// MatchDocument evaluates f against a decoded body. Missing keys read as null.
func (f Filter) MatchDocument(doc map[string]any) (bool, error) {
	for _, c := range f {
		if err := c.validate(); err != nil {
			return false, err
		}
		if !c.holds(doc[c.Field]) {
			return false, nil
		}
	}
	return true, nil
}

// holds follows SQL semantics: a null field only satisfies "= nil", and a
// field of a different type than the value satisfies nothing.
func (c Condition) holds(actual any) bool {
	want := normalize(c.Value)
	got := normalize(actual)

	if want == nil {
		if c.Op == "=" {
			return got == nil
		}
		return got != nil
	}
	if got == nil {
		return false
	}

	cmp, ok := compareValues(got, want)
	if !ok {
		return false
	}
	switch c.Op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}

var timeType = reflect.TypeOf(time.Time{})

// normalize maps Go values onto the JSON scalar domain: nil, bool, float64,
// string and time.Time. Other kinds are returned unchanged.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Type() == timeType {
		return rv.Interface().(time.Time)
	}
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	}
	return rv.Interface()
}

// compareValues orders two normalized values. It reports false when the
// values are of incomparable types. Strings compare bytewise, matching the
// "C" collation used in SQL.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		switch bv := b.(type) {
		case string:
			switch {
			case av < bv:
				return -1, true
			case av > bv:
				return 1, true
			}
			return 0, true
		case time.Time:
			at, err := time.Parse(time.RFC3339Nano, av)
			if err != nil {
				return 0, false
			}
			return at.Compare(bv), true
		}
	case time.Time:
		switch bv := b.(type) {
		case time.Time:
			return av.Compare(bv), true
		case string:
			bt, err := time.Parse(time.RFC3339Nano, bv)
			if err != nil {
				return 0, false
			}
			return av.Compare(bt), true
		}
	}
	return 0, false
}

// rfc3339Pattern matches the strings time.Parse accepts with time.RFC3339Nano.
const rfc3339Pattern = `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`

// fieldExprs returns the text and jsonb SQL expressions for a field.
func fieldExprs(field string) (text, jsonb string) {
	switch field {
	case meta.IDKey:
		return "id", "to_jsonb(id)"
	case meta.VersionKey:
		return "version", "to_jsonb(version)"
	}
	return fmt.Sprintf("data->>'%s'", field), fmt.Sprintf("data->'%s'", field)
}

func (c Condition) toSQL() (sq.Sqlizer, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	text, jsonb := fieldExprs(c.Field)

	switch v := normalize(c.Value).(type) {
	case nil:
		if c.Op == "=" {
			return sq.Expr(fmt.Sprintf("%s IS NULL", text)), nil
		}
		return sq.Expr(fmt.Sprintf("%s IS NOT NULL", text)), nil
	case bool:
		expr := fmt.Sprintf("(CASE WHEN jsonb_typeof(%s) = 'boolean' THEN (%s)::boolean END) %s ?", jsonb, text, c.Op)
		return sq.Expr(expr, v), nil
	case float64:
		if c.Field == meta.VersionKey {
			return sq.Expr(fmt.Sprintf("version %s ?", c.Op), v), nil
		}
		expr := fmt.Sprintf("(CASE WHEN jsonb_typeof(%s) = 'number' THEN (%s)::numeric END) %s ?", jsonb, text, c.Op)
		return sq.Expr(expr, v), nil
	case time.Time:
		// strings that are not RFC 3339 timestamps compare as NULL, never fail the cast
		expr := fmt.Sprintf(
			"(CASE WHEN jsonb_typeof(%s) = 'string' AND %s ~ ? AND pg_input_is_valid(%s, 'timestamptz') THEN (%s)::timestamptz END) %s ?",
			jsonb, text, text, text, c.Op,
		)
		return sq.Expr(expr, rfc3339Pattern, v), nil
	case string:
		if c.Field == meta.IDKey {
			return sq.Expr(fmt.Sprintf("id COLLATE \"C\" %s ?", c.Op), v), nil
		}
		expr := fmt.Sprintf("(CASE WHEN jsonb_typeof(%s) = 'string' THEN %s END) COLLATE \"C\" %s ?", jsonb, text, c.Op)
		return sq.Expr(expr, v), nil
	}
	return nil, fmt.Errorf("filter: %s: unsupported value type %T", c.Field, c.Value)
}

func (f Filter) toSQL() (sq.Sqlizer, error) {
	and := make(sq.And, 0, len(f))
	for _, c := range f {
		expr, err := c.toSQL()
		if err != nil {
			return nil, err
		}
		and = append(and, expr)
	}
	return and, nil
}
