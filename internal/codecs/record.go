package codecs

import (
	stdjson "encoding/json"
	"fmt"
	"reflect"

	"github.com/ripkitten-co/lynx/internal/meta"
)

// RecordCodec stores a record's data fields as a JSON object keyed by their
// camelCase (or json-tagged) names. ID and version fields live in their own
// columns and are left out of the body. Non-struct values pass through to the
// inner codec untouched.
type RecordCodec struct {
	inner Codec
}

func NewRecord(inner Codec) *RecordCodec {
	return &RecordCodec{inner: inner}
}

func structValue(v any) (reflect.Value, bool) {
	val := reflect.ValueOf(v)
	for val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return val, false
		}
		val = val.Elem()
	}
	return val, val.Kind() == reflect.Struct
}

func (c *RecordCodec) Marshal(v any) ([]byte, error) {
	val, ok := structValue(v)
	if !ok {
		return c.inner.Marshal(v)
	}
	m := meta.AnalyzeType(val.Type())

	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		out[f.JSONKey] = val.Field(f.Index).Interface()
	}
	return c.inner.Marshal(out)
}

func (c *RecordCodec) Unmarshal(data []byte, v any) error {
	val, ok := structValue(v)
	if !ok {
		return c.inner.Unmarshal(data, v)
	}

	var raw map[string]stdjson.RawMessage
	if err := c.inner.Unmarshal(data, &raw); err != nil {
		return err
	}
	m := meta.AnalyzeType(val.Type())

	for _, f := range m.Fields {
		rawVal, ok := raw[f.JSONKey]
		if !ok {
			continue
		}
		fieldPtr := reflect.New(val.Field(f.Index).Type())
		if err := c.inner.Unmarshal(rawVal, fieldPtr.Interface()); err != nil {
			return fmt.Errorf("field %s: %w", f.JSONKey, err)
		}
		val.Field(f.Index).Set(fieldPtr.Elem())
	}
	return nil
}
