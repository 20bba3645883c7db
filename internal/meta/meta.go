package meta

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
)

// Reserved keys under which the ID and version fields are addressed by
// filters and orderings. They are stored as columns, not in the JSON body.
const (
	IDKey      = "id"
	VersionKey = "version"
)

type StructMeta struct {
	Name         string
	IDIndex      int
	VersionIndex int
	Fields       []FieldMeta
	Indexes      []IndexMeta
	byKey        map[string]int
}

type FieldMeta struct {
	Index   int
	JSONKey string
}

type IndexType int

const (
	IndexBtree IndexType = iota
	IndexGIN
)

type IndexMeta struct {
	FieldJSONKey string
	Type         IndexType
}

var cache sync.Map

func Analyze[T any]() *StructMeta {
	return AnalyzeType(reflect.TypeOf((*T)(nil)).Elem())
}

func AnalyzeType(t reflect.Type) *StructMeta {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := cache.Load(t); ok {
		return cached.(*StructMeta)
	}
	m := analyze(t)
	actual, _ := cache.LoadOrStore(t, m)
	return actual.(*StructMeta)
}

func analyze(t reflect.Type) *StructMeta {
	m := &StructMeta{Name: t.Name(), IDIndex: -1, VersionIndex: -1}
	if t.Kind() != reflect.Struct {
		return m
	}
	applyLynxTags(t, m)
	applyConventionDefaults(t, m)
	collectDataFields(t, m)
	collectIndexes(t, m)

	m.byKey = make(map[string]int, len(m.Fields)+2)
	for _, f := range m.Fields {
		m.byKey[f.JSONKey] = f.Index
	}
	if m.IDIndex >= 0 {
		m.byKey[IDKey] = m.IDIndex
	}
	if m.VersionIndex >= 0 {
		m.byKey[VersionKey] = m.VersionIndex
	}
	return m
}

func applyLynxTags(t reflect.Type, m *StructMeta) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		switch f.Tag.Get("lynx") {
		case "id":
			m.IDIndex = i
		case "version":
			m.VersionIndex = i
		}
	}
}

func applyConventionDefaults(t reflect.Type, m *StructMeta) {
	if m.IDIndex == -1 {
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).Name == "ID" {
				m.IDIndex = i
				break
			}
		}
	}
	if m.VersionIndex == -1 {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Name == "Version" && f.Type.Kind() == reflect.Int {
				m.VersionIndex = i
				break
			}
		}
	}
}

func jsonKeyForField(f reflect.StructField) string {
	key := jsonKeyFromTag(f.Tag.Get("json"))
	if key == "" {
		key = toCamelCase(f.Name)
	}
	return key
}

func collectDataFields(t reflect.Type, m *StructMeta) {
	for i := 0; i < t.NumField(); i++ {
		if i == m.IDIndex || i == m.VersionIndex {
			continue
		}
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Tag.Get("json") == "-" {
			continue
		}
		m.Fields = append(m.Fields, FieldMeta{Index: i, JSONKey: jsonKeyForField(f)})
	}
}

func collectIndexes(t reflect.Type, m *StructMeta) {
	hasGIN := false
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Tag.Get("json") == "-" {
			continue
		}
		switch f.Tag.Get("lynx") {
		case "index":
			key := jsonKeyForField(f)
			m.Indexes = append(m.Indexes, IndexMeta{FieldJSONKey: key, Type: IndexBtree})
		case "index,gin":
			if !hasGIN {
				m.Indexes = append(m.Indexes, IndexMeta{Type: IndexGIN})
				hasGIN = true
			}
		}
	}
}

func jsonKeyFromTag(tag string) string {
	if tag == "" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func toCamelCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	if unicode.IsLower(runes[0]) {
		return s
	}

	upper := 0
	for _, r := range runes {
		if !unicode.IsUpper(r) {
			break
		}
		upper++
	}

	// "ID", "URL"
	if upper == len(runes) {
		return strings.ToLower(s)
	}

	if upper == 1 {
		return string(unicode.ToLower(runes[0])) + string(runes[1:])
	}

	// "HTTPStatus" -> "httpStatus": the last capital of the run starts the next word
	return strings.ToLower(string(runes[:upper-1])) + string(runes[upper-1:])
}

func analyzeValue(doc any) (reflect.Value, *StructMeta) {
	v := reflect.ValueOf(doc)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return v, AnalyzeType(v.Type())
}

func ExtractID(doc any) (string, error) {
	v, m := analyzeValue(doc)
	if m.IDIndex == -1 {
		return "", fmt.Errorf("lynx: no ID field in %s", v.Type().Name())
	}
	return fmt.Sprint(v.Field(m.IDIndex).Interface()), nil
}

func ExtractVersion(doc any) (int, bool) {
	v, m := analyzeValue(doc)
	if m.VersionIndex == -1 {
		return 0, false
	}
	return int(v.Field(m.VersionIndex).Int()), true
}

func SetVersion(doc any, version int) {
	v, m := analyzeValue(doc)
	if m.VersionIndex == -1 {
		return
	}
	v.Field(m.VersionIndex).SetInt(int64(version))
}

// SetID assigns id to a string ID field. It reports false when the type has
// no ID field or the field is not a string.
func SetID(doc any, id string) bool {
	v, m := analyzeValue(doc)
	if m.IDIndex == -1 {
		return false
	}
	f := v.Field(m.IDIndex)
	if f.Type().Kind() != reflect.String {
		return false
	}
	f.SetString(id)
	return true
}

// Lookup returns the value of the field addressed by a JSON key. The id and
// version keys resolve to the ID and version fields.
func Lookup(doc any, key string) (any, bool) {
	v, m := analyzeValue(doc)
	idx, ok := m.byKey[key]
	if !ok {
		return nil, false
	}
	return v.Field(idx).Interface(), true
}
