package codecs_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ripkitten-co/lynx/internal/codecs"
)

type task struct {
	ID       string
	Title    string
	DueAt    time.Time
	Priority int    `json:"prio"`
	Secret   string `json:"-"`
	Done     bool
	Version  int
}

func newRecord() codecs.Codec {
	return codecs.NewRecord(codecs.NewJSONIter())
}

func TestRecordCodec_MarshalKeys(t *testing.T) {
	data, err := newRecord().Marshal(&task{
		ID: "t1", Title: "write docs", Priority: 2, Secret: "x", Version: 9,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("parse: %v", err)
	}

	for _, key := range []string{"title", "dueAt", "prio", "done"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	for _, key := range []string{"id", "ID", "version", "Version", "secret", "Secret"} {
		if _, ok := raw[key]; ok {
			t.Errorf("unexpected key %q in %s", key, data)
		}
	}
}

func TestRecordCodec_RoundTripDropsColumns(t *testing.T) {
	c := newRecord()
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	in := task{ID: "t1", Title: "ship", DueAt: due, Priority: 1, Done: true, Version: 3}

	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out task
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := task{Title: "ship", DueAt: due, Priority: 1, Done: true}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordCodec_UnknownKeysIgnored(t *testing.T) {
	var out task
	if err := newRecord().Unmarshal([]byte(`{"title":"a","color":"red"}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Title != "a" {
		t.Errorf("Title = %q", out.Title)
	}
}

func TestRecordCodec_FieldTypeMismatch(t *testing.T) {
	var out task
	if err := newRecord().Unmarshal([]byte(`{"prio":"high"}`), &out); err == nil {
		t.Fatal("expected error for string into int field")
	}
}

func TestRecordCodec_MapPassThrough(t *testing.T) {
	c := newRecord()
	var doc map[string]any
	if err := c.Unmarshal([]byte(`{"title":"a","prio":2}`), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["title"] != "a" || doc["prio"] != float64(2) {
		t.Errorf("doc = %v", doc)
	}

	data, err := c.Marshal(map[string]any{"k": 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"k":1}` {
		t.Errorf("got %s", data)
	}
}

func TestJSONIter_InvalidInput(t *testing.T) {
	var out map[string]any
	if err := codecs.NewJSONIter().Unmarshal([]byte("not json"), &out); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
