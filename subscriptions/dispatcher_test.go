package subscriptions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ripkitten-co/lynx/changes"
	"github.com/ripkitten-co/lynx/records"
)

type staticDefinitions struct {
	defs  []Definition
	asked [][]string
	err   error
}

func (s *staticDefinitions) List(_ context.Context, collections ...string) ([]Definition, error) {
	s.asked = append(s.asked, collections)
	return s.defs, s.err
}

func TestFiresOn(t *testing.T) {
	tests := []struct {
		f    FiresOn
		kind changes.Kind
		want bool
	}{
		{OnAll, changes.Inserted, true},
		{OnAll, changes.Deleted, true},
		{OnInsert, changes.Updated, false},
		{OnInsert | OnDelete, changes.Deleted, true},
		{OnAll, changes.Kind("bogus"), false},
	}
	for _, tt := range tests {
		if got := tt.f.Has(tt.kind); got != tt.want {
			t.Errorf("FiresOn(%b).Has(%s) = %v, want %v", tt.f, tt.kind, got, tt.want)
		}
	}
}

func TestDecodeRecord(t *testing.T) {
	c := change(9, "tasks", "t1", changes.Updated, `{"title":"x","priority":3}`)
	c.Version = 4
	doc, err := DecodeRecord(&c)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"id": "t1", "version": 4, "title": "x", "priority": float64(3)}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("doc (-want +got):\n%s", diff)
	}

	bad := change(10, "tasks", "t1", changes.Updated, `{not json`)
	if _, err := DecodeRecord(&bad); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestDispatcher_Process(t *testing.T) {
	src := &staticDefinitions{defs: []Definition{
		{ID: "urgent", Collection: "tasks", Filter: records.Where("priority", ">=", 5), FiresOn: OnAll},
		{ID: "created", Collection: "tasks", FiresOn: OnInsert},
		{ID: "other", Collection: "notes", FiresOn: OnAll},
	}}
	var got []string
	d := NewDispatcher("d", src, func(_ context.Context, m Match) error {
		got = append(got, m.SubscriptionID+"@"+m.Notification.RecordID+":"+string(m.Notification.Kind))
		return nil
	})

	err := d.Process(context.Background(), []changes.Change{
		change(1, "tasks", "a", changes.Inserted, `{"priority":7}`),
		change(2, "tasks", "b", changes.Inserted, `{"priority":1}`),
		change(3, "tasks", "b", changes.Updated, `{"priority":9}`),
		change(4, "tasks", "a", changes.Deleted, `{"priority":7}`),
		change(5, "tasks", "c", changes.Updated, `{bad`),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"urgent@a:inserted", "created@a:inserted",
		"created@b:inserted",
		"urgent@b:updated",
		"urgent@a:deleted",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("matches (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"tasks"}}, src.asked); diff != "" {
		t.Errorf("listed collections (-want +got):\n%s", diff)
	}
}

func TestDispatcher_NotifyErrorFailsBatch(t *testing.T) {
	src := &staticDefinitions{defs: []Definition{{ID: "all", Collection: "tasks", FiresOn: OnAll}}}
	d := NewDispatcher("d", src, func(context.Context, Match) error { return errBoom })
	err := d.Process(context.Background(), []changes.Change{change(1, "tasks", "a", changes.Inserted, `{}`)})
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want errBoom", err)
	}
}

func TestDispatcher_SkipsInvalidFilter(t *testing.T) {
	src := &staticDefinitions{defs: []Definition{
		{ID: "broken", Collection: "tasks", Filter: records.Where("priority", "~", 1), FiresOn: OnAll},
		{ID: "ok", Collection: "tasks", FiresOn: OnAll},
	}}
	var got []string
	d := NewDispatcher("d", src, func(_ context.Context, m Match) error {
		got = append(got, m.SubscriptionID)
		return nil
	})
	if err := d.Process(context.Background(), []changes.Change{change(1, "tasks", "a", changes.Inserted, `{}`)}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ok"}, got); diff != "" {
		t.Errorf("matches (-want +got):\n%s", diff)
	}
}

func TestDispatcher_LogsThroughDaemonLogger(t *testing.T) {
	src := &staticDefinitions{defs: []Definition{
		{ID: "broken", Collection: "tasks", Filter: records.Where("priority", "~", 1), FiresOn: OnAll},
	}}
	var daemonLog, ownLog bytes.Buffer
	daemon := &Daemon{logger: slog.New(slog.NewTextHandler(&daemonLog, nil))}

	adopted := NewDispatcher("adopted", src, func(context.Context, Match) error { return nil })
	daemon.Add(adopted)

	own := NewDispatcher("own", src, func(context.Context, Match) error { return nil })
	own.SetLogger(slog.New(slog.NewTextHandler(&ownLog, nil)))
	daemon.Add(own)

	batch := []changes.Change{change(1, "tasks", "a", changes.Inserted, `{}`)}
	for _, d := range []*Dispatcher{adopted, own} {
		if err := d.Process(context.Background(), batch); err != nil {
			t.Fatal(err)
		}
	}
	if !strings.Contains(daemonLog.String(), "dispatcher=adopted") {
		t.Errorf("daemon log = %q", daemonLog.String())
	}
	if strings.Contains(daemonLog.String(), "dispatcher=own") {
		t.Error("explicit logger overridden by the daemon")
	}
	if !strings.Contains(ownLog.String(), "dispatcher=own") {
		t.Errorf("own log = %q", ownLog.String())
	}
}

func TestFilterEncoding(t *testing.T) {
	f := records.Where("priority", ">", 3).And("owner", "=", "ada").And("archived", "=", nil)
	b, err := encodeFilter(f)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeFilter(b)
	if err != nil {
		t.Fatal(err)
	}
	doc := map[string]any{"priority": 4.0, "owner": "ada"}
	for _, flt := range []records.Filter{f, got} {
		ok, err := flt.MatchDocument(doc)
		if err != nil || !ok {
			t.Errorf("MatchDocument = %v, %v", ok, err)
		}
	}

	empty, _ := encodeFilter(nil)
	if string(empty) != "[]" {
		t.Errorf("nil filter encoded as %s", empty)
	}
}
