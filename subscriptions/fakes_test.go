package subscriptions

import (
	"context"
	"errors"
	"sync"

	"github.com/ripkitten-co/lynx/changes"
)

type sliceSource struct {
	chs   []changes.Change
	limit int
	err   error
	polls int
}

func (s *sliceSource) Poll(_ context.Context, after int64) ([]changes.Change, error) {
	s.polls++
	if s.err != nil {
		return nil, s.err
	}
	var out []changes.Change
	for _, c := range s.chs {
		if c.Position > after {
			out = append(out, c)
		}
		if s.limit > 0 && len(out) == s.limit {
			break
		}
	}
	return out, nil
}

type recordingSubscriber struct {
	name        string
	collections []string
	fail        error
	got         []changes.Change
	calls       int
}

func (r *recordingSubscriber) Name() string          { return r.name }
func (r *recordingSubscriber) Collections() []string { return r.collections }

func (r *recordingSubscriber) Process(_ context.Context, chs []changes.Change) error {
	r.calls++
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, chs...)
	return nil
}

func (r *recordingSubscriber) positions() []int64 {
	var out []int64
	for _, c := range r.got {
		out = append(out, c.Position)
	}
	return out
}

type fakeLocker struct {
	mu       sync.Mutex
	deny     bool
	err      error
	locked   map[string]bool
	unlocked int
}

func (l *fakeLocker) TryLock(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.deny || l.locked[name] {
		return false, nil
	}
	if l.locked == nil {
		l.locked = make(map[string]bool)
	}
	l.locked[name] = true
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, name)
	l.unlocked++
	return nil
}

var errBoom = errors.New("boom")

func change(pos int64, collection, id string, kind changes.Kind, data string) changes.Change {
	var body []byte
	if data != "" {
		body = []byte(data)
	}
	return changes.Change{Position: pos, Collection: collection, RecordID: id, Kind: kind, Version: 1, Data: body}
}
