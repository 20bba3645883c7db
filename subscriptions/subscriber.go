package subscriptions

import (
	"context"

	"github.com/ripkitten-co/lynx/changes"
)

// Subscriber consumes change log entries. Collections limits which
// collections it receives; an empty list means all of them.
type Subscriber interface {
	Name() string
	Collections() []string
	Process(ctx context.Context, chs []changes.Change) error
}

// LocalSubscriber keeps its own checkpoint instead of the shared checkpoint
// table. It is not locked across processes.
type LocalSubscriber interface {
	Subscriber
	Checkpoint() Checkpointer
}

// Resetter is implemented by subscribers holding derived state that must be
// dropped when a rebuild replays the log. Reset runs after the checkpoint is
// rewound; a subscriber that reloads its state elsewhere saves a later
// position to its own checkpoint.
type Resetter interface {
	Reset(ctx context.Context) error
}

func wants(sub Subscriber, collection string) bool {
	cols := sub.Collections()
	if len(cols) == 0 {
		return true
	}
	for _, c := range cols {
		if c == collection {
			return true
		}
	}
	return false
}
