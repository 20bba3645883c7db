package subscriptions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ripkitten-co/lynx/changes"
	"github.com/ripkitten-co/lynx/internal/meta"
)

// DefinitionSource lists query subscriptions. Registry implements it.
type DefinitionSource interface {
	List(ctx context.Context, collections ...string) ([]Definition, error)
}

// Match is one fired query subscription.
type Match struct {
	SubscriptionID string
	Notification   changes.Notification
	// Record is the decoded record body, including "id" and "version".
	Record map[string]any
}

// NotifyFunc receives fired subscriptions. An error fails the batch, which
// is then retried from the checkpoint.
type NotifyFunc func(ctx context.Context, m Match) error

// Dispatcher is a durable subscriber that evaluates query subscriptions
// against each change and reports the matches in log order.
type Dispatcher struct {
	name        string
	source      DefinitionSource
	notify      NotifyFunc
	collections []string
	logger      *slog.Logger
}

// NewDispatcher watches the given collections, or all when none are given.
func NewDispatcher(name string, source DefinitionSource, notify NotifyFunc, collections ...string) *Dispatcher {
	return &Dispatcher{
		name:        name,
		source:      source,
		notify:      notify,
		collections: collections,
	}
}

// SetLogger replaces the logger used for skipped changes and subscriptions.
// Without one, the dispatcher logs through the logger of the daemon it is
// added to, or slog.Default.
func (d *Dispatcher) SetLogger(l *slog.Logger) {
	if l != nil {
		d.logger = l
	}
}

func (d *Dispatcher) adoptLogger(l *slog.Logger) {
	if d.logger == nil {
		d.logger = l
	}
}

func (d *Dispatcher) log() *slog.Logger {
	if d.logger == nil {
		return slog.Default()
	}
	return d.logger
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) Collections() []string { return d.collections }

func (d *Dispatcher) Process(ctx context.Context, chs []changes.Change) error {
	defs, err := d.source.List(ctx, batchCollections(chs)...)
	if err != nil {
		return fmt.Errorf("dispatcher %s: list subscriptions: %w", d.name, err)
	}
	if len(defs) == 0 {
		return nil
	}

	for i := range chs {
		c := &chs[i]
		doc, err := DecodeRecord(c)
		if err != nil {
			d.log().Warn("skip undecodable change", "dispatcher", d.name, "position", c.Position, "error", err)
			continue
		}
		for _, def := range defs {
			ok, err := def.Matches(*c, doc)
			if err != nil {
				d.log().Warn("skip invalid subscription", "dispatcher", d.name, "subscription", def.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			m := Match{SubscriptionID: def.ID, Notification: changes.NotificationFor(c), Record: doc}
			if err := d.notify(ctx, m); err != nil {
				return fmt.Errorf("dispatcher %s: notify %s at %d: %w", d.name, def.ID, c.Position, err)
			}
		}
	}
	return nil
}

// DecodeRecord decodes a change's record body into a document map with the
// record's id and version filled in.
func DecodeRecord(c *changes.Change) (map[string]any, error) {
	doc := make(map[string]any)
	if len(c.Data) > 0 {
		if err := json.Unmarshal(c.Data, &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", c.Collection, c.RecordID, err)
		}
	}
	doc[meta.IDKey] = c.RecordID
	doc[meta.VersionKey] = c.Version
	return doc, nil
}

func batchCollections(chs []changes.Change) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range chs {
		if !seen[c.Collection] {
			seen[c.Collection] = true
			out = append(out, c.Collection)
		}
	}
	return out
}
