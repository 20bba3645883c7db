package subscriptions

import (
	"context"
	"fmt"

	"github.com/ripkitten-co/lynx/changes"
)

// HandleFunc reacts to one change.
type HandleFunc func(ctx context.Context, c changes.Change) error

// Handler reacts to changes for side effects (sending emails, calling APIs)
// without keeping state. It is a durable subscriber: at-least-once delivery
// through the shared checkpoint table.
type Handler struct {
	name        string
	collections []string
	handlers    map[changes.Kind]HandleFunc
}

// NewHandler creates a handler receiving changes from the given collections,
// or from all collections when none are given.
func NewHandler(name string, collections ...string) *Handler {
	return &Handler{
		name:        name,
		collections: collections,
		handlers:    make(map[changes.Kind]HandleFunc),
	}
}

// On registers fn for changes of the given kind. Returns the handler for
// method chaining.
func (h *Handler) On(kind changes.Kind, fn HandleFunc) *Handler {
	h.handlers[kind] = fn
	return h
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Collections() []string { return h.collections }

// Process calls the registered callbacks in log order and stops at the first
// error, so the batch is retried from the checkpoint.
func (h *Handler) Process(ctx context.Context, chs []changes.Change) error {
	for _, c := range chs {
		fn, ok := h.handlers[c.Kind]
		if !ok {
			continue
		}
		if err := fn(ctx, c); err != nil {
			return fmt.Errorf("handler %s: handle %s %s/%s: %w", h.name, c.Kind, c.Collection, c.RecordID, err)
		}
	}
	return nil
}
