package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/changes"
)

// ChangeSource supplies change log entries after a position, oldest first.
type ChangeSource interface {
	Poll(ctx context.Context, afterPosition int64) ([]changes.Change, error)
}

// Poller reads batches from the change log and supports LISTEN/NOTIFY for
// low-latency wakeups.
type Poller struct {
	log         *changes.Log
	pool        *pgxpool.Pool
	collections []string
	batchSize   int
	logger      *slog.Logger
}

// NewPoller creates a poller that reads up to batchSize changes per poll,
// restricted to collections when any are given.
func NewPoller(store *lynx.Store, batchSize int, collections ...string) *Poller {
	return &Poller{
		log:         changes.NewLog(store),
		pool:        store.PgxPool(),
		collections: collections,
		batchSize:   batchSize,
		logger:      store.Logger(),
	}
}

// Poll returns changes with a position greater than afterPosition.
func (p *Poller) Poll(ctx context.Context, afterPosition int64) ([]changes.Change, error) {
	return p.log.ReadCollection(ctx, p.collections, afterPosition, p.batchSize)
}

// WaitForNotification blocks until one change notification arrives or the
// context is cancelled.
func (p *Poller) WaitForNotification(ctx context.Context) (changes.Notification, error) {
	var got changes.Notification
	err := p.Listen(ctx, func(n changes.Notification) bool {
		got = n
		return false
	})
	return got, err
}

// Listen holds a dedicated connection listening on changes.Channel and calls
// fn for every well-formed notification until fn returns false or ctx ends.
// Malformed payloads are logged and skipped.
func (p *Poller) Listen(ctx context.Context, fn func(changes.Notification) bool) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("poller: acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+changes.Channel); err != nil {
		return fmt.Errorf("poller: listen: %w", err)
	}
	defer func() {
		// the connection goes back to the pool
		_, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+changes.Channel)
	}()

	for {
		msg, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("poller: wait: %w", err)
		}
		n, err := changes.ParseNotification(msg.Payload)
		if err != nil {
			p.logger.Warn("skip notification", "payload", msg.Payload, "error", err)
			continue
		}
		if !fn(n) {
			return nil
		}
	}
}
