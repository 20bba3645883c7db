package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/changes"
)

// ErrUnknownSubscriber is returned for names never added to the daemon.
var ErrUnknownSubscriber = errors.New("subscriptions: unknown subscriber")

type DaemonOption func(*daemonConfig)

type daemonConfig struct {
	pollingInterval time.Duration
	batchSize       int
	maxRetries      int
}

func WithPollingInterval(d time.Duration) DaemonOption {
	return func(c *daemonConfig) { c.pollingInterval = d }
}

func WithBatchSize(n int) DaemonOption {
	return func(c *daemonConfig) { c.batchSize = n }
}

// WithMaxRetries sets how many consecutive failed batches dead-letter a
// subscriber.
func WithMaxRetries(n int) DaemonOption {
	return func(c *daemonConfig) { c.maxRetries = n }
}

// Daemon runs a worker per subscriber. Workers drain on start, on every
// polling tick, and whenever a notification names one of their collections.
type Daemon struct {
	store       *lynx.Store
	config      daemonConfig
	logger      *slog.Logger
	checkpoints *CheckpointStore
	locker      *AdvisoryLocker

	mu          sync.Mutex
	subscribers []Subscriber
}

func NewDaemon(store *lynx.Store, opts ...DaemonOption) *Daemon {
	cfg := daemonConfig{
		pollingInterval: 5 * time.Second,
		batchSize:       100,
		maxRetries:      5,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Daemon{
		store:       store,
		config:      cfg,
		logger:      store.Logger(),
		checkpoints: NewCheckpointStore(store),
		locker:      NewAdvisoryLocker(store.PgxPool()),
	}
}

// loggerAdopter is implemented by subscribers that log through the daemon's
// logger unless given their own.
type loggerAdopter interface {
	adoptLogger(*slog.Logger)
}

// Add registers a subscriber. Subscribers added after Run started are picked
// up by the next Run.
func (d *Daemon) Add(sub Subscriber) {
	if a, ok := sub.(loggerAdopter); ok {
		a.adoptLogger(d.logger)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *Daemon) lookup(name string) (Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subscribers {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSubscriber, name)
}

func (d *Daemon) checkpointFor(sub Subscriber) Checkpointer {
	if ls, ok := sub.(LocalSubscriber); ok {
		return ls.Checkpoint()
	}
	return d.checkpoints
}

func (d *Daemon) workerFor(sub Subscriber, locked bool) *Worker {
	opts := []WorkerOption{
		WithWorkerMaxRetries(d.config.maxRetries),
		WithWorkerLogger(d.logger),
	}
	if _, local := sub.(LocalSubscriber); locked && !local {
		opts = append(opts, WithLocker(d.locker))
	}
	source := NewPoller(d.store, d.config.batchSize, sub.Collections()...)
	return NewWorker(sub, source, d.checkpointFor(sub), opts...)
}

// Run blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.mu.Lock()
	subs := append([]Subscriber(nil), d.subscribers...)
	d.mu.Unlock()
	if len(subs) == 0 {
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	wakes := make([]chan struct{}, len(subs))
	for i, sub := range subs {
		wakes[i] = make(chan struct{}, 1)
		w := d.workerFor(sub, true)
		wg.Add(1)
		go func(wake <-chan struct{}) {
			defer wg.Done()
			d.runWorker(ctx, w, wake)
		}(wakes[i])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.listen(ctx, func(n changes.Notification) {
			for i, sub := range subs {
				if !wants(sub, n.Collection) {
					continue
				}
				select {
				case wakes[i] <- struct{}{}:
				default:
				}
			}
		})
	}()

	wg.Wait()
}

func (d *Daemon) runWorker(ctx context.Context, w *Worker, wake <-chan struct{}) {
	d.drain(ctx, w)

	ticker := time.NewTicker(d.config.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		d.drain(ctx, w)
	}
}

func (d *Daemon) drain(ctx context.Context, w *Worker) {
	if err := w.Drain(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("process batch", "subscriber", w.Name(), "error", err)
	}
}

// listen relays notifications until ctx ends, reconnecting after failures.
// Polling keeps workers going while the listener is down.
func (d *Daemon) listen(ctx context.Context, wake func(changes.Notification)) {
	poller := NewPoller(d.store, d.config.batchSize)
	for {
		err := poller.Listen(ctx, func(n changes.Notification) bool {
			wake(n)
			return true
		})
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("change listener stopped", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.config.pollingInterval):
		}
	}
}

// Rebuild rewinds the named subscriber's checkpoint and replays the change
// log through it. Subscribers implementing Resetter drop their state after
// the rewind and may move the checkpoint forward to skip what they reloaded.
func (d *Daemon) Rebuild(ctx context.Context, name string) error {
	sub, err := d.lookup(name)
	if err != nil {
		return err
	}

	if _, local := sub.(LocalSubscriber); !local {
		if err := d.waitForLock(ctx, name); err != nil {
			return fmt.Errorf("daemon: rebuild %s: %w", name, err)
		}
		defer func() {
			if err := d.locker.Unlock(ctx, name); err != nil {
				d.logger.Error("release lock", "subscriber", name, "error", err)
			}
		}()
	}

	cp := d.checkpointFor(sub)
	if err := cp.Reset(ctx, name); err != nil {
		return fmt.Errorf("daemon: reset checkpoint %s: %w", name, err)
	}

	if r, ok := sub.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return fmt.Errorf("daemon: rebuild %s: reset: %w", name, err)
		}
	}

	d.logger.Info("rebuilding subscriber", "subscriber", name)
	w := d.workerFor(sub, false)
	if err := w.Drain(ctx); err != nil {
		return fmt.Errorf("daemon: rebuild %s: %w", name, err)
	}

	if err := cp.SetStatus(ctx, name, StatusRunning); err != nil {
		return fmt.Errorf("daemon: rebuild %s set status: %w", name, err)
	}
	return nil
}

func (d *Daemon) waitForLock(ctx context.Context, name string) error {
	for {
		ok, err := d.locker.TryLock(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Stop pauses the named subscriber. Its checkpoint is kept.
func (d *Daemon) Stop(ctx context.Context, name string) error {
	return d.setStatus(ctx, name, StatusStopped)
}

// Resume restarts a stopped or dead-lettered subscriber from its checkpoint.
func (d *Daemon) Resume(ctx context.Context, name string) error {
	return d.setStatus(ctx, name, StatusRunning)
}

// Status returns the named subscriber's checkpoint and status.
func (d *Daemon) Status(ctx context.Context, name string) (int64, Status, error) {
	sub, err := d.lookup(name)
	if err != nil {
		return 0, "", err
	}
	return d.checkpointFor(sub).Load(ctx, name)
}

func (d *Daemon) setStatus(ctx context.Context, name string, status Status) error {
	sub, err := d.lookup(name)
	if err != nil {
		return err
	}
	if err := d.checkpointFor(sub).SetStatus(ctx, name, status); err != nil {
		return fmt.Errorf("daemon: %s: %w", name, err)
	}
	d.logger.Info("subscriber status changed", "subscriber", name, "status", string(status))
	return nil
}
