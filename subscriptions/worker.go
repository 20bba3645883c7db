package subscriptions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ripkitten-co/lynx/changes"
)

// Worker drives one subscriber: it reads changes after the subscriber's
// checkpoint, hands them over, and advances the checkpoint.
type Worker struct {
	subscriber          Subscriber
	checkpoint          Checkpointer
	source              ChangeSource
	locker              Locker
	maxRetries          int
	consecutiveFailures int
	logger              *slog.Logger
}

type WorkerOption func(*Worker)

// WithLocker makes the worker take a cross-process lock before draining.
func WithLocker(l Locker) WorkerOption {
	return func(w *Worker) { w.locker = l }
}

func WithWorkerMaxRetries(n int) WorkerOption {
	return func(w *Worker) { w.maxRetries = n }
}

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWorker(sub Subscriber, source ChangeSource, checkpoint Checkpointer, opts ...WorkerOption) *Worker {
	w := &Worker{
		subscriber: sub,
		checkpoint: checkpoint,
		source:     source,
		maxRetries: 5,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) Name() string { return w.subscriber.Name() }

// ProcessBatch polls for changes after the checkpoint and processes those in
// the subscriber's collections. It returns the number of changes polled
// (before filtering) so callers can decide whether to keep draining. After
// maxRetries consecutive failures the subscriber is dead-lettered.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	name := w.subscriber.Name()

	pos, status, err := w.checkpoint.Load(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("worker %s: load checkpoint: %w", name, err)
	}
	if !status.Active() {
		return 0, nil
	}

	chs, err := w.source.Poll(ctx, pos)
	if err != nil {
		return 0, fmt.Errorf("worker %s: poll: %w", name, err)
	}
	if len(chs) == 0 {
		return 0, nil
	}
	last := chs[len(chs)-1].Position

	filtered := w.filter(chs)
	if len(filtered) > 0 {
		if err := w.subscriber.Process(ctx, filtered); err != nil {
			w.consecutiveFailures++
			if w.consecutiveFailures >= w.maxRetries {
				w.logger.Error("dead-letter subscriber", "subscriber", name, "failures", w.consecutiveFailures, "error", err)
				if serr := w.checkpoint.SetStatus(ctx, name, StatusDeadLetter); serr != nil {
					w.logger.Error("set status", "subscriber", name, "error", serr)
				}
			}
			return 0, fmt.Errorf("worker %s: process: %w", name, err)
		}
	}

	w.consecutiveFailures = 0
	if err := w.checkpoint.Save(ctx, name, last); err != nil {
		return 0, fmt.Errorf("worker %s: save checkpoint: %w", name, err)
	}
	return len(chs), nil
}

// Drain processes batches until the log is exhausted, an error occurs or ctx
// ends. With a locker it does nothing when another process holds the lock.
func (w *Worker) Drain(ctx context.Context) error {
	if w.locker != nil {
		acquired, err := w.locker.TryLock(ctx, w.Name())
		if err != nil {
			return fmt.Errorf("worker %s: %w", w.Name(), err)
		}
		if !acquired {
			return nil
		}
		defer func() {
			if err := w.locker.Unlock(ctx, w.Name()); err != nil {
				w.logger.Error("release lock", "subscriber", w.Name(), "error", err)
			}
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.ProcessBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (w *Worker) filter(chs []changes.Change) []changes.Change {
	if len(w.subscriber.Collections()) == 0 {
		return chs
	}
	var filtered []changes.Change
	for _, c := range chs {
		if wants(w.subscriber, c.Collection) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}
