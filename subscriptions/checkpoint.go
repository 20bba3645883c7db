package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/ripkitten-co/lynx"
	"github.com/ripkitten-co/lynx/internal/pg"
	"github.com/ripkitten-co/lynx/schema"
)

// Status is a subscriber's processing state.
type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusDeadLetter Status = "dead_letter"
	StatusRebuilding Status = "rebuilding"
)

// Active reports whether the worker should process changes in this status.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusRebuilding
}

// Checkpointer stores the last processed change position and status per
// subscriber.
type Checkpointer interface {
	// Load returns (0, StatusRunning, nil) for an unknown subscriber.
	Load(ctx context.Context, name string) (int64, Status, error)
	Save(ctx context.Context, name string, position int64) error
	SetStatus(ctx context.Context, name string, status Status) error
	// Reset rewinds to position 0 with StatusRebuilding.
	Reset(ctx context.Context, name string) error
}

// CheckpointStore keeps checkpoints in the lynx_subscriber_checkpoints table.
type CheckpointStore struct {
	exec   pg.Executor
	schema *schema.Bootstrap
}

func NewCheckpointStore(b lynx.Backend) *CheckpointStore {
	return &CheckpointStore{
		exec:   b.DBExecutor(),
		schema: b.SchemaBootstrap(),
	}
}

func (cs *CheckpointStore) ensure(ctx context.Context, name string) error {
	if err := cs.schema.EnsureCheckpoints(ctx, cs.exec); err != nil {
		return fmt.Errorf("checkpoint %s: ensure table: %w", name, err)
	}
	return nil
}

func (cs *CheckpointStore) Load(ctx context.Context, name string) (int64, Status, error) {
	if err := cs.ensure(ctx, name); err != nil {
		return 0, "", err
	}

	var position int64
	var status string
	err := cs.exec.QueryRow(ctx,
		`SELECT last_position, status FROM lynx_subscriber_checkpoints WHERE subscriber_name = $1`,
		name,
	).Scan(&position, &status)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, StatusRunning, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("checkpoint %s: load: %w", name, err)
	}
	return position, Status(status), nil
}

func (cs *CheckpointStore) Save(ctx context.Context, name string, position int64) error {
	if err := cs.ensure(ctx, name); err != nil {
		return err
	}

	_, err := cs.exec.Exec(ctx,
		`INSERT INTO lynx_subscriber_checkpoints (subscriber_name, last_position, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (subscriber_name) DO UPDATE SET last_position = $2, updated_at = now()`,
		name, position,
	)
	if err != nil {
		return fmt.Errorf("checkpoint %s: save: %w", name, err)
	}
	return nil
}

func (cs *CheckpointStore) SetStatus(ctx context.Context, name string, status Status) error {
	if err := cs.ensure(ctx, name); err != nil {
		return err
	}

	_, err := cs.exec.Exec(ctx,
		`INSERT INTO lynx_subscriber_checkpoints (subscriber_name, last_position, status, updated_at)
		 VALUES ($1, 0, $2, now())
		 ON CONFLICT (subscriber_name) DO UPDATE SET status = $2, updated_at = now()`,
		name, string(status),
	)
	if err != nil {
		return fmt.Errorf("checkpoint %s: set status: %w", name, err)
	}
	return nil
}

func (cs *CheckpointStore) Reset(ctx context.Context, name string) error {
	if err := cs.ensure(ctx, name); err != nil {
		return err
	}

	_, err := cs.exec.Exec(ctx,
		`INSERT INTO lynx_subscriber_checkpoints (subscriber_name, last_position, status, updated_at)
		 VALUES ($1, 0, 'rebuilding', now())
		 ON CONFLICT (subscriber_name) DO UPDATE SET last_position = 0, status = 'rebuilding', updated_at = now()`,
		name,
	)
	if err != nil {
		return fmt.Errorf("checkpoint %s: reset: %w", name, err)
	}
	return nil
}

type memoryEntry struct {
	position int64
	status   Status
}

// MemoryCheckpoint is a process-local Checkpointer. Positions are lost on
// restart, so its subscribers must rebuild their state from a query.
type MemoryCheckpoint struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCheckpoint() *MemoryCheckpoint {
	return &MemoryCheckpoint{entries: make(map[string]memoryEntry)}
}

func (m *MemoryCheckpoint) entry(name string) memoryEntry {
	e, ok := m.entries[name]
	if !ok {
		return memoryEntry{status: StatusRunning}
	}
	return e
}

func (m *MemoryCheckpoint) Load(_ context.Context, name string) (int64, Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(name)
	return e.position, e.status, nil
}

func (m *MemoryCheckpoint) Save(_ context.Context, name string, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(name)
	e.position = position
	m.entries[name] = e
	return nil
}

func (m *MemoryCheckpoint) SetStatus(_ context.Context, name string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(name)
	e.status = status
	m.entries[name] = e
	return nil
}

func (m *MemoryCheckpoint) Reset(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = memoryEntry{status: StatusRebuilding}
	return nil
}
