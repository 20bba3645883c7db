package subscriptions

import (
	"context"
	"testing"
)

func TestMemoryCheckpoint(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpoint()

	pos, status, err := cp.Load(ctx, "x")
	if err != nil || pos != 0 || status != StatusRunning {
		t.Fatalf("Load unknown = %d %s %v", pos, status, err)
	}

	cp.Save(ctx, "x", 42)
	cp.SetStatus(ctx, "x", StatusStopped)
	if pos, status, _ := cp.Load(ctx, "x"); pos != 42 || status != StatusStopped {
		t.Errorf("after save/status = %d %s", pos, status)
	}

	cp.Reset(ctx, "x")
	if pos, status, _ := cp.Load(ctx, "x"); pos != 0 || status != StatusRebuilding {
		t.Errorf("after reset = %d %s", pos, status)
	}
	if pos, _, _ := cp.Load(ctx, "y"); pos != 0 {
		t.Error("checkpoints leak between names")
	}
}

func TestStatus_Active(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusRunning, true},
		{StatusRebuilding, true},
		{StatusStopped, false},
		{StatusDeadLetter, false},
	}
	for _, tt := range tests {
		if got := tt.status.Active(); got != tt.want {
			t.Errorf("%s.Active() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
