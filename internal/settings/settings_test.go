package settings

import (
	"context"
	"testing"

	"ghostship.forum/internal/forum/forumtest"
)

func TestDefaultsAndOverrides(t *testing.T) {
	ctx := context.Background()
	store := forumtest.New()
	s := New(store)

	if got := s.GetInt(ctx, AITasksPerTick, 0); got != 4 {
		t.Fatalf("default AI_TASKS_PER_TICK=%d", got)
	}
	if got := s.GetInt(ctx, "UNKNOWN_KEY", 7); got != 7 {
		t.Fatalf("unknown key should use def, got %d", got)
	}
	if err := s.SetValue(ctx, GenerationBatchSize, "5"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if got := s.GetInt(ctx, GenerationBatchSize, 0); got != 5 {
		t.Fatalf("override=%d", got)
	}
	_ = s.SetValue(ctx, ThreadWatchWindow, "not-a-number")
	if got := s.GetInt(ctx, ThreadWatchWindow, 12); got != 12 {
		t.Fatalf("garbage should fall back, got %d", got)
	}
	_ = s.SetValue(ctx, "RATIO", "0.75")
	if got := s.GetFloat(ctx, "RATIO", 0); got != 0.75 {
		t.Fatalf("float=%v", got)
	}
	if got := s.GetInt(ctx, "RATIO", 0); got != 0 {
		t.Fatalf("float-as-int=%d", got)
	}
}
