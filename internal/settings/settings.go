// Package settings reads site-wide knobs stored as key/value rows, falling
// back to baked-in defaults so a missing row is never fatal.
package settings

import (
	"context"
	"strconv"
	"strings"

	"ghostship.forum/internal/forum"
)

const (
	AITasksPerTick       = "AI_TASKS_PER_TICK"
	GenerationQueueLimit = "GENERATION_QUEUE_LIMIT"
	GenerationBatchSize  = "GENERATION_BATCH_SIZE"
	ThreadWatchWindow    = "THREAD_WATCH_WINDOW"
	ProfileCap           = "PROFILE_CAP"
	CompletionDailyLimit = "COMPLETION_DAILY_LIMIT"
)

var Defaults = map[string]string{
	AITasksPerTick:       "4",
	GenerationQueueLimit: "3",
	GenerationBatchSize:  "3",
	ThreadWatchWindow:    "12",
	ProfileCap:           "60",
	CompletionDailyLimit: "1000",
}

type Settings struct {
	repo forum.SettingsRepository
}

func New(repo forum.SettingsRepository) *Settings {
	return &Settings{repo: repo}
}

// GetValue returns the stored value, the built-in default, or def.
func (s *Settings) GetValue(ctx context.Context, key, def string) string {
	if s != nil && s.repo != nil {
		if v, ok, err := s.repo.GetSetting(ctx, key); err == nil && ok {
			return v
		}
	}
	if v, ok := Defaults[key]; ok {
		return v
	}
	return def
}

func (s *Settings) SetValue(ctx context.Context, key, value string) error {
	return s.repo.SetSetting(ctx, key, value)
}

func (s *Settings) GetInt(ctx context.Context, key string, def int) int {
	raw := strings.TrimSpace(s.GetValue(ctx, key, ""))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if f, ferr := strconv.ParseFloat(raw, 64); ferr == nil {
			return int(f)
		}
		return def
	}
	return n
}

func (s *Settings) GetFloat(ctx context.Context, key string, def float64) float64 {
	raw := strings.TrimSpace(s.GetValue(ctx, key, ""))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}
