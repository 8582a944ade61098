package allocator

import (
	"fmt"
	"math"

	"ghostship.forum/internal/sim/tuning"
)

// Sessions summarises human sessions seen inside the activity window.
type Sessions struct {
	Total   int     `json:"total"`
	Organic int     `json:"organic"`
	Window  int     `json:"window"`
	Tier    string  `json:"tier"`
	Factor  float64 `json:"factor"`
}

// TierFor returns the first tier whose range holds total.
func TierFor(tiers []tuning.ActivityTier, total int) (string, float64) {
	for _, t := range tiers {
		if t.Max < 0 {
			if total >= t.Min {
				return t.Tier, t.Factor
			}
			continue
		}
		if total >= t.Min && total <= t.Max {
			return t.Tier, t.Factor
		}
	}
	return "busy", 1.0
}

// ApplyActivityScaling shrinks the budget when few humans are around. It
// never scales up. With factor >= 0.5 a non-zero count keeps at least one.
func ApplyActivityScaling(a *Allocation, s Sessions) {
	note := fmt.Sprintf("activity:%s (sessions=%d, factor=%.2f)", s.Tier, s.Total, s.Factor)
	if s.Factor >= 0.99 {
		a.Notes = append(a.Notes, note)
		return
	}
	f := math.Max(s.Factor, 0)
	scaled := func(v int) int {
		if v <= 0 {
			return v
		}
		n := int(math.Round(float64(v) * f))
		if f >= 0.5 && n == 0 {
			return 1
		}
		return max(0, n)
	}
	a.Registrations = scaled(a.Registrations)
	a.Threads = scaled(a.Threads)
	a.Replies = scaled(a.Replies)
	a.PrivateMessages = scaled(a.PrivateMessages)
	a.ModerationEvents = scaled(a.ModerationEvents)
	a.Notes = append(a.Notes, note)
}

// Limiter caps completion-backed actions per tick.
type Limiter struct {
	MaxTasks   int
	Fallback   int
	MinDMQuota int
}

// Ceiling is the effective per-tick cap: MaxTasks, else Fallback, else 4.
func (l Limiter) Ceiling() int {
	if l.MaxTasks > 0 {
		return l.MaxTasks
	}
	if l.Fallback > 0 {
		return l.Fallback
	}
	return 4
}

// Limit trims threads first, then replies, then DMs, keeping MinDMQuota DMs
// whenever any were requested.
func (l Limiter) Limit(a *Allocation) {
	ceiling := l.Ceiling()
	total := a.LLMActions()
	if total <= ceiling {
		return
	}
	reserve := 0
	if a.PrivateMessages > 0 {
		reserve = min(a.PrivateMessages, max(l.MinDMQuota, 1), ceiling)
	}
	left := ceiling - reserve
	threads := min(a.Threads, left)
	left -= threads
	replies := min(a.Replies, left)
	left -= replies
	dms := reserve + min(a.PrivateMessages-reserve, left)

	a.Threads, a.Replies, a.PrivateMessages = threads, replies, dms
	a.Notes = append(a.Notes, fmt.Sprintf("limiter: %d llm actions capped to %d", total, a.LLMActions()))
}
