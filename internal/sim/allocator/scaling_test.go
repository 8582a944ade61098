package allocator

import (
	"testing"

	"ghostship.forum/internal/sim/tuning"
)

func TestTierFor(t *testing.T) {
	tiers := tuning.Defaults().Activity.Tiers
	cases := []struct {
		total  int
		tier   string
		factor float64
	}{
		{0, "dormant", 0.1},
		{1, "calm", 0.45},
		{3, "steady", 0.7},
		{50, "busy", 1.0},
	}
	for _, tc := range cases {
		tier, f := TierFor(tiers, tc.total)
		if tier != tc.tier || f != tc.factor {
			t.Fatalf("TierFor(%d)=%s,%v want %s,%v", tc.total, tier, f, tc.tier, tc.factor)
		}
	}
}

func TestActivityScalingNeverScalesUp(t *testing.T) {
	a := Allocation{Registrations: 1, Threads: 3, Replies: 10, PrivateMessages: 1, ModerationEvents: 0}
	ApplyActivityScaling(&a, Sessions{Tier: "calm", Factor: 0.45, Total: 1})
	if a.Registrations != 0 || a.Threads != 1 || a.Replies != 5 || a.PrivateMessages != 0 {
		t.Fatalf("calm scaling: %+v", a)
	}

	b := Allocation{Threads: 1, Replies: 1, PrivateMessages: 1}
	ApplyActivityScaling(&b, Sessions{Tier: "steady", Factor: 0.7, Total: 2})
	if b.Threads != 1 || b.Replies != 1 || b.PrivateMessages != 1 {
		t.Fatalf("steady scaling should keep singles: %+v", b)
	}

	c := Allocation{Threads: 4, Replies: 9}
	ApplyActivityScaling(&c, Sessions{Tier: "busy", Factor: 1.4, Total: 9})
	if c.Threads != 4 || c.Replies != 9 || len(c.Notes) != 1 {
		t.Fatalf("busy tier should only note: %+v", c)
	}
}

func TestLimiterReservesDM(t *testing.T) {
	a := Allocation{Threads: 3, Replies: 5, PrivateMessages: 4}
	Limiter{MaxTasks: 4, MinDMQuota: 1}.Limit(&a)
	if a.Threads != 3 || a.Replies != 0 || a.PrivateMessages != 1 {
		t.Fatalf("limited allocation: %+v", a)
	}
	if a.LLMActions() != 4 {
		t.Fatalf("total=%d", a.LLMActions())
	}

	b := Allocation{Threads: 1, Replies: 1, PrivateMessages: 1}
	Limiter{MaxTasks: 4, MinDMQuota: 1}.Limit(&b)
	if b.Threads != 1 || b.Replies != 1 || b.PrivateMessages != 1 || len(b.Notes) != 0 {
		t.Fatalf("under ceiling should be untouched: %+v", b)
	}

	c := Allocation{Threads: 6, Replies: 6}
	Limiter{Fallback: 4, MinDMQuota: 1}.Limit(&c)
	if c.Threads != 4 || c.Replies != 0 || c.PrivateMessages != 0 {
		t.Fatalf("fallback ceiling: %+v", c)
	}
}

func TestLimiterKeepsFlooredThread(t *testing.T) {
	a := Allocation{Threads: 1, Replies: 7, PrivateMessages: 3}
	l := Limiter{MaxTasks: 2, MinDMQuota: 1}
	l.Limit(&a)
	if a.Threads != 1 || a.Replies != 0 || a.PrivateMessages != 1 {
		t.Fatalf("limited allocation: %+v", a)
	}
	if l.Ceiling() != 2 || (Limiter{}).Ceiling() != 4 || (Limiter{Fallback: 3}).Ceiling() != 3 {
		t.Fatalf("ceiling fallbacks wrong")
	}
}
