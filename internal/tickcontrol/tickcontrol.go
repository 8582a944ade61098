// Package tickcontrol holds the freeze flag, the last-run breadcrumb and the
// one-shot manual override, all stored as JSON settings values.
package tickcontrol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ghostship.forum/internal/forum"
)

const (
	FreezeStateKey    = "tick_freeze_state"
	LastTickKey       = "tick_last_run"
	ManualOverrideKey = "tick_manual_override"
)

type FreezeState struct {
	Frozen    bool       `json:"frozen"`
	ToggledAt *time.Time `json:"toggled_at"`
	Actor     string     `json:"actor,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type LastRun struct {
	Tick       int       `json:"tick_number"`
	Origin     string    `json:"origin"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Override is a one-shot parameter set for the next tick.
type Override struct {
	Seed             *int64    `json:"seed"`
	OracleCard       string    `json:"oracle_card,omitempty"`
	EnergyMultiplier *float64  `json:"energy_multiplier"`
	Force            bool      `json:"force"`
	Note             string    `json:"note,omitempty"`
	Origin           string    `json:"origin"`
	QueuedAt         time.Time `json:"queued_at"`
}

type Control struct {
	mu   sync.Mutex
	repo forum.SettingsRepository
	now  func() time.Time
}

func New(repo forum.SettingsRepository) *Control {
	return &Control{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (c *Control) load(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := c.repo.GetSetting(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		// A corrupt value reads as unset.
		return false, nil
	}
	return true, nil
}

func (c *Control) store(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.repo.SetSetting(ctx, key, string(b))
}

func (c *Control) Describe(ctx context.Context) (FreezeState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st FreezeState
	_, err := c.load(ctx, FreezeStateKey, &st)
	return st, err
}

func (c *Control) IsFrozen(ctx context.Context) (bool, error) {
	st, err := c.Describe(ctx)
	return st.Frozen, err
}

func (c *Control) set(ctx context.Context, frozen bool, actor, reason string) (FreezeState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	st := FreezeState{Frozen: frozen, ToggledAt: &now, Actor: actor, Reason: reason}
	if err := c.store(ctx, FreezeStateKey, st); err != nil {
		return FreezeState{}, err
	}
	return st, nil
}

func (c *Control) Freeze(ctx context.Context, actor, reason string) (FreezeState, error) {
	return c.set(ctx, true, actor, reason)
}

func (c *Control) Unfreeze(ctx context.Context, actor, note string) (FreezeState, error) {
	return c.set(ctx, false, actor, note)
}

func (c *Control) Toggle(ctx context.Context, actor, reason string) (FreezeState, error) {
	frozen, err := c.IsFrozen(ctx)
	if err != nil {
		return FreezeState{}, err
	}
	if frozen {
		return c.Unfreeze(ctx, actor, reason)
	}
	return c.Freeze(ctx, actor, reason)
}

// Label is "FROZEN" or "LIVE".
func (c *Control) Label(ctx context.Context) string {
	if frozen, _ := c.IsFrozen(ctx); frozen {
		return "FROZEN"
	}
	return "LIVE"
}

func (c *Control) RecordRun(ctx context.Context, tick int, origin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(ctx, LastTickKey, LastRun{Tick: tick, Origin: origin, RecordedAt: c.now()})
}

// LastRun returns ok=false when no tick was recorded.
func (c *Control) LastRun(ctx context.Context) (LastRun, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lr LastRun
	ok, err := c.load(ctx, LastTickKey, &lr)
	return lr, ok, err
}

// QueueOverride replaces any queued override.
func (c *Control) QueueOverride(ctx context.Context, o Override) (Override, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.Origin == "" {
		o.Origin = "manual-override"
	}
	o.QueuedAt = c.now()
	if err := c.store(ctx, ManualOverrideKey, o); err != nil {
		return Override{}, err
	}
	return o, nil
}

func (c *Control) PendingOverride(ctx context.Context) (Override, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var o Override
	ok, err := c.load(ctx, ManualOverrideKey, &o)
	return o, ok, err
}

// ConsumeOverride returns the queued override and clears it, so it is seen
// by exactly one caller.
func (c *Control) ConsumeOverride(ctx context.Context) (Override, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var o Override
	ok, err := c.load(ctx, ManualOverrideKey, &o)
	if err != nil || !ok {
		return Override{}, false, err
	}
	if err := c.repo.SetSetting(ctx, ManualOverrideKey, ""); err != nil {
		return Override{}, false, err
	}
	return o, true, nil
}
