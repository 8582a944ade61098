package forum

import (
	"encoding/json"
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
	RoleBanned    Role = "banned"
	RoleOrganic   Role = "organic"
)

const (
	StatusOffline = "offline"
	StatusOnline  = "online"
)

// Reserved handles.
const (
	AdminHandle   = "t.admin"
	OrganicHandle = "trexxak"
)

type Agent struct {
	ID        int64              `json:"id"`
	Name      string             `json:"name"`
	Archetype string             `json:"archetype"`
	Role      Role               `json:"role"`
	Traits    map[string]float64 `json:"traits,omitempty"`
	Speech    SpeechProfile      `json:"speech_profile"`
	State     AgentState         `json:"state"`

	OnlineStatus    string     `json:"online_status"`
	StatusExpiresAt *time.Time `json:"status_expires_at,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	RegisteredAt    time.Time  `json:"registered_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (a *Agent) IsAdmin() bool     { return a.Role == RoleAdmin }
func (a *Agent) IsModerator() bool { return a.Role == RoleAdmin || a.Role == RoleModerator }
func (a *Agent) IsBanned() bool    { return a.Role == RoleBanned }
func (a *Agent) IsOrganic() bool   { return a.Role == RoleOrganic }
func (a *Agent) IsOnline() bool    { return a.OnlineStatus == StatusOnline }

// MarkOnline extends the agent's presence until now+d, never shortening it.
func (a *Agent) MarkOnline(now time.Time, d time.Duration) {
	until := now.Add(d)
	if a.StatusExpiresAt != nil && a.StatusExpiresAt.After(until) {
		until = *a.StatusExpiresAt
	}
	a.OnlineStatus = StatusOnline
	a.StatusExpiresAt = &until
	seen := now
	a.LastSeenAt = &seen
}

func (a *Agent) MarkOffline() {
	a.OnlineStatus = StatusOffline
	a.StatusExpiresAt = nil
}

// SpeechProfile drives the target length sampled for generated text.
type SpeechProfile struct {
	MinWords      int     `json:"min_words"`
	MaxWords      int     `json:"max_words"`
	MeanWords     int     `json:"mean_words"`
	SentenceRange [2]int  `json:"sentence_range"`
	BurstChance   float64 `json:"burst_chance"`
	BurstRange    [2]int  `json:"burst_range"`
}

// AgentState is the psychological state advanced once per tick.
type AgentState struct {
	Needs      map[string]float64 `json:"needs"`
	Mood       string             `json:"mood"`
	Suspicion  float64            `json:"suspicion_score"`
	Reputation Reputation         `json:"reputation"`
	Cooldowns  map[string]int     `json:"cooldowns"`
	Mind       MindState          `json:"mind_state"`
	Memory     Memory             `json:"memory"`
}

type Reputation struct {
	Global float64 `json:"global"`
}

type MindState struct {
	ActionBias     map[string]float64 `json:"action_bias"`
	LastDriftTick  int                `json:"last_drift_tick"`
	LastAction     *ActionRecord      `json:"last_action,omitempty"`
	ActionLog      []ActionRecord     `json:"action_log"`
	VoiceSignature string             `json:"voice_signature,omitempty"`
}

// ActionRecord is what RegisterAction leaves in the mind state.
type ActionRecord struct {
	Action    string             `json:"action"`
	Tick      int                `json:"tick"`
	Cooldown  int                `json:"cooldown"`
	Bias      float64            `json:"bias"`
	Suspicion float64            `json:"suspicion"`
	Context   map[string]any     `json:"context,omitempty"`
	Needs     map[string]float64 `json:"needs,omitempty"`
}

// Memory holds short summaries the agent wrote, globally and keyed by the
// peer or thread they concern.
type Memory struct {
	Global  []MemoryEntry           `json:"global"`
	Peers   map[int64][]MemoryEntry `json:"peers"`
	Threads map[int64][]MemoryEntry `json:"threads"`
}

type MemoryEntry struct {
	Tick    int       `json:"tick"`
	Kind    string    `json:"kind"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// Remember appends e to the global list and to the peer/thread lists when
// ids are non-zero, evicting the oldest entries beyond max.
func (m *Memory) Remember(e MemoryEntry, peerID, threadID int64, max int) {
	if max <= 0 {
		max = 12
	}
	m.Global = capEntries(append(m.Global, e), max)
	if peerID != 0 {
		if m.Peers == nil {
			m.Peers = map[int64][]MemoryEntry{}
		}
		m.Peers[peerID] = capEntries(append(m.Peers[peerID], e), max)
	}
	if threadID != 0 {
		if m.Threads == nil {
			m.Threads = map[int64][]MemoryEntry{}
		}
		m.Threads[threadID] = capEntries(append(m.Threads[threadID], e), max)
	}
}

func capEntries(list []MemoryEntry, max int) []MemoryEntry {
	if len(list) <= max {
		return list
	}
	return append([]MemoryEntry(nil), list[len(list)-max:]...)
}

// Normalize restores nil maps so callers can index freely.
func (s *AgentState) Normalize() {
	if s.Needs == nil {
		s.Needs = map[string]float64{}
	}
	if s.Cooldowns == nil {
		s.Cooldowns = map[string]int{}
	}
	if s.Mind.ActionBias == nil {
		s.Mind.ActionBias = map[string]float64{}
	}
	if s.Memory.Peers == nil {
		s.Memory.Peers = map[int64][]MemoryEntry{}
	}
	if s.Memory.Threads == nil {
		s.Memory.Threads = map[int64][]MemoryEntry{}
	}
	if strings.TrimSpace(s.Mood) == "" {
		s.Mood = "neutral"
	}
}

// DecodeState parses a stored state blob. Unknown keys are ignored and an
// empty or malformed blob yields a normalized zero state.
func DecodeState(raw []byte) (AgentState, error) {
	var s AgentState
	if len(raw) == 0 {
		s.Normalize()
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		s = AgentState{}
		s.Normalize()
		return s, err
	}
	s.Normalize()
	return s, nil
}

func EncodeState(s AgentState) ([]byte, error) {
	s.Normalize()
	return json.Marshal(s)
}
