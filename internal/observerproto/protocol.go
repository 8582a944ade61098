// Package observerproto is the wire format of the read-only tick feed.
package observerproto

import (
	"sort"
	"time"

	"ghostship.forum/internal/forum"
)

// Version is the observer protocol version (separate from the task payload
// schemas).
const Version = "0.1"

// Client -> Server. First message on the observer WS connection; may be
// re-sent to change what is streamed.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Events asks for the full event list with every tick, not just counts.
	Events bool `json:"events"`
}

// Server -> Client, once after a valid SUBSCRIBE.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	LastTick        int    `json:"last_tick"`
	State           string `json:"state"`
}

// Server -> Client, once per finished tick.
type TickMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Tick            int            `json:"tick_number"`
	Timestamp       time.Time      `json:"timestamp"`
	Energy          int            `json:"energy"`
	EnergyPrime     int            `json:"energy_prime"`
	Allocation      map[string]any `json:"allocation"`
	Specials        map[string]any `json:"specials"`
	EventCounts     map[string]int `json:"event_counts"`
	EventTypes      []string       `json:"event_types"`
	Events          []forum.Event  `json:"events,omitempty"`
}

// HealthResponse is served on /healthz.
type HealthResponse struct {
	OK        bool   `json:"ok"`
	LastTick  int    `json:"last_tick"`
	State     string `json:"state"`
	Observers int    `json:"observers"`
}

// TickFromRecord summarises a record for the feed. Events are only copied
// when withEvents is set.
func TickFromRecord(rec *forum.TickRecord, withEvents bool) TickMsg {
	counts := map[string]int{}
	for _, e := range rec.Events {
		counts[e.Type()]++
	}
	types := make([]string, 0, len(counts))
	for k := range counts {
		types = append(types, k)
	}
	sort.Strings(types)
	msg := TickMsg{
		Type:            "TICK",
		ProtocolVersion: Version,
		Tick:            rec.Tick,
		Timestamp:       rec.Timestamp,
		Energy:          rec.Energy,
		EnergyPrime:     rec.EnergyPrime,
		Allocation:      rec.Allocation,
		Specials:        rec.Specials,
		EventCounts:     counts,
		EventTypes:      types,
	}
	if withEvents {
		msg.Events = rec.Events
	}
	return msg
}
