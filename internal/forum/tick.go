package forum

import "time"

// Event is one entry of a tick's append-only event log.
type Event map[string]any

func NewEvent(typ string, fields map[string]any) Event {
	e := Event{"type": typ}
	for k, v := range fields {
		e[k] = v
	}
	return e
}

func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// OracleDraw is the persisted energy/allocation snapshot for a tick.
type OracleDraw struct {
	Tick        int            `json:"tick_number"`
	Rolls       []int          `json:"rolls"`
	Card        string         `json:"card"`
	Energy      int            `json:"energy"`
	EnergyPrime int            `json:"energy_prime"`
	Omen        bool           `json:"omen"`
	Seance      bool           `json:"seance"`
	Alloc       map[string]any `json:"alloc"`
	Seed        int64          `json:"seed"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TickRecord is unique per tick number. Once written only late derived
// events are appended.
type TickRecord struct {
	Tick           int            `json:"tick_number"`
	Timestamp      time.Time      `json:"timestamp"`
	Events         []Event        `json:"events"`
	Rolls          []int          `json:"rolls"`
	Energy         int            `json:"energy"`
	EnergyPrime    int            `json:"energy_prime"`
	Allocation     map[string]any `json:"allocation"`
	Specials       map[string]any `json:"specials"`
	DecisionTrace  map[string]any `json:"decision_trace,omitempty"`
	Seed           int64          `json:"seed"`
	ConfigSnapshot map[string]any `json:"config_snapshot,omitempty"`
}

// CountEvents returns how many events of typ the record holds.
func (r *TickRecord) CountEvents(typ string) int {
	n := 0
	for _, e := range r.Events {
		if e.Type() == typ {
			n++
		}
	}
	return n
}
