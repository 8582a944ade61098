package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Version int `yaml:"version" toml:"version" json:"version"`

	Scheduler  Scheduler           `yaml:"scheduler" toml:"scheduler" json:"scheduler"`
	Cooldowns  map[string]int      `yaml:"cooldowns" toml:"cooldowns" json:"cooldowns"`
	Needs      Needs               `yaml:"needs" toml:"needs" json:"needs"`
	Mood       Mood                `yaml:"mood" toml:"mood" json:"mood"`
	Suspicion  Bounded             `yaml:"suspicion" toml:"suspicion" json:"suspicion"`
	Reputation Bounded             `yaml:"reputation" toml:"reputation" json:"reputation"`
	ActionBias map[string]BiasRule `yaml:"action_bias" toml:"action_bias" json:"action_bias"`
	Oracle     Oracle              `yaml:"oracle" toml:"oracle" json:"oracle"`
	Presence   Presence            `yaml:"presence" toml:"presence" json:"presence"`
	Activity   Activity            `yaml:"activity" toml:"activity" json:"activity"`
	DM         DM                  `yaml:"dm" toml:"dm" json:"dm"`
	Generation Generation          `yaml:"generation" toml:"generation" json:"generation"`
}

type Scheduler struct {
	IntervalSeconds     float64 `yaml:"interval_seconds" toml:"interval_seconds" json:"interval_seconds"`
	JitterSeconds       float64 `yaml:"jitter_seconds" toml:"jitter_seconds" json:"jitter_seconds"`
	StartupDelaySeconds float64 `yaml:"startup_delay_seconds" toml:"startup_delay_seconds" json:"startup_delay_seconds"`
	QueueBurst          int     `yaml:"queue_burst" toml:"queue_burst" json:"queue_burst"`
}

type Needs struct {
	Floor       float64            `yaml:"floor" toml:"floor" json:"floor"`
	Ceiling     float64            `yaml:"ceiling" toml:"ceiling" json:"ceiling"`
	DriftJitter float64            `yaml:"drift_jitter" toml:"drift_jitter" json:"drift_jitter"`
	Baseline    map[string]float64 `yaml:"baseline" toml:"baseline" json:"baseline"`
	Drift       map[string]float64 `yaml:"drift" toml:"drift" json:"drift"`
}

type Mood struct {
	SuspicionBias float64    `yaml:"suspicion_bias" toml:"suspicion_bias" json:"suspicion_bias"`
	Bands         []MoodBand `yaml:"bands" toml:"bands" json:"bands"`
}

type MoodBand struct {
	Label     string  `yaml:"label" toml:"label" json:"label"`
	Threshold float64 `yaml:"threshold" toml:"threshold" json:"threshold"`
}

// Bounded covers both suspicion and reputation: a per-tick decay toward zero
// inside [Floor, Ceiling], plus the one-off adjustments applied on actions.
type Bounded struct {
	Decay          float64 `yaml:"decay" toml:"decay" json:"decay"`
	Floor          float64 `yaml:"floor" toml:"floor" json:"floor"`
	Ceiling        float64 `yaml:"ceiling" toml:"ceiling" json:"ceiling"`
	ReportRelief   float64 `yaml:"report_relief,omitempty" toml:"report_relief,omitempty" json:"report_relief,omitempty"`
	DMPenalty      float64 `yaml:"dm_penalty,omitempty" toml:"dm_penalty,omitempty" json:"dm_penalty,omitempty"`
	BoostPerReport float64 `yaml:"boost_per_report,omitempty" toml:"boost_per_report,omitempty" json:"boost_per_report,omitempty"`
}

type BiasRule struct {
	CooldownPenalty float64            `yaml:"cooldown_penalty" toml:"cooldown_penalty" json:"cooldown_penalty"`
	SuspicionWeight float64            `yaml:"suspicion_weight,omitempty" toml:"suspicion_weight,omitempty" json:"suspicion_weight,omitempty"`
	Needs           map[string]float64 `yaml:"needs" toml:"needs" json:"needs"`
}

type Oracle struct {
	ForumCapacity     int     `yaml:"forum_capacity" toml:"forum_capacity" json:"forum_capacity"`
	RegBaseline       float64 `yaml:"reg_baseline" toml:"reg_baseline" json:"reg_baseline"`
	RegSqrtFactor     float64 `yaml:"reg_sqrt_factor" toml:"reg_sqrt_factor" json:"reg_sqrt_factor"`
	OmenProbability   float64 `yaml:"omen_probability" toml:"omen_probability" json:"omen_probability"`
	SeanceThreshold   int     `yaml:"seance_threshold" toml:"seance_threshold" json:"seance_threshold"`
	SeanceProbability float64 `yaml:"seance_probability" toml:"seance_probability" json:"seance_probability"`
	SeanceThreadFloor int     `yaml:"seance_thread_floor" toml:"seance_thread_floor" json:"seance_thread_floor"`
}

type Presence struct {
	OfflineChance     float64 `yaml:"offline_chance" toml:"offline_chance" json:"offline_chance"`
	RefreshChance     float64 `yaml:"refresh_chance" toml:"refresh_chance" json:"refresh_chance"`
	RefreshMinMinutes int     `yaml:"refresh_min_minutes" toml:"refresh_min_minutes" json:"refresh_min_minutes"`
	RefreshMaxMinutes int     `yaml:"refresh_max_minutes" toml:"refresh_max_minutes" json:"refresh_max_minutes"`
	BoostMinutes      int     `yaml:"boost_minutes" toml:"boost_minutes" json:"boost_minutes"`
}

type Activity struct {
	WindowSeconds int            `yaml:"window_seconds" toml:"window_seconds" json:"window_seconds"`
	Tiers         []ActivityTier `yaml:"tiers" toml:"tiers" json:"tiers"`
}

// ActivityTier matches a session count in [Min, Max]; Max < 0 is unbounded.
type ActivityTier struct {
	Min    int     `yaml:"min" toml:"min" json:"min"`
	Max    int     `yaml:"max" toml:"max" json:"max"`
	Tier   string  `yaml:"tier" toml:"tier" json:"tier"`
	Factor float64 `yaml:"factor" toml:"factor" json:"factor"`
}

type DM struct {
	BudgetCap       int `yaml:"budget_cap" toml:"budget_cap" json:"budget_cap"`
	UnansweredLimit int `yaml:"unanswered_limit" toml:"unanswered_limit" json:"unanswered_limit"`
}

type Generation struct {
	RetryDelaySeconds int     `yaml:"retry_delay_seconds" toml:"retry_delay_seconds" json:"retry_delay_seconds"`
	MemoryMax         int     `yaml:"memory_max" toml:"memory_max" json:"memory_max"`
	DefaultMaxTokens  int     `yaml:"default_max_tokens" toml:"default_max_tokens" json:"default_max_tokens"`
	BatchMinTokens    int     `yaml:"batch_min_tokens" toml:"batch_min_tokens" json:"batch_min_tokens"`
	BatchMaxTokens    int     `yaml:"batch_max_tokens" toml:"batch_max_tokens" json:"batch_max_tokens"`
	Temperature       float64 `yaml:"temperature" toml:"temperature" json:"temperature"`
	DuplicateOverlap  float64 `yaml:"duplicate_overlap" toml:"duplicate_overlap" json:"duplicate_overlap"`
	EmptyEscalation   int     `yaml:"empty_escalation" toml:"empty_escalation" json:"empty_escalation"`
}

// Load reads a tuning file (.yaml/.yml or .toml) and merges it over Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	default:
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if _, err := t.Fingerprint(); err != nil {
		return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// Normalize fills gaps left by partial files and orders the mood bands.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.Scheduler.IntervalSeconds < 5 {
		t.Scheduler.IntervalSeconds = 5
	}
	if t.Scheduler.JitterSeconds < 0 {
		t.Scheduler.JitterSeconds = 0
	}
	if t.Scheduler.StartupDelaySeconds < 0 {
		t.Scheduler.StartupDelaySeconds = 0
	}
	if t.Scheduler.QueueBurst < 0 {
		t.Scheduler.QueueBurst = 0
	}
	if t.Cooldowns == nil {
		t.Cooldowns = d.Cooldowns
	}
	if t.Needs.Baseline == nil {
		t.Needs.Baseline = d.Needs.Baseline
	}
	if t.Needs.Drift == nil {
		t.Needs.Drift = map[string]float64{}
	}
	if len(t.Mood.Bands) == 0 {
		t.Mood.Bands = d.Mood.Bands
	}
	sort.SliceStable(t.Mood.Bands, func(i, j int) bool { return t.Mood.Bands[i].Threshold < t.Mood.Bands[j].Threshold })
	if t.ActionBias == nil {
		t.ActionBias = d.ActionBias
	}
	if len(t.Activity.Tiers) == 0 {
		t.Activity.Tiers = d.Activity.Tiers
	}
	if t.Generation.MemoryMax <= 0 {
		t.Generation.MemoryMax = d.Generation.MemoryMax
	}
	if t.Generation.DefaultMaxTokens <= 0 {
		t.Generation.DefaultMaxTokens = d.Generation.DefaultMaxTokens
	}
	if t.DM.BudgetCap <= 0 {
		t.DM.BudgetCap = d.DM.BudgetCap
	}
}

func (t Tuning) Validate() error {
	if t.Needs.Floor > t.Needs.Ceiling {
		return fmt.Errorf("needs floor %.3f above ceiling %.3f", t.Needs.Floor, t.Needs.Ceiling)
	}
	if t.Suspicion.Floor > t.Suspicion.Ceiling {
		return fmt.Errorf("suspicion floor above ceiling")
	}
	if t.Reputation.Floor > t.Reputation.Ceiling {
		return fmt.Errorf("reputation floor above ceiling")
	}
	if t.Oracle.ForumCapacity < 0 {
		return fmt.Errorf("oracle.forum_capacity must be >= 0")
	}
	for _, b := range t.Mood.Bands {
		if strings.TrimSpace(b.Label) == "" {
			return fmt.Errorf("mood band without label")
		}
	}
	for action, rule := range t.ActionBias {
		if rule.CooldownPenalty < 0 {
			return fmt.Errorf("action_bias.%s.cooldown_penalty must be >= 0", action)
		}
	}
	return nil
}

// Fingerprint is the sha256 of the canonical JSON form. It fails when a
// value has no JSON form, e.g. a NaN from a ".nan" in the file.
func (t Tuning) Fingerprint() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("fingerprint tuning: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

type Snapshot struct {
	Path        string         `json:"path"`
	Version     int            `json:"version"`
	Fingerprint string         `json:"fingerprint"`
	Scheduler   Scheduler      `json:"scheduler"`
	Cooldowns   map[string]int `json:"cooldowns"`
	Error       string         `json:"error,omitempty"`
}

// Snapshot describes the active configuration for the tick log.
func (t Tuning) Snapshot(path string) Snapshot {
	cd := make(map[string]int, len(t.Cooldowns))
	for k, v := range t.Cooldowns {
		cd[k] = v
	}
	snap := Snapshot{
		Path:      path,
		Version:   t.Version,
		Scheduler: t.Scheduler,
		Cooldowns: cd,
	}
	if fp, err := t.Fingerprint(); err != nil {
		snap.Error = err.Error()
	} else {
		snap.Fingerprint = fp
	}
	return snap
}
