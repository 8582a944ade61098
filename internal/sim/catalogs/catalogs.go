package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Catalogs bundles the fixed content tables the tick draws from.
type Catalogs struct {
	Seances     []SpecialEvent `json:"seances"`
	Omens       []SpecialEvent `json:"omens"`
	Themes      []ThemePack    `json:"themes"`
	DMScenarios []DMScenario   `json:"dm_scenarios"`
	Archetypes  []Archetype    `json:"archetypes"`
	Handles     []string       `json:"handles"`

	ThreadSubjects []string   `json:"thread_subjects"`
	TitleTemplates []string   `json:"title_templates"`
	TopicFallbacks [][]string `json:"topic_fallbacks"`
	TopicFillers   []string   `json:"topic_fillers"`
	ReservedSlugs  []string   `json:"reserved_slugs"`

	Digest string `json:"-"`
}

const (
	KindSeance = "seance"
	KindOmen   = "omen"
)

// SpecialEvent is either a seance world event or an omen forum incident.
// Omen factors default to 1, seance factors to the stock surge multipliers.
type SpecialEvent struct {
	Kind        string `json:"kind"`
	Slug        string `json:"slug"`
	Label       string `json:"label"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description"`
	Mood        string `json:"mood,omitempty"`

	SentimentBias float64 `json:"sentiment_bias"`
	ToxicityBias  float64 `json:"toxicity_bias"`

	ReplyFactor  float64 `json:"reply_factor,omitempty"`
	DMFactor     float64 `json:"dm_factor,omitempty"`
	PresencePush int     `json:"presence_push,omitempty"`

	RegistrationsFactor   float64 `json:"registrations_factor,omitempty"`
	ThreadsFactor         float64 `json:"threads_factor,omitempty"`
	RepliesFactor         float64 `json:"replies_factor,omitempty"`
	PrivateMessagesFactor float64 `json:"private_messages_factor,omitempty"`
	ModerationBonus       int     `json:"moderation_bonus,omitempty"`
	ReportBonus           int     `json:"report_bonus,omitempty"`
	StressShift           float64 `json:"stress_shift,omitempty"`

	Notes []string `json:"notes,omitempty"`
}

type ThemePack struct {
	Label      string `json:"label"`
	Setting    string `json:"setting"`
	Tone       string `json:"tone"`
	StyleNotes string `json:"style_notes"`
}

// DMScenario is a template for an unprompted peer DM. Instruction accepts
// {recipient}, {sender}, {thread_title} and {topic}.
type DMScenario struct {
	Label       string `json:"label"`
	NeedsThread bool   `json:"needs_thread"`
	Instruction string `json:"instruction"`
	StyleNotes  string `json:"style_notes"`
	MaxTokens   int    `json:"max_tokens"`
}

type Archetype struct {
	Code     string             `json:"code"`
	Label    string             `json:"label"`
	Prefixes []string           `json:"prefixes"`
	Suffixes []string           `json:"suffixes"`
	Moods    []string           `json:"moods"`
	Needs    map[string]float64 `json:"needs"`
	Traits   map[string]float64 `json:"traits"`
	Speech   SpeechDefaults     `json:"speech"`
}

type SpeechDefaults struct {
	MinWords      int     `json:"min_words"`
	MaxWords      int     `json:"max_words"`
	MeanWords     int     `json:"mean_words"`
	SentenceRange [2]int  `json:"sentence_range"`
	BurstChance   float64 `json:"burst_chance"`
	BurstRange    [2]int  `json:"burst_range"`
}

// Load reads a JSON catalog file. Sections missing from the file keep the
// built-in defaults.
func Load(path string) (*Catalogs, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var override Catalogs
	if err := json.Unmarshal(raw, &override); err != nil {
		return nil, fmt.Errorf("catalogs %s: %w", path, err)
	}
	if len(override.Seances) > 0 {
		c.Seances = override.Seances
	}
	if len(override.Omens) > 0 {
		c.Omens = override.Omens
	}
	if len(override.Themes) > 0 {
		c.Themes = override.Themes
	}
	if len(override.DMScenarios) > 0 {
		c.DMScenarios = override.DMScenarios
	}
	if len(override.Archetypes) > 0 {
		c.Archetypes = override.Archetypes
	}
	if len(override.Handles) > 0 {
		c.Handles = override.Handles
	}
	if len(override.ThreadSubjects) > 0 {
		c.ThreadSubjects = override.ThreadSubjects
	}
	if len(override.TitleTemplates) > 0 {
		c.TitleTemplates = override.TitleTemplates
	}
	if len(override.TopicFallbacks) > 0 {
		c.TopicFallbacks = override.TopicFallbacks
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalogs %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalogs) normalize() {
	for i := range c.Seances {
		ev := &c.Seances[i]
		ev.Kind = KindSeance
		if ev.ReplyFactor == 0 {
			ev.ReplyFactor = 2.0
		}
		if ev.DMFactor == 0 {
			ev.DMFactor = 1.6
		}
	}
	for i := range c.Omens {
		ev := &c.Omens[i]
		ev.Kind = KindOmen
		for _, f := range []*float64{&ev.RegistrationsFactor, &ev.ThreadsFactor, &ev.RepliesFactor, &ev.PrivateMessagesFactor} {
			if *f == 0 {
				*f = 1
			}
		}
	}
	for i := range c.DMScenarios {
		if c.DMScenarios[i].MaxTokens <= 0 {
			c.DMScenarios[i].MaxTokens = 150
		}
	}
	b, _ := json.Marshal(c)
	c.Digest = sha256Hex(b)
}

func (c *Catalogs) Validate() error {
	if len(c.Seances) == 0 || len(c.Omens) == 0 {
		return fmt.Errorf("special event catalogs must not be empty")
	}
	if len(c.Themes) == 0 {
		return fmt.Errorf("theme catalog must not be empty")
	}
	if len(c.DMScenarios) == 0 {
		return fmt.Errorf("dm scenario catalog must not be empty")
	}
	if len(c.Archetypes) == 0 {
		return fmt.Errorf("archetype catalog must not be empty")
	}
	if len(c.ThreadSubjects) == 0 || len(c.TitleTemplates) == 0 || len(c.TopicFallbacks) == 0 {
		return fmt.Errorf("thread catalogs must not be empty")
	}
	seen := map[string]bool{}
	for _, ev := range append(append([]SpecialEvent{}, c.Seances...), c.Omens...) {
		if ev.Slug == "" {
			return fmt.Errorf("special event without slug")
		}
		if seen[ev.Slug] {
			return fmt.Errorf("duplicate special event slug %q", ev.Slug)
		}
		seen[ev.Slug] = true
	}
	return nil
}

// Special finds a seance or omen by slug.
func (c *Catalogs) Special(slug string) (SpecialEvent, bool) {
	for _, ev := range c.Seances {
		if ev.Slug == slug {
			return ev, true
		}
	}
	for _, ev := range c.Omens {
		if ev.Slug == slug {
			return ev, true
		}
	}
	return SpecialEvent{}, false
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
