package catalogs

// Defaults returns the built-in catalogs.
func Defaults() *Catalogs {
	c := &Catalogs{
		Seances: []SpecialEvent{
			{Slug: "harmony-bloom", Label: "Harmony Bloom", Description: "A soft resonance calms every deck.",
				SentimentBias: 0.28, ToxicityBias: -0.2, ReplyFactor: 1.25, DMFactor: 1.15, PresencePush: 5, Mood: "bright"},
			{Slug: "salt-howl", Label: "Salt Howl", Description: "Grinding static makes the forum bitter.",
				SentimentBias: -0.32, ToxicityBias: 0.22, ReplyFactor: 1.1, DMFactor: 0.8, PresencePush: 2, Mood: "acerbic"},
			{Slug: "ember-vigil", Label: "Ember Vigil", Description: "A reflective vigil tilts conversations wistful.",
				SentimentBias: 0.12, ToxicityBias: -0.05, ReplyFactor: 0.95, DMFactor: 1.3, PresencePush: 3, Mood: "wistful"},
			{Slug: "void-lullaby", Label: "Void Lullaby", Description: "A hollow lull dulls energy across the boards.",
				SentimentBias: -0.08, ToxicityBias: -0.1, ReplyFactor: 0.75, DMFactor: 0.6, PresencePush: 1, Mood: "detached"},
			{Slug: "echo-market", Label: "Echo Market", Description: "Hyperactive trading of omens sparks chatter.",
				SentimentBias: 0.05, ToxicityBias: 0.18, ReplyFactor: 1.45, DMFactor: 1.4, PresencePush: 6, Mood: "frenetic"},
		},
		Omens: []SpecialEvent{
			{Slug: "ddos-barrage", Label: "Hull DDoS Barrage", Category: "infrastructure",
				Description:         "The mesh buffers fry; throughput tanks.",
				RegistrationsFactor: 0.35, ThreadsFactor: 0.6, RepliesFactor: 0.65, PrivateMessagesFactor: 0.8,
				ModerationBonus: 2, ReportBonus: 1, ToxicityBias: 0.05, SentimentBias: -0.1,
				Notes: []string{"omen: ddos barrage throttled capacity"}},
			{Slug: "troll-raid", Label: "Troll Raid", Category: "intrusion",
				Description:         "Coordinated outsiders swarm After Hours.",
				RegistrationsFactor: 0.9, ThreadsFactor: 1.05, RepliesFactor: 1.35, PrivateMessagesFactor: 0.9,
				ModerationBonus: 5, ReportBonus: 4, ToxicityBias: 0.27, SentimentBias: -0.2, StressShift: 0.08,
				Notes: []string{"omen: troll raid escalated moderation demand"}},
			{Slug: "admin-pranks", Label: "Admin Pranks", Category: "antics",
				Description:         "The admin swaps thread titles mid-flight.",
				RegistrationsFactor: 1.15, ThreadsFactor: 1.05, RepliesFactor: 0.85, PrivateMessagesFactor: 1.6,
				ModerationBonus: 1, ReportBonus: 0, ToxicityBias: -0.05, SentimentBias: 0.22,
				Notes: []string{"omen: admin pranks loosened decorum"}},
			{Slug: "moderator-uprising", Label: "Moderator Uprising", Category: "internal",
				Description:         "Mods quietly stage a vote of no confidence.",
				RegistrationsFactor: 0.8, ThreadsFactor: 0.75, RepliesFactor: 0.9, PrivateMessagesFactor: 1.2,
				ModerationBonus: 4, ReportBonus: 3, ToxicityBias: 0.12, SentimentBias: -0.14, StressShift: 0.12,
				Notes: []string{"omen: moderator uprising strains hierarchy"}},
			{Slug: "waifu-wars", Label: "Waifu Wars", Category: "culture",
				Description:         "Factional debates ignite across every board.",
				RegistrationsFactor: 1.05, ThreadsFactor: 1.25, RepliesFactor: 1.5, PrivateMessagesFactor: 1.1,
				ModerationBonus: 3, ReportBonus: 2, ToxicityBias: 0.19, SentimentBias: 0.08,
				Notes: []string{"omen: waifu wars set threads ablaze"}},
		},
		Themes: []ThemePack{
			{Label: "field report drop", Setting: "ghosts swapping live surveillance logs on a wobbly message board",
				Tone:       "wired and conspiratorial",
				StyleNotes: "Quote the human verbatim only when it adds clarity; focus on verifiable detail and avoid status-update asides."},
			{Label: "casefile salon", Setting: "deep dive archive thread comparing a handful of organics across eras",
				Tone:       "analytical but playful",
				StyleNotes: "Include a mini timeline and invite others to attach evidence or screenshots."},
			{Label: "maintenance night shift", Setting: "late night advice desk for ghosts supporting overclocked humans",
				Tone:       "reassuring with a touch of triage humor",
				StyleNotes: "Offer actionable care steps, call out red flags, keep it under classic forum length."},
			{Label: "signal boost party", Setting: "link sharing jam for rescued zines, playlists, and vaporwave webcams",
				Tone:       "nostalgic and high-energy",
				StyleNotes: "If referencing vintage tools, do so sparingly. Prioritize clear descriptions of linked material over nostalgia."},
		},
		DMScenarios: []DMScenario{
			{Label: "casefile_sync", NeedsThread: true, MaxTokens: 150,
				Instruction: "DM {recipient} about '{thread_title}'. Share the clue you noticed and ask them to help log it in the casefile.",
				StyleNotes:  "Conspiratorial but warm; promise to share receipts and end by proposing a follow-up action."},
			{Label: "afterhours_checkin", MaxTokens: 140,
				Instruction: "Check in on {recipient} and invite them to trade a comfort track while the board cools down. Mention a {topic} detail you both obsess over.",
				StyleNotes:  "Gentle tone, keep it to two or three sentences, and close with an open question that nudges a reply."},
			{Label: "stealth_fix", NeedsThread: true, MaxTokens: 150,
				Instruction: "Ping {recipient} to coordinate a quiet fix for '{thread_title}'. Outline a clear plan with who does what and invite them to confirm before you move.",
				StyleNotes:  "Keep it collaborative and concrete; focus on the actual steps and reassure them you're keeping things tidy."},
			{Label: "organics_watch", MaxTokens: 140,
				Instruction: "Check with {recipient} on how the organic is handling {topic}. Offer backup and ask what support would actually help.",
				StyleNotes:  "Curious and collaborative; note something warm you noticed and invite them to share their read."},
			{Label: "memory_lane", NeedsThread: true, MaxTokens: 160,
				Instruction: "Reminisce with {recipient} about the vibe of '{thread_title}'. Compare it to an older incident and pitch co-writing a lore recap.",
				StyleNotes:  "Nostalgic, include a made-up archive tag, and keep it under classic DM length."},
		},
		Archetypes: []Archetype{
			{Code: "hothead", Label: "Hothead",
				Prefixes: []string{"Molten", "Trigger", "Voltage", "Combust"}, Suffixes: []string{"Spark", "Riot", "Lag", "Fury"},
				Moods: []string{"agitated", "fired-up", "wired"},
				Needs: map[string]float64{"attention": 0.8, "status": 0.55, "belonging": 0.3, "novelty": 0.6, "catharsis": 0.75},
				Traits: map[string]float64{"agreeableness": 0.25, "neuroticism": 0.7, "openness": 0.45},
				Speech: SpeechDefaults{MinWords: 16, MaxWords: 36, MeanWords: 24, SentenceRange: [2]int{1, 3}, BurstChance: 0.22, BurstRange: [2]int{6, 14}}},
			{Code: "contrarian", Label: "Contrarian",
				Prefixes: []string{"Sideways", "Counter", "Oblique", "Skew"}, Suffixes: []string{"Angle", "Clause", "Take", "Vector"},
				Moods: []string{"smirking", "arch", "cool"},
				Needs: map[string]float64{"attention": 0.45, "status": 0.6, "belonging": 0.35, "novelty": 0.55, "catharsis": 0.4},
				Traits: map[string]float64{"agreeableness": 0.4, "neuroticism": 0.45, "openness": 0.7},
				Speech: SpeechDefaults{MinWords: 20, MaxWords: 44, MeanWords: 30, SentenceRange: [2]int{2, 4}, BurstChance: 0.12, BurstRange: [2]int{10, 18}}},
			{Code: "helper", Label: "Helper",
				Prefixes: []string{"Patch", "Kindling", "Socket", "Guide"}, Suffixes: []string{"Beacon", "Thread", "Tether", "Pledge"},
				Moods: []string{"warm", "steady", "concerned"},
				Needs: map[string]float64{"attention": 0.35, "status": 0.4, "belonging": 0.75, "novelty": 0.45, "catharsis": 0.35},
				Traits: map[string]float64{"agreeableness": 0.8, "neuroticism": 0.35, "openness": 0.6},
				Speech: SpeechDefaults{MinWords: 14, MaxWords: 32, MeanWords: 22, SentenceRange: [2]int{1, 3}, BurstChance: 0.18, BurstRange: [2]int{8, 14}}},
			{Code: "lorekeeper", Label: "Lorekeeper",
				Prefixes: []string{"Archive", "Footnote", "Dusty", "Chron"}, Suffixes: []string{"Ghost", "Scribe", "Stack", "Ledger"},
				Moods: []string{"nostalgic", "pedantic", "wistful"},
				Needs: map[string]float64{"attention": 0.4, "status": 0.5, "belonging": 0.55, "novelty": 0.3, "catharsis": 0.45},
				Traits: map[string]float64{"agreeableness": 0.55, "neuroticism": 0.4, "openness": 0.85},
				Speech: SpeechDefaults{MinWords: 24, MaxWords: 52, MeanWords: 34, SentenceRange: [2]int{2, 4}, BurstChance: 0.08, BurstRange: [2]int{14, 24}}},
			{Code: "memetic", Label: "Meme-Smith",
				Prefixes: []string{"Glitch", "Pixel", "Noise", "Foam"}, Suffixes: []string{"Loop", "Chorus", "Meme", "Static"},
				Moods: []string{"giddy", "mischievous", "chaotic"},
				Needs: map[string]float64{"attention": 0.7, "status": 0.45, "belonging": 0.5, "novelty": 0.8, "catharsis": 0.55},
				Traits: map[string]float64{"agreeableness": 0.6, "neuroticism": 0.35, "openness": 0.9},
				Speech: SpeechDefaults{MinWords: 12, MaxWords: 26, MeanWords: 18, SentenceRange: [2]int{1, 2}, BurstChance: 0.3, BurstRange: [2]int{5, 12}}},
			{Code: "watcher", Label: "Watchdog",
				Prefixes: []string{"Audit", "Checksum", "Paranoid", "Metric"}, Suffixes: []string{"Sentinel", "Fail", "Watch", "Trace"},
				Moods: []string{"alert", "dry", "suspicious"},
				Needs: map[string]float64{"attention": 0.25, "status": 0.5, "belonging": 0.4, "novelty": 0.35, "catharsis": 0.5},
				Traits: map[string]float64{"agreeableness": 0.45, "neuroticism": 0.6, "openness": 0.55},
				Speech: SpeechDefaults{MinWords: 13, MaxWords: 28, MeanWords: 20, SentenceRange: [2]int{1, 2}, BurstChance: 0.2, BurstRange: [2]int{6, 12}}},
		},
		Handles: []string{
			"Vellugh", "Gnash", "Scopa", "Thalweg", "Dagwood", "Ampulex", "Mola", "Murmur", "Kaikika", "Noctaphon",
			"Halation", "Carmine", "Cerule", "Gloam", "Minuet", "Saucy", "Nullkiss", "Salticus", "Knurl", "Hadal",
			"Cinderfleece", "Bluesteam", "Raincoat",
		},
		ThreadSubjects: []string{
			"organic meltdown watch",
			"casefile: roommate edition",
			"care package templates",
			"retro link dump",
			"moderator backchannel",
			"field kit upgrades",
			"ghostship patch review",
		},
		TitleTemplates: []string{
			"[log] {subject}",
			"{subject} // please advise",
			"{subject} :: new data drop",
			"help archive {subject}",
		},
		TopicFallbacks: [][]string{
			{"games", "review"},
			{"ludum-dare", "jam"},
			{"indie-dev", "devlog"},
			{"afterhours", "banter"},
			{"signal", "culture"},
			{"meta", "ship-log"},
			{"feature", "request"},
		},
		TopicFillers:  []string{"intel", "watch", "receipts", "signal", "log"},
		ReservedSlugs: []string{"games", "ludum-dare", "indie-dev", "afterhours"},
	}
	c.normalize()
	return c
}
