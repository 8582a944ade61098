package tuning

func Defaults() Tuning {
	return Tuning{
		Version: 1,
		Scheduler: Scheduler{
			IntervalSeconds:     60,
			JitterSeconds:       12,
			StartupDelaySeconds: 10,
			QueueBurst:          10,
		},
		Cooldowns: map[string]int{"thread": 12, "reply": 4, "post": 3, "dm": 6, "report": 8},
		Needs: Needs{
			Floor:       0.1,
			Ceiling:     0.95,
			DriftJitter: 0.025,
			Baseline: map[string]float64{
				"attention": 0.55,
				"status":    0.45,
				"belonging": 0.62,
				"novelty":   0.5,
				"catharsis": 0.48,
			},
			Drift: map[string]float64{
				"attention": -0.05,
				"status":    -0.035,
				"belonging": -0.028,
				"novelty":   -0.04,
				"catharsis": -0.045,
			},
		},
		Mood: Mood{
			SuspicionBias: 0.18,
			Bands: []MoodBand{
				{Label: "exhausted", Threshold: 0.25},
				{Label: "strained", Threshold: 0.45},
				{Label: "steady", Threshold: 0.65},
				{Label: "bright", Threshold: 0.82},
				{Label: "radiant", Threshold: 1.0},
			},
		},
		Suspicion:  Bounded{Decay: 0.035, Floor: 0, Ceiling: 1, ReportRelief: 0.08, DMPenalty: 0.03},
		Reputation: Bounded{Decay: 0.02, Floor: -1, Ceiling: 1, BoostPerReport: 0.05},
		ActionBias: map[string]BiasRule{
			"reply": {CooldownPenalty: 0.35, Needs: map[string]float64{"belonging": 0.45, "attention": 0.35, "novelty": 0.18}},
			"thread": {CooldownPenalty: 0.45, Needs: map[string]float64{"status": 0.4, "novelty": 0.5, "attention": 0.32}},
			"dm":     {CooldownPenalty: 0.25, Needs: map[string]float64{"belonging": 0.55, "catharsis": 0.42}},
			"post":   {CooldownPenalty: 0.2, Needs: map[string]float64{"attention": 0.5, "belonging": 0.32, "catharsis": 0.28}},
			"report": {CooldownPenalty: 0.4, SuspicionWeight: 0.65, Needs: map[string]float64{"status": 0.52, "catharsis": 0.2}},
		},
		Oracle: Oracle{
			ForumCapacity:     10000,
			RegBaseline:       0.3,
			RegSqrtFactor:     0.8,
			OmenProbability:   0.01,
			SeanceThreshold:   12,
			SeanceProbability: 0.12,
			SeanceThreadFloor: 1,
		},
		Presence: Presence{
			OfflineChance:     0.05,
			RefreshChance:     0.35,
			RefreshMinMinutes: 6,
			RefreshMaxMinutes: 22,
			BoostMinutes:      12,
		},
		Activity: Activity{
			WindowSeconds: 180,
			Tiers: []ActivityTier{
				{Min: 0, Max: 0, Tier: "dormant", Factor: 0.1},
				{Min: 1, Max: 1, Tier: "calm", Factor: 0.45},
				{Min: 2, Max: 3, Tier: "steady", Factor: 0.7},
				{Min: 4, Max: -1, Tier: "busy", Factor: 1.0},
			},
		},
		DM: DM{BudgetCap: 20, UnansweredLimit: 3},
		Generation: Generation{
			RetryDelaySeconds: 60,
			MemoryMax:         12,
			DefaultMaxTokens:  220,
			BatchMinTokens:    64,
			BatchMaxTokens:    3200,
			Temperature:       0.7,
			DuplicateOverlap:  0.7,
			EmptyEscalation:   2,
		},
	}
}
