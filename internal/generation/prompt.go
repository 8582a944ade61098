package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/sim/dice"
)

// LengthHint is a sampled target length for a reply.
type LengthHint struct {
	Words     int
	Sentences int
	Burst     bool
}

// SampleLength draws a word/sentence target from a speech profile. Missing
// profile fields use 16-34 words, 1-3 sentences and an 18% burst chance.
func SampleLength(p forum.SpeechProfile, rng *rand.Rand) LengthHint {
	minWords := 16
	if p.MinWords > 0 {
		minWords = p.MinWords
	}
	minWords = max(6, minWords)
	maxWords := max(minWords+4, 34)
	if p.MaxWords > 0 {
		maxWords = p.MaxWords
	}
	if maxWords <= minWords {
		maxWords = minWords + 4
	}
	mean := (minWords + maxWords) / 2
	if p.MeanWords > 0 {
		mean = p.MeanWords
	}
	mean = min(max(mean, minWords), maxWords)

	sLow, sHigh := 1, 3
	if p.SentenceRange[0] > 0 {
		sLow = p.SentenceRange[0]
		sHigh = max(sLow, p.SentenceRange[1])
	}
	bLow, bHigh := 6, min(maxWords, max(6, minWords+6))
	if p.BurstRange[0] > 0 {
		bLow, bHigh = p.BurstRange[0], p.BurstRange[1]
	}
	bLow = max(3, bLow)
	bHigh = max(bLow+1, bHigh)
	chance := 0.18
	if p.BurstChance > 0 {
		chance = p.BurstChance
	}
	chance = math.Min(math.Max(chance, 0), 0.5)

	var h LengthHint
	if rng.Float64() < chance {
		h.Words = dice.IntBetween(rng, bLow, max(bLow, min(maxWords, bHigh)))
		h.Burst = true
	} else {
		spread := math.Max(2, float64(maxWords-minWords)/3)
		sample := int(math.Round(dice.Gauss(rng, float64(mean), spread)))
		h.Words = min(max(sample, minWords), maxWords)
	}
	h.Sentences = dice.IntBetween(rng, sLow, sHigh)
	return h
}

func (h LengthHint) Instruction() string {
	sentences := max(1, h.Sentences)
	words := max(4, h.Words)
	label := "sentences"
	if sentences == 1 {
		label = "sentence"
	}
	return fmt.Sprintf("Aim for roughly %d words across %d %s.", words, sentences, label)
}

func defaultInstruction(t forum.TaskType) string {
	switch t {
	case forum.TaskReply:
		return "Write a reply that riffs on the organic being discussed through your persona."
	case forum.TaskDM:
		return "Compose a quick private message that swaps organics intel or coordinates next steps."
	case forum.TaskThreadStart:
		return "Draft the opening post that frames the organic topic and sets the old-web vibe."
	}
	return "Provide forum text."
}

func fallbackForTask(j *job) string {
	title := "the forum"
	if j.thread != nil {
		title = j.thread.Title
	}
	mood := j.agent.State.Mood
	if mood == "" {
		mood = "neutral"
	}
	archetype := strings.ToLower(j.agent.Archetype)
	if archetype == "" {
		archetype = "ghost"
	}
	switch j.task.Type {
	case forum.TaskThreadStart:
		topics := strings.Join(j.task.PayloadStrings("topics"), ", ")
		if topics == "" {
			topics = "a favorite organic"
		}
		return fmt.Sprintf("Opening post for '%s'. Stay in-character as a %s ghost in a %s mood; frame it like an old-web bulletin about %s and invite other ghosts to drop receipts.", title, archetype, mood, topics)
	case forum.TaskReply:
		return fmt.Sprintf("Reply in '%s' as a %s ghost. Reference the organic, add fresh evidence, and keep the tone %s.", title, archetype, mood)
	case forum.TaskDM:
		recipient := "their counterpart"
		if j.recipient != nil {
			recipient = j.recipient.Name
		}
		return fmt.Sprintf("Write a private message to %s that swaps organics intel in a quick %s voice.", recipient, mood)
	}
	return "Share a short ghostship note about today's organic activity."
}

func excerpt(p *forum.Post, author string) string {
	content := strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(p.Content))
	if content == "" {
		return ""
	}
	content = truncate(content, 160)
	if author == "" {
		return content
	}
	return "[" + author + "] " + content
}

type nameCache struct {
	q     *Queue
	names map[int64]string
}

func (c *nameCache) name(ctx context.Context, id int64) string {
	if id == 0 {
		return ""
	}
	if n, ok := c.names[id]; ok {
		return n
	}
	n := ""
	if a, err := c.q.store.GetAgent(ctx, id); err == nil {
		n = a.Name
	}
	c.names[id] = n
	return n
}

func memoryLines(j *job) []string {
	var entries []forum.MemoryEntry
	mem := j.agent.State.Memory
	tail := func(list []forum.MemoryEntry, n int) []forum.MemoryEntry {
		if len(list) > n {
			return list[len(list)-n:]
		}
		return list
	}
	entries = append(entries, tail(mem.Global, 3)...)
	if j.task.RecipientID != 0 {
		entries = append(entries, tail(mem.Peers[j.task.RecipientID], 2)...)
	}
	if j.task.ThreadID != 0 {
		entries = append(entries, tail(mem.Threads[j.task.ThreadID], 2)...)
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		s := strings.TrimSpace(e.Summary)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, "- "+truncate(s, 160))
	}
	return out
}

// climateLine describes the tick's omen/seance mood for the writer.
func climateLine(ec map[string]any) string {
	if len(ec) == 0 {
		return ""
	}
	var parts []string
	for _, kind := range []string{"seance", "omen"} {
		if on, _ := ec[kind].(bool); !on {
			continue
		}
		label, _ := ec[kind+"_label"].(string)
		if label == "" {
			label = "unnamed"
		}
		parts = append(parts, fmt.Sprintf("%s in effect (%s)", kind, label))
	}
	sentiment, _ := ec["sentiment_bias"].(float64)
	toxicity, _ := ec["toxicity_bias"].(float64)
	switch {
	case sentiment >= 0.05:
		parts = append(parts, "lean warmer than usual")
	case sentiment <= -0.05:
		parts = append(parts, "lean cooler than usual")
	}
	if toxicity >= 0.05 {
		parts = append(parts, "some friction is expected, stay civil")
	}
	if len(parts) == 0 {
		return ""
	}
	return "Forum climate: " + strings.Join(parts, "; ") + "."
}

func (q *Queue) buildPrompt(ctx context.Context, j *job, rng *rand.Rand) (string, error) {
	a := j.agent
	t := j.task
	mood := strings.ToLower(a.State.Mood)
	if mood == "" {
		mood = "neutral"
	}
	archetype := strings.ToLower(a.Archetype)
	if archetype == "" {
		archetype = "ghost"
	}
	name := a.Name
	if name == "" {
		name = "unknown"
	}
	lines := []string{
		fmt.Sprintf("Participant profile: name=%s, archetype=%s, mood=%s.", name, archetype, mood),
		"Use these attributes as guidance for tone and perspective; avoid repeating the agent's handle unless it reads naturally.",
		"When referring to yourself or any other ghost, write the handle with an @ prefix (e.g. @trexxak) instead of leading the post with 'Name -'.",
		"Observe organics with curiosity and candor; respond like a focused investigator.",
		"Prefer grounded, evidence-focused language rather than retro web slang or forced nostalgia.",
	}
	if sig := a.State.Mind.VoiceSignature; sig != "" {
		lines = append(lines, "Voice sample: "+sig)
	}
	if len(a.State.Needs) > 0 {
		type need struct {
			k string
			v float64
		}
		needs := make([]need, 0, len(a.State.Needs))
		for k, v := range a.State.Needs {
			needs = append(needs, need{k, v})
		}
		sort.Slice(needs, func(i, k int) bool {
			if needs[i].v != needs[k].v {
				return needs[i].v > needs[k].v
			}
			return needs[i].k < needs[k].k
		})
		var parts []string
		for i := 0; i < len(needs) && i < 3; i++ {
			parts = append(parts, fmt.Sprintf("%s %.2f", needs[i].k, needs[i].v))
		}
		lines = append(lines, "Key drives: "+strings.Join(parts, ", "))
	}
	if mem := memoryLines(j); len(mem) > 0 {
		lines = append(lines, "Things you still remember:")
		lines = append(lines, mem...)
	}

	names := &nameCache{q: q, names: map[int64]string{}}
	self := strings.ToLower(a.Name)
	var mentionable []string

	if j.recipient != nil && t.Type == forum.TaskDM {
		lines = append(lines, "Private message to @"+j.recipient.Name+".")
		convo, err := q.store.Conversation(ctx, a.ID, j.recipient.ID, 3)
		if err != nil {
			return "", fmt.Errorf("conversation: %w", err)
		}
		if len(convo) > 0 {
			lines = append(lines, "Recent exchange:")
			for i := len(convo) - 1; i >= 0; i-- {
				m := convo[i]
				lines = append(lines, fmt.Sprintf("- [%s] %s", names.name(ctx, m.SenderID), truncate(strings.TrimSpace(m.Content), 160)))
			}
		}
		if v := strings.TrimSpace(t.PayloadString("recent_message")); v != "" {
			lines = append(lines, fmt.Sprintf("You are answering this from @%s: %s", j.recipient.Name, truncate(v, 220)))
		}
	}
	if line := climateLine(t.PayloadMap("event_context")); line != "" {
		lines = append(lines, line)
	}

	if j.thread != nil {
		thread := j.thread
		lines = append(lines, "Thread title: "+thread.Title)
		all, err := q.store.ThreadPosts(ctx, thread.ID)
		if err != nil && !errors.Is(err, forum.ErrNotFound) {
			return "", fmt.Errorf("thread posts: %w", err)
		}
		exclude := int64(t.PayloadInt("exclude_post_id", 0))
		var posts []*forum.Post
		for _, p := range all {
			if !p.IsPlaceholder && p.ID != exclude {
				posts = append(posts, p)
			}
		}
		var opener *forum.Post
		if len(posts) > 0 {
			opener = posts[0]
			if ex := excerpt(opener, names.name(ctx, opener.AuthorID)); ex != "" {
				lines = append(lines, "Thread opener:", ex)
			}
		}
		recent := posts
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		var quotes []string
		for _, p := range recent {
			if ex := excerpt(p, names.name(ctx, p.AuthorID)); ex != "" {
				quotes = append(quotes, ex)
			}
		}
		if len(quotes) > 0 {
			lines = append(lines, "Recent comments:")
			lines = append(lines, quotes...)
		}
		used := map[int64]bool{}
		for _, p := range recent {
			used[p.ID] = true
		}
		if opener != nil {
			used[opener.ID] = true
		}
		var highlights []*forum.Post
		for _, p := range posts {
			if used[p.ID] {
				continue
			}
			highlights = append(highlights, p)
			if len(highlights) >= 3 {
				break
			}
		}
		if len(highlights) > 0 {
			lines = append(lines, "Earlier thread highlights:")
			for _, p := range highlights {
				if ex := excerpt(p, names.name(ctx, p.AuthorID)); ex != "" {
					lines = append(lines, "- "+ex)
				}
			}
		}

		topics := t.PayloadStrings("topics")
		if len(topics) == 0 {
			topics = thread.Topics
		}
		if len(topics) > 0 {
			lines = append(lines, "Topics: "+strings.Join(topics, ", "))
		}

		handles := map[string]string{}
		add := func(id int64, p *forum.Post) {
			n := names.name(ctx, id)
			if n == "" || strings.ToLower(n) == self {
				return
			}
			if _, ok := handles[n]; !ok || handles[n] == "" {
				if p != nil {
					handles[n] = excerpt(p, "")
				} else {
					handles[n] = ""
				}
			}
		}
		if opener != nil && opener.AuthorID == thread.AuthorID {
			add(thread.AuthorID, opener)
		} else {
			add(thread.AuthorID, nil)
		}
		for i := len(recent) - 1; i >= 0; i-- {
			add(recent[i].AuthorID, recent[i])
		}
		for _, p := range highlights {
			add(p.AuthorID, p)
		}
		for h := range handles {
			mentionable = append(mentionable, h)
		}
		sort.Strings(mentionable)
		if len(mentionable) > 0 {
			lines = append(lines, "Mentionable ghosts and receipts:")
			for _, h := range mentionable {
				if ex := handles[h]; ex != "" {
					lines = append(lines, fmt.Sprintf("- @%s: %s", h, ex))
				} else {
					lines = append(lines, fmt.Sprintf("- @%s: no fresh post excerpt available, reference prior intel if you name them.", h))
				}
			}
			lines = append(lines, "Only mention ghosts listed above and anchor any tag to the cited detail; do not invent handles or tag yourself unless directly summoned.")
		}

		if v := t.PayloadString("theme"); v != "" {
			lines = append(lines, "Thread theme: "+v+".")
		}
		if v := t.PayloadString("setting"); v != "" {
			lines = append(lines, "Setting or vibe: "+v+".")
		}
		if v := t.PayloadString("tone"); v != "" {
			lines = append(lines, "Tone guidance: "+v+".")
		}
		if v := t.PayloadString("body_guidance"); v != "" {
			lines = append(lines, "Body guidance: "+v)
		}
		if t.PayloadBool("seeded") {
			lines = append(lines, "This is the first reply: acknowledge the opener, add one fresh detail about the organic, and invite follow-up evidence.")
		}
		if len(posts) > 0 && posts[len(posts)-1].AuthorID == a.ID {
			lines = append(lines, "You authored the most recent comment. Open with a light nod to avoid double-posting, or skip it only if it would distract from new intel.")
		}
	}
	if v := t.PayloadString("style_notes"); v != "" {
		lines = append(lines, "Style notes: "+v)
	}
	if v := t.PayloadString("board_menu"); v != "" {
		lines = append(lines, "Board menu:", v)
	}
	if v := t.PayloadString("routing_note"); v != "" {
		lines = append(lines, v)
	}

	switch t.Type {
	case forum.TaskReply:
		lines = append(lines, "Anchor the reply in the organic being discussed and bring a new observation or pointed question.")
		if len(mentionable) > 0 {
			lines = append(lines, "If you tag another ghost, choose from the mentionable list and explain why they matter here.")
		}
		h := SampleLength(a.Speech, rng)
		lines = append(lines, h.Instruction())
		if h.Burst {
			lines = append(lines, "Keep this one extra punchy. Deliver the insight in a quick burst and bail early.")
		} else {
			lines = append(lines, "Balance brevity with clarity: land the evidence, then give a short reaction or invitation.")
		}
	case forum.TaskThreadStart:
		lines = append(lines, "Frame the situation clearly and point to the evidence or questions that kicked off this watch.")
	case forum.TaskDM:
		lines = append(lines, "Keep the tone direct and collaborative while swapping actionable intel.")
	}
	lines = append(lines, "Stay precise, cite the organic event, and avoid recycled jokes or filler.")

	instruction := t.PayloadString("instruction")
	if instruction == "" {
		instruction = defaultInstruction(t.Type)
	}
	var b strings.Builder
	for i, l := range lines {
		if l == "" {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l)
	}
	fmt.Fprintf(&b, "\n\nInstruction: %s\nKeep it concise and specific. Respond in <= %d tokens.", instruction, q.maxTokens(t))
	return b.String(), nil
}

func (q *Queue) buildBatchPrompt(ctx context.Context, jobs []*job, rng *rand.Rand) (string, error) {
	lines := []string{
		"You are writing multiple Ghostship Bulletin messages at once.",
		"For each task, craft the final forum-ready text only.",
		"Format your final answer exactly as:",
		"TASK 1:",
		"<message>",
		"",
		"TASK 2:",
		"<message>",
		"",
		"Do not include commentary outside this structure.",
		"",
		"Task briefs:",
	}
	for i, j := range jobs {
		p, err := q.buildPrompt(ctx, j, rng)
		if err != nil {
			return "", err
		}
		lines = append(lines, fmt.Sprintf("---- TASK %d ----", i+1), p)
	}
	return strings.Join(lines, "\n"), nil
}
