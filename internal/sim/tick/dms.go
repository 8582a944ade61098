package tick

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/sim/catalogs"
	"ghostship.forum/internal/sim/dice"
)

const (
	peerReplyInstruction = "Reply to {partner}'s DM. Extend their point, trade one fresh detail, and invite them to keep the thread alive."
	peerReplyStyle       = "Match the prior tone, reference one shared receipt, and end with a concrete next step."

	welcomeInstruction = "Welcome {recipient} aboard. Offer the elevator pitch for the {topic} threads and invite them to drop one weird fact about themselves."
	welcomeStyle       = "Bright and sincere, two sentences max, end with a question that makes it easy for them to answer."

	handshakeInstruction = "Introduce yourself to {partner} as the new ghost on deck. Share why the {topic} threads hooked you and ask for one pro tip."
	handshakeStyle       = "Curious and a little awkward is fine; end with a promise to trade receipts soon."

	adminReplyInstruction = "Respond to {partner}'s latest DM. Stay candid, give them next steps, and sign off like a caffeinated admin."
	adminReplyStyle       = "Match the admin voice: sardonic but helpful. Reference their last message directly."

	adminInboxInstruction = "Send t.admin a quick status ping that highlights what you handled and where you could use a nudge."
	adminInboxStyle       = "Keep it lively but respectful; celebrate the small win and make the ask easy to answer."

	probeInstruction = "Send trexxak a friendly DM letting them know you're around if they want a new board or backup."
	probeStyle       = "Keep it warm and plainspoken; echo something they shared and offer concrete, low-effort help."

	scenarioStyleSuffix = " Keep the language plain and on-topic, no techno babble, no signal metaphors, and no derailment."

	excerptMax = 220
)

// dmPlan carries the DM budget and bookkeeping across the sub-phases.
type dmPlan struct {
	budget         int
	organicReserve int
	welcomeReserve int
	slot           int
	topics         []string
	threads        []*forum.Thread
}

func (p *dmPlan) open() int {
	return p.budget - p.organicReserve - p.welcomeReserve
}

func fill(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > excerptMax {
		s = s[:excerptMax]
	}
	return s
}

func (r *run) unansweredLimit() int {
	if n := r.o.cfg.DM.UnansweredLimit; n > 0 {
		return n
	}
	return 3
}

// unansweredStreak counts how many of the newest messages in the pair's
// conversation were sent by sender in a row.
func (r *run) unansweredStreak(ctx context.Context, sender, recipient int64) int {
	limit := r.unansweredLimit()
	msgs, err := r.o.store.Conversation(ctx, sender, recipient, limit)
	if err != nil {
		r.fail("dm_history", err)
		return 0
	}
	n := 0
	for _, m := range msgs {
		if m.SenderID != sender || m.RecipientID != recipient {
			break
		}
		n++
	}
	return n
}

// queueDM enqueues one DM task, tags it with the shared event context and
// records the action. It reports whether a task was stored.
func (r *run) queueDM(ctx context.Context, p *dmPlan, sender, recipient *forum.Agent, mode string, threadID int64, payload map[string]any) bool {
	payload["tick_number"] = r.tick
	payload["slot"] = p.slot
	payload["event_context"] = r.eventContext
	task := r.enqueue(ctx, forum.NewTask{
		Type:        forum.TaskDM,
		AgentID:     sender.ID,
		RecipientID: recipient.ID,
		ThreadID:    threadID,
		Payload:     payload,
	})
	p.slot++
	if task == nil {
		return false
	}
	p.budget--
	r.emit("private_message_task", map[string]any{
		"sender": sender.Name, "recipient": recipient.Name, "task_id": task.ID, "mode": mode,
	})
	r.registerAction(ctx, sender.ID, "dm", map[string]any{"recipient": recipient.Name, "mode": mode})
	return true
}

// welcomeTargets returns newcomers whose user_join lore fired this tick.
func (r *run) welcomeTargets(ctx context.Context) []*forum.Agent {
	var out []*forum.Agent
	seen := map[int64]bool{}
	for _, ev := range r.lore {
		if ev.Kind != forum.LoreUserJoin {
			continue
		}
		id := metaInt(ev.Meta, "id")
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		a, err := r.fresh(ctx, id)
		if err != nil || a.IsBanned() {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (r *run) dmContext(ctx context.Context) ([]*forum.Thread, []string) {
	threads := append([]*forum.Thread(nil), r.newThreads...)
	recent, err := r.o.store.ListThreads(ctx, forum.ThreadQuery{Visible: true, Limit: 12})
	if err != nil {
		r.fail("dm_threads", err)
	}
	seen := map[int64]bool{}
	for _, t := range threads {
		seen[t.ID] = true
	}
	for _, t := range recent {
		if !seen[t.ID] {
			seen[t.ID] = true
			threads = append(threads, t)
		}
	}
	var topics []string
	for _, t := range threads {
		for _, topic := range t.Topics {
			if topic != "" && !contains(topics, topic) {
				topics = append(topics, topic)
			}
		}
	}
	if len(topics) == 0 {
		topics = []string{"meta"}
	}
	return threads, topics
}

// dmPhase spends the DM budget in priority order: peer replies, welcomes,
// admin replies, admin inbox pings, organic probes, then fresh peer
// scenarios.
func (r *run) dmPhase(ctx context.Context) {
	agents, err := r.o.store.ListAgents(ctx)
	if err != nil {
		r.fail("dm_agents", err)
		return
	}
	byID := make(map[int64]*forum.Agent, len(agents))
	var admin, organic *forum.Agent
	for _, a := range agents {
		byID[a.ID] = a
		if admin == nil && a.IsAdmin() {
			admin = a
		}
		if organic == nil && a.IsOrganic() {
			organic = a
		}
	}
	pool := r.pool(ctx)

	p := &dmPlan{budget: r.alloc.PrivateMessages}
	if organic != nil && p.budget > 0 {
		p.organicReserve = 1
	}
	welcomes := r.welcomeTargets(ctx)
	if len(welcomes) > 0 {
		p.welcomeReserve = 1
	}
	capAt := r.o.cfg.DM.BudgetCap
	if capAt <= 0 {
		capAt = 20
	}
	p.budget = min(capAt, max(p.budget, 2, r.alloc.Replies/2, len(r.newThreads), len(welcomes)), r.llmLeft())
	r.dmPlanned = p.budget
	p.threads, p.topics = r.dmContext(ctx)

	r.peerReplies(ctx, p, byID, admin)
	p.welcomeReserve = 0
	r.welcomeDMs(ctx, p, welcomes, pool)
	if admin != nil {
		r.adminReplies(ctx, p, admin, byID)
		r.adminInbox(ctx, p, admin, pool)
	}
	if organic != nil {
		r.organicProbes(ctx, p, organic, pool)
	}
	p.organicReserve = 0
	r.peerScenarios(ctx, p, pool, admin)

	if p.budget > 0 {
		r.emit("dm_manual", map[string]any{
			"planned": p.budget,
			"note":    fmt.Sprintf("%d private messages left for manual follow-up", p.budget),
		})
	}
	r.setPlannedDMs()
}

// setPlannedDMs rewrites the allocation event with the final DM plan.
func (r *run) setPlannedDMs() {
	for _, e := range r.events {
		if e.Type() == "allocation" {
			e["private_messages"] = r.dmPlanned
			return
		}
	}
}

func (r *run) peerReplies(ctx context.Context, p *dmPlan, byID map[int64]*forum.Agent, admin *forum.Agent) {
	if p.open() <= 0 {
		return
	}
	msgs, err := r.o.store.RecentMessages(ctx, max(p.budget*6, 18))
	if err != nil {
		r.fail("dm_recent", err)
		return
	}
	pairs := map[[2]int64]bool{}
	for _, m := range msgs {
		if p.open() <= 0 || ctx.Err() != nil {
			return
		}
		key := [2]int64{min(m.SenderID, m.RecipientID), max(m.SenderID, m.RecipientID)}
		if pairs[key] {
			continue
		}
		pairs[key] = true
		responder, partner := byID[m.RecipientID], byID[m.SenderID]
		if responder == nil || partner == nil || responder.IsBanned() || partner.IsBanned() || responder.IsOrganic() {
			continue
		}
		if admin != nil && responder.ID == admin.ID {
			continue
		}
		r.queueDM(ctx, p, responder, partner, "peer_reply", 0, map[string]any{
			"instruction":    fill(peerReplyInstruction, map[string]string{"partner": partner.Name}),
			"max_tokens":     150,
			"style_notes":    peerReplyStyle,
			"recent_message": excerpt(m.Content),
		})
	}
}

func (r *run) welcomeDMs(ctx context.Context, p *dmPlan, newcomers, pool []*forum.Agent) {
	if len(newcomers) == 0 {
		return
	}
	fresh := map[int64]bool{}
	for _, a := range newcomers {
		fresh[a.ID] = true
	}
	var veterans []*forum.Agent
	for _, a := range pool {
		if !fresh[a.ID] {
			veterans = append(veterans, a)
		}
	}
	if len(veterans) == 0 {
		return
	}
	dice.Shuffle(r.rng, newcomers)
	for _, nc := range newcomers {
		if p.open() <= 0 || ctx.Err() != nil {
			return
		}
		greeter := dice.Pick(r.rng, veterans)
		topic := dice.Pick(r.rng, p.topics)
		r.queueDM(ctx, p, greeter, nc, "welcome_greeting", 0, map[string]any{
			"instruction": fill(welcomeInstruction, map[string]string{"recipient": nc.Name, "topic": topic}),
			"max_tokens":  140,
			"style_notes": welcomeStyle,
			"topic":       topic,
		})
		if p.open() <= 0 || !dice.Chance(r.rng, 0.5) {
			continue
		}
		partner := dice.Pick(r.rng, veterans)
		r.queueDM(ctx, p, nc, partner, "welcome_handshake", 0, map[string]any{
			"instruction": fill(handshakeInstruction, map[string]string{"partner": partner.Name, "topic": topic}),
			"max_tokens":  130,
			"style_notes": handshakeStyle,
			"topic":       topic,
		})
	}
}

// adminReplies answers conversations whose latest message came from someone
// other than the admin.
func (r *run) adminReplies(ctx context.Context, p *dmPlan, admin *forum.Agent, byID map[int64]*forum.Agent) {
	if p.open() <= 0 {
		return
	}
	inbox, err := r.o.store.MessagesTo(ctx, admin.ID, max(p.budget*4, 12))
	if err != nil {
		r.fail("dm_admin_inbox", err)
		return
	}
	seen := map[int64]bool{}
	for _, m := range inbox {
		if p.open() <= 0 || ctx.Err() != nil {
			return
		}
		if seen[m.SenderID] {
			continue
		}
		seen[m.SenderID] = true
		partner := byID[m.SenderID]
		if partner == nil || partner.IsBanned() {
			continue
		}
		latest, err := r.o.store.Conversation(ctx, admin.ID, partner.ID, 1)
		if err != nil || len(latest) == 0 || latest[0].SenderID == admin.ID {
			continue
		}
		r.queueDM(ctx, p, admin, partner, "admin_reply", 0, map[string]any{
			"instruction":    fill(adminReplyInstruction, map[string]string{"partner": partner.Name}),
			"max_tokens":     160,
			"style_notes":    adminReplyStyle,
			"recent_message": excerpt(latest[0].Content),
		})
	}
}

func (r *run) adminInbox(ctx context.Context, p *dmPlan, admin *forum.Agent, pool []*forum.Agent) {
	var senders []*forum.Agent
	for _, a := range pool {
		if a.ID != admin.ID {
			senders = append(senders, a)
		}
	}
	n := min(p.open(), dice.IntBetween(r.rng, 1, 3))
	if n <= 0 || len(senders) == 0 {
		return
	}
	dice.Shuffle(r.rng, senders)
	for _, s := range senders {
		if n <= 0 || ctx.Err() != nil {
			return
		}
		if r.unansweredStreak(ctx, s.ID, admin.ID) >= r.unansweredLimit() {
			continue
		}
		if r.queueDM(ctx, p, s, admin, "admin_inbox", 0, map[string]any{
			"instruction": adminInboxInstruction,
			"max_tokens":  120,
			"style_notes": adminInboxStyle,
		}) {
			n--
		}
	}
}

func (r *run) organicProbes(ctx context.Context, p *dmPlan, organic *forum.Agent, pool []*forum.Agent) {
	n := min(p.budget, dice.IntBetween(r.rng, 1, 2))
	if n <= 0 || len(pool) == 0 {
		return
	}
	senders := append([]*forum.Agent(nil), pool...)
	dice.Shuffle(r.rng, senders)
	for _, s := range senders {
		if n <= 0 || p.budget <= 0 || ctx.Err() != nil {
			return
		}
		if s.ID == organic.ID {
			continue
		}
		if streak := r.unansweredStreak(ctx, s.ID, organic.ID); streak >= r.unansweredLimit() {
			r.emit("private_message_skip", map[string]any{
				"sender": s.Name, "recipient": organic.Name, "reason": "unanswered_limit", "streak": streak,
			})
			continue
		}
		if r.queueDM(ctx, p, s, organic, "trexxak_probe", 0, map[string]any{
			"instruction": probeInstruction,
			"max_tokens":  120,
			"style_notes": probeStyle,
		}) {
			n--
		}
	}
}

func scenarioTopic(s string) string {
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(s))
}

func (r *run) pickScenario(haveThreads bool) (catalogs.DMScenario, bool) {
	scenarios := r.o.cat.DMScenarios
	if !haveThreads {
		var open []catalogs.DMScenario
		for _, s := range scenarios {
			if !s.NeedsThread {
				open = append(open, s)
			}
		}
		scenarios = open
	}
	if len(scenarios) == 0 {
		return catalogs.DMScenario{}, false
	}
	return dice.Pick(r.rng, scenarios), true
}

// peerScenarios spends what is left of the budget on fresh ghost-to-ghost
// DMs, one per pair.
func (r *run) peerScenarios(ctx context.Context, p *dmPlan, pool []*forum.Agent, admin *forum.Agent) {
	var peers []*forum.Agent
	for _, a := range pool {
		if admin == nil || a.ID != admin.ID {
			peers = append(peers, a)
		}
	}
	if len(peers) < 2 {
		peers = pool
	}
	if len(peers) < 2 {
		return
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	used := map[[2]int64]bool{}
	for attempts := 0; p.budget > 0 && attempts < p.budget*4; attempts++ {
		if ctx.Err() != nil {
			return
		}
		pair := dice.Sample(r.rng, peers, 2)
		sender, recipient := pair[0], pair[1]
		key := [2]int64{min(sender.ID, recipient.ID), max(sender.ID, recipient.ID)}
		if used[key] {
			continue
		}
		if r.unansweredStreak(ctx, sender.ID, recipient.ID) >= r.unansweredLimit() {
			used[key] = true
			continue
		}
		sc, ok := r.pickScenario(len(p.threads) > 0)
		if !ok {
			return
		}
		used[key] = true
		var thread *forum.Thread
		title := ""
		if len(p.threads) > 0 {
			thread = dice.Pick(r.rng, p.threads)
			title = thread.Title
		}
		topic := dice.Pick(r.rng, p.topics)
		if thread != nil && len(thread.Topics) > 0 {
			topic = dice.Pick(r.rng, thread.Topics)
		}
		label := scenarioTopic(topic)
		maxTokens := sc.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 150
		}
		payload := map[string]any{
			"instruction": fill(sc.Instruction, map[string]string{
				"recipient": recipient.Name, "sender": sender.Name, "thread_title": title, "topic": label,
			}),
			"max_tokens":  maxTokens,
			"style_notes": strings.TrimSpace(sc.StyleNotes + scenarioStyleSuffix),
			"scenario":    sc.Label,
			"topic":       label,
		}
		var threadID int64
		if thread != nil {
			payload["thread_title"] = title
			threadID = thread.ID
		}
		r.queueDM(ctx, p, sender, recipient, "peer_initiate", threadID, payload)
	}
}
