package tick

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"ghostship.forum/internal/forum"
	"ghostship.forum/internal/sim/agentstate"
	"ghostship.forum/internal/sim/dice"
)

const (
	threadTitleMax = 200
	topicSlugMax   = 32

	threadBodyGuidance = "Write 2-3 short paragraphs, work in at least one concrete real-world detail (release dates, creators," +
		" historical notes, or practical resources) about the subject, quote at least one human moment, avoid" +
		" techno-babble, and end with a call for evidence. First line MUST be a BOARD selection as specified" +
		" in 'routing_note'."

	routingNote = "Pick the best board for this thread from the list. " +
		"If none fits but a new board would, propose a new slug.\n\n" +
		"Emit one of the following as your FIRST line exactly:\n" +
		"  BOARD: <existing-slug>\n" +
		"  BOARD-NEW: <new-slug> | <Human-readable board name>\n" +
		"Then write the post body.\n"

	seededReplyInstruction = "Drop the first reply that stays welcoming, references the thread subject with grounded world knowledge," +
		" and invites follow-up contributions."
	seededReplyStyle = "Keep language plain, stay on the thread topic, and avoid techno babble or sudden tangents."

	replyInstruction = "Write a reply that feels like an old-forum post while riffing on the organic in question."
	replyStyle       = "Quote or paraphrase the human once and, if tagging another ghost, choose from the mentionable list." +
		" Avoid invented nostalgia triggers. Keep the language plain, stay on the subject, and skip techno babble."
)

var (
	topicJunk  = regexp.MustCompile(`[^a-z0-9_-]+`)
	topicDash  = regexp.MustCompile(`-+`)
	slugFilter = regexp.MustCompile(`[^a-z0-9_-]+`)
)

func normalizeTopic(v string) string {
	s := topicJunk.ReplaceAllString(strings.ToLower(v), "-")
	s = strings.Trim(topicDash.ReplaceAllString(s, "-"), "-_")
	if len(s) > topicSlugMax {
		s = s[:topicSlugMax]
	}
	return s
}

// lastAuthor returns the author of a post lookup, 0 when there is none.
func lastAuthor(p *forum.Post, err error) int64 {
	if err != nil || p == nil {
		return 0
	}
	return p.AuthorID
}

func (r *run) visibleBoards() []*forum.Board {
	var out []*forum.Board
	for _, b := range r.boards {
		if !b.IsHidden {
			out = append(out, b)
		}
	}
	return out
}

// chooseBoard routes topics to a board whose slug they mention, else the
// core board.
func (r *run) chooseBoard(topics []string) *forum.Board {
	for _, t := range topics {
		if b := r.boardBySlug(t); b != nil && !b.IsHidden {
			return b
		}
	}
	if b := r.boardBySlug(forum.CoreBoardSlug); b != nil {
		return b
	}
	if vis := r.visibleBoards(); len(vis) > 0 {
		return vis[0]
	}
	return nil
}

func (r *run) boardMenu() string {
	boards := append([]*forum.Board(nil), r.boards...)
	sort.SliceStable(boards, func(i, j int) bool {
		if boards[i].Position != boards[j].Position {
			return boards[i].Position < boards[j].Position
		}
		return boards[i].Name < boards[j].Name
	})
	var b strings.Builder
	for _, bd := range boards {
		desc := bd.Description
		if len(desc) > 140 {
			desc = desc[:140]
		}
		hidden := ""
		if bd.IsHidden {
			hidden = " (hidden)"
		}
		fmt.Fprintf(&b, "- %s: %s%s | %s\n", bd.Slug, bd.Name, hidden, desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

// threadAuthors prefers this tick's newcomers, else the newest eligible
// agents.
func (r *run) threadAuthors(ctx context.Context, n int) []*forum.Agent {
	if len(r.newAgents) > 0 {
		return append([]*forum.Agent(nil), r.newAgents...)
	}
	pool := r.pool(ctx)
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID > pool[j].ID })
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool
}

func (r *run) threadPhase(ctx context.Context) {
	if r.alloc.Threads <= 0 {
		return
	}
	cat := r.o.cat
	if len(cat.ThreadSubjects) == 0 || len(cat.TitleTemplates) == 0 || len(cat.TopicFallbacks) == 0 || len(cat.Themes) == 0 {
		r.fail("thread", errors.New("catalog has no thread material"))
		return
	}
	authors := r.threadAuthors(ctx, r.alloc.Threads)
	for i := 0; i < r.alloc.Threads && len(authors) > 0; i++ {
		if ctx.Err() != nil {
			return
		}
		author, err := agentstate.WeightedChoice(authors, "thread", r.rng, nil)
		if err != nil {
			author = authors[i%len(authors)]
		}
		subject := dice.Pick(r.rng, cat.ThreadSubjects)
		title := strings.ReplaceAll(dice.Pick(r.rng, cat.TitleTemplates), "{subject}", subject)
		if len(title) > threadTitleMax {
			title = title[:threadTitleMax]
		}
		raw := append([]string(nil), dice.Pick(r.rng, cat.TopicFallbacks)...)
		board := r.chooseBoard(raw)
		if board == nil {
			r.fail("thread", errors.New("no boards configured"))
			return
		}
		topics := []string{board.Slug}
		for _, t := range raw {
			if s := normalizeTopic(t); s != "" && !contains(topics, s) {
				topics = append(topics, s)
			}
			if len(topics) >= 4 {
				break
			}
		}
		for len(topics) < 2 && len(cat.TopicFillers) > 0 {
			if s := normalizeTopic(dice.Pick(r.rng, cat.TopicFillers)); s != "" && !contains(topics, s) {
				topics = append(topics, s)
			}
		}

		if lastAuthor(r.o.store.LastPostInBoard(ctx, board.ID)) == author.ID {
			var alts []*forum.Agent
			for _, a := range authors {
				if a.ID != author.ID {
					alts = append(alts, a)
				}
			}
			if len(alts) > 0 {
				author = dice.Pick(r.rng, alts)
			} else {
				var other []*forum.Board
				for _, b := range r.visibleBoards() {
					if lastAuthor(r.o.store.LastPostInBoard(ctx, b.ID)) != author.ID {
						other = append(other, b)
					}
				}
				if len(other) > 0 {
					board = dice.Pick(r.rng, other)
				}
			}
		}

		theme := dice.Pick(r.rng, cat.Themes)
		th := &forum.Thread{
			Title:          title,
			AuthorID:       author.ID,
			BoardID:        board.ID,
			Topics:         topics,
			CreatedAt:      r.now,
			LastActivityAt: r.now,
		}
		th.Touch(r.now, 1.5)
		if err := r.o.store.CreateThread(ctx, th); err != nil {
			r.fail("thread", err)
			continue
		}
		r.newThreads = append(r.newThreads, th)
		r.registerAction(ctx, author.ID, "thread", map[string]any{"thread_id": th.ID, "board": board.Slug})
		r.emit("thread", map[string]any{
			"thread": th.Title, "author": author.Name, "board": board.Slug,
			"theme": theme.Label, "subject": subject, "topics": topics,
		})

		task := r.enqueue(ctx, forum.NewTask{
			Type:     forum.TaskThreadStart,
			AgentID:  author.ID,
			ThreadID: th.ID,
			Payload: map[string]any{
				"tick_number":   r.tick,
				"topics":        topics,
				"board":         board.Slug,
				"instruction":   "Spin up the opening post for this old-web style thread.",
				"max_tokens":    240,
				"theme":         theme.Label,
				"tone":          theme.Tone,
				"setting":       theme.Setting,
				"style_notes":   theme.StyleNotes,
				"body_guidance": threadBodyGuidance,
				"routing_note":  routingNote,
				"board_menu":    r.boardMenu(),
			},
		})
		if task == nil {
			continue
		}
		r.drain(ctx, forum.TaskThreadStart, th.ID, 6, 5)

		if moved, err := r.relocate(ctx, th.ID, author, board); err != nil {
			r.fail("thread_relocate", err)
		} else if moved != nil {
			r.emit("thread_relocate", map[string]any{"thread": th.Title, "to": moved.Slug})
		}
		r.emit("thread_task", map[string]any{"task_id": task.ID, "thread": th.Title})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseBoardMarker reads a BOARD: or BOARD-NEW: first line.
func parseBoardMarker(head string) (slug, newSlug, newName string) {
	head = strings.TrimSpace(head)
	lower := strings.ToLower(head)
	switch {
	case strings.HasPrefix(lower, "board-new:"):
		payload := strings.TrimSpace(head[len("board-new:"):])
		if s, n, ok := strings.Cut(payload, "|"); ok {
			newSlug, newName = strings.ToLower(strings.TrimSpace(s)), strings.TrimSpace(n)
		} else {
			newSlug = strings.ToLower(payload)
		}
		newSlug = strings.Trim(slugFilter.ReplaceAllString(strings.ReplaceAll(newSlug, " ", "-"), ""), "-_")
		if newSlug == "" {
			newSlug = "board"
		}
		if newName == "" {
			newName = titleFromSlug(newSlug)
		}
	case strings.HasPrefix(lower, "board:"):
		slug = strings.ToLower(strings.TrimSpace(head[len("board:"):]))
	}
	return slug, newSlug, newName
}

// relocate moves a freshly opened thread to the board its opening post
// selected and strips the marker line from the post. It returns the new
// board only when the thread actually moved.
func (r *run) relocate(ctx context.Context, threadID int64, author *forum.Agent, from *forum.Board) (*forum.Board, error) {
	posts, err := r.o.store.ThreadPosts(ctx, threadID)
	if err != nil || len(posts) == 0 {
		return nil, err
	}
	first := posts[0]
	head, rest, _ := strings.Cut(strings.TrimSpace(first.Content), "\n")
	slug, newSlug, newName := parseBoardMarker(head)
	if slug == "" && newSlug == "" {
		return nil, nil
	}
	if body := strings.TrimSpace(rest); body != "" {
		first.Content = body
		if err := r.o.store.SavePost(ctx, first); err != nil {
			return nil, err
		}
	}

	var target *forum.Board
	if newSlug != "" {
		target, err = r.spawnBoard(ctx, newSlug, newName, fmt.Sprintf("Opened on request by %s.", author.Name))
		if err != nil {
			return nil, err
		}
	} else {
		target = r.boardBySlug(slug)
		if target == nil {
			b, err := r.o.store.BoardBySlug(ctx, slug)
			if errors.Is(err, forum.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			target = b
			r.boards = append(r.boards, b)
		}
		if target.IsHidden {
			target.IsHidden = false
			if err := r.o.store.SaveBoard(ctx, target); err != nil {
				return nil, err
			}
		}
	}
	if target.ID == from.ID {
		return nil, nil
	}
	th, err := r.o.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	th.BoardID = target.ID
	topics := []string{target.Slug}
	for _, t := range th.Topics {
		if t != target.Slug && t != from.Slug {
			topics = append(topics, t)
		}
	}
	if len(topics) > 4 {
		topics = topics[:4]
	}
	th.Topics = topics
	if err := r.o.store.SaveThread(ctx, th); err != nil {
		return nil, err
	}
	for i, t := range r.newThreads {
		if t.ID == th.ID {
			r.newThreads[i] = th
		}
	}
	return target, nil
}

func (r *run) boardSlug(id int64) string {
	if b := r.boardByID(id); b != nil {
		return b.Slug
	}
	return forum.CoreBoardSlug
}

// replyPhase seeds one reply per new thread, then spreads the rest over the
// hottest open threads. Nobody replies directly after themselves when an
// alternative exists.
func (r *run) replyPhase(ctx context.Context) {
	remaining := r.alloc.Replies
	if remaining <= 0 {
		return
	}
	pool := r.pool(ctx)
	if len(pool) == 0 {
		return
	}
	slot := 0
	for _, th := range r.newThreads {
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		disallow := map[int64]bool{th.AuthorID: true}
		if id := lastAuthor(r.o.store.LastPostInThread(ctx, th.ID)); id != 0 {
			disallow[id] = true
		}
		responder, err := agentstate.WeightedChoice(pool, "reply", r.rng, disallow)
		if err != nil {
			responder = dice.Pick(r.rng, pool)
		}
		task := r.enqueue(ctx, forum.NewTask{
			Type:     forum.TaskReply,
			AgentID:  responder.ID,
			ThreadID: th.ID,
			Payload: map[string]any{
				"tick_number": r.tick,
				"slot":        slot,
				"topics":      th.Topics,
				"board":       r.boardSlug(th.BoardID),
				"instruction": seededReplyInstruction,
				"max_tokens":  180,
				"seeded":      true,
				"style_notes": seededReplyStyle,
			},
		})
		slot++
		remaining--
		if task == nil {
			continue
		}
		r.emit("reply_task", map[string]any{"thread": th.Title, "agent": responder.Name, "task_id": task.ID, "seeded": true})
		r.drain(ctx, forum.TaskReply, th.ID, 2, 6)
		r.registerAction(ctx, responder.ID, "reply", map[string]any{"thread_id": th.ID, "seeded": true})
	}
	if remaining <= 0 {
		return
	}

	threads, err := r.o.store.ListThreads(ctx, forum.ThreadQuery{
		Unlocked: true,
		Visible:  true,
		ByHeat:   true,
		Limit:    max(10, min(remaining*2, 60)),
	})
	if err != nil {
		r.fail("reply_pool", err)
		return
	}
	for idx := 0; idx < remaining && len(threads) > 0; idx++ {
		if ctx.Err() != nil {
			return
		}
		dice.Shuffle(r.rng, threads)
		author, err := agentstate.WeightedChoice(pool, "reply", r.rng, nil)
		if err != nil {
			author = dice.Pick(r.rng, pool)
		}
		var chosen *forum.Thread
		for _, t := range threads {
			if lastAuthor(r.o.store.LastPostInThread(ctx, t.ID)) != author.ID {
				chosen = t
				break
			}
		}
		if chosen == nil {
			chosen = threads[0]
			disallow := map[int64]bool{}
			if id := lastAuthor(r.o.store.LastPostInThread(ctx, chosen.ID)); id != 0 {
				disallow[id] = true
			}
			if alt, err := agentstate.WeightedChoice(pool, "reply", r.rng, disallow); err == nil {
				author = alt
			}
		}
		task := r.enqueue(ctx, forum.NewTask{
			Type:     forum.TaskReply,
			AgentID:  author.ID,
			ThreadID: chosen.ID,
			Payload: map[string]any{
				"tick_number": r.tick,
				"slot":        slot + idx,
				"topics":      chosen.Topics,
				"board":       r.boardSlug(chosen.BoardID),
				"instruction": replyInstruction,
				"max_tokens":  160,
				"style_notes": replyStyle,
			},
		})
		if task == nil {
			continue
		}
		r.emit("reply_task", map[string]any{"thread": chosen.Title, "agent": author.Name, "task_id": task.ID})
		r.drain(ctx, forum.TaskReply, chosen.ID, 2, 6)
		r.registerAction(ctx, author.ID, "reply", map[string]any{"thread_id": chosen.ID, "slot": slot + idx})
	}
}
