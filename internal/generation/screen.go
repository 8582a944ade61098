package generation

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"ghostship.forum/internal/forum"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]{2,})|\[([A-Za-z0-9_.-]{2,})\]`)

const tropePenalty = 0.05

// postProcess screens non-placeholder output against the latest posts in
// the thread and the author's own memory.
func (q *Queue) postProcess(ctx context.Context, j *job, content string) (bool, string) {
	b := strings.TrimSpace(content)
	if b == "" {
		return false, "empty"
	}
	if j.task.ThreadID != 0 {
		posts, err := q.store.ThreadPosts(ctx, j.task.ThreadID)
		if err != nil {
			q.logger.Printf("generation: recent posts for thread %d: %v", j.task.ThreadID, err)
		}
		checked := 0
		for i := len(posts) - 1; i >= 0 && checked < 2; i-- {
			p := posts[i]
			if p.IsPlaceholder {
				continue
			}
			checked++
			a := strings.TrimSpace(p.Content)
			if a == "" {
				continue
			}
			if a == b {
				return false, "verbatim duplicate"
			}
			if tokenOverlap(a, b) >= q.cfg.DuplicateOverlap {
				return false, "substantial overlap with recent post"
			}
		}
	}

	summary := truncate(content, 200)
	mem := j.agent.State.Memory.Global
	if len(mem) > 6 {
		mem = mem[len(mem)-6:]
	}
	repeats := 0
	for _, e := range mem {
		if e.Summary == "" {
			continue
		}
		if strings.Contains(summary, e.Summary) || strings.Contains(e.Summary, summary) {
			repeats++
		}
	}
	if repeats >= 2 {
		j.agent.State.Suspicion = min(j.agent.State.Suspicion+tropePenalty, 1)
		if err := q.store.SaveAgent(ctx, j.agent); err != nil {
			q.logger.Printf("generation: trope penalty for agent %d: %v", j.agent.ID, err)
		}
		return false, "repeated trope in agent memory"
	}
	return true, ""
}

// tokenOverlap is |A∩B| / min(|A|,|B|) over lower-cased whitespace tokens.
func tokenOverlap(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	shared := 0
	for tok := range as {
		if _, ok := bs[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(max(1, min(len(as), len(bs))))
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.Fields(s) {
		out[strings.ToLower(f)] = struct{}{}
	}
	return out
}

// sanitizeMentions rewrites @handle and [handle] tokens to the stored agent
// name, or plain text when no such agent exists. The author's own handle is
// never tagged.
func (q *Queue) sanitizeMentions(ctx context.Context, author *forum.Agent, content string) string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content
	}
	canonical := map[string]string{}
	for _, m := range matches {
		h := handleOf(m)
		if h == "" {
			continue
		}
		key := strings.ToLower(h)
		if _, seen := canonical[key]; seen {
			continue
		}
		canonical[key] = ""
		if a, err := q.store.AgentByName(ctx, h); err == nil && a != nil {
			canonical[key] = a.Name
		}
	}
	self := ""
	if author != nil {
		self = strings.ToLower(author.Name)
	}
	return mentionPattern.ReplaceAllStringFunc(content, func(tok string) string {
		h := handleOf(mentionPattern.FindStringSubmatch(tok))
		if h == "" {
			return tok
		}
		key := strings.ToLower(h)
		name := canonical[key]
		if self != "" && key == self {
			if name != "" {
				return name
			}
			return h
		}
		if name != "" {
			return "@" + name
		}
		return h
	})
}

func handleOf(m []string) string {
	if len(m) < 3 {
		return ""
	}
	if m[1] != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(m[2])
}

var taskHeader = regexp.MustCompile(`(?i)^task\s+(\d+):\s*(.*)$`)

// splitBatchOutput parses "TASK n:" delimited segments. It returns nil
// unless every index 1..expected is present; the first segment for an
// index wins.
func splitBatchOutput(text string, expected int) []string {
	out := make([]*strings.Builder, expected)
	var cur *strings.Builder
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := taskHeader.FindStringSubmatch(line); m != nil {
			found = true
			cur = nil
			idx, err := strconv.Atoi(m[1])
			if err != nil || idx < 1 || idx > expected || out[idx-1] != nil {
				continue
			}
			cur = &strings.Builder{}
			out[idx-1] = cur
			cur.WriteString(m[2])
			continue
		}
		if cur != nil {
			cur.WriteByte('\n')
			cur.WriteString(line)
		}
	}
	if !found {
		return nil
	}
	segments := make([]string, expected)
	for i, b := range out {
		if b == nil {
			return nil
		}
		segments[i] = strings.TrimSpace(b.String())
	}
	return segments
}
