package generation

import (
	"math/rand"
	"testing"

	"ghostship.forum/internal/forum"
)

func TestSanitizeMentions(t *testing.T) {
	f := newFixture(t)
	got := f.q.sanitizeMentions(f.ctx, f.vesper, "hey @nyx and [ghost99], also @VESPER was here")
	want := "hey @Nyx and ghost99, also Vesper was here"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if plain := f.q.sanitizeMentions(f.ctx, f.nyx, "no tags at all"); plain != "no tags at all" {
		t.Fatalf("untouched text changed: %q", plain)
	}
}

func TestSplitBatchOutput(t *testing.T) {
	text := "Task 2: second\ncontinues here\nTASK 1: first\n\ntask 1: ignored duplicate\n"
	got := splitBatchOutput(text, 2)
	if len(got) != 2 || got[0] != "first" || got[1] != "second\ncontinues here" {
		t.Fatalf("segments=%q", got)
	}
	if splitBatchOutput("TASK 1: only", 2) != nil {
		t.Fatalf("missing index should fail")
	}
	if splitBatchOutput("no markers", 1) != nil {
		t.Fatalf("unmarked text should fail")
	}
	if splitBatchOutput("---- TASK 1 ----\nbody", 1) != nil {
		t.Fatalf("brief separators are not answers")
	}
}

func TestTokenOverlap(t *testing.T) {
	if got := tokenOverlap("A b c", "a B d e"); got < 0.666 || got > 0.667 {
		t.Fatalf("overlap=%v", got)
	}
	if tokenOverlap("", "x") != 0 {
		t.Fatalf("empty overlap should be 0")
	}
}

func TestSampleLengthBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	profile := forum.SpeechProfile{MinWords: 10, MaxWords: 40, MeanWords: 22, SentenceRange: [2]int{1, 4}, BurstChance: 0.3, BurstRange: [2]int{5, 12}}
	bursts := 0
	for i := 0; i < 500; i++ {
		h := SampleLength(profile, rng)
		if h.Burst {
			bursts++
			if h.Words < 5 || h.Words > 12 {
				t.Fatalf("burst words=%d", h.Words)
			}
		} else if h.Words < 10 || h.Words > 40 {
			t.Fatalf("words=%d", h.Words)
		}
		if h.Sentences < 1 || h.Sentences > 4 {
			t.Fatalf("sentences=%d", h.Sentences)
		}
	}
	if bursts == 0 || bursts == 500 {
		t.Fatalf("bursts=%d", bursts)
	}
	empty := SampleLength(forum.SpeechProfile{}, rng)
	if empty.Words < 3 || empty.Words > 34 {
		t.Fatalf("default words=%d", empty.Words)
	}
	if got := (LengthHint{Words: 2, Sentences: 1}).Instruction(); got != "Aim for roughly 4 words across 1 sentence." {
		t.Fatalf("instruction=%q", got)
	}
}
