package log

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"ghostship.forum/internal/forum"
)

func TestTickLoggerWritesCompressedLines(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)
	at := time.Date(2025, 3, 4, 5, 30, 0, 0, time.UTC)
	l.w.now = func() time.Time { return at }

	for i := 1; i <= 3; i++ {
		rec := &forum.TickRecord{Tick: i, Energy: i * 2, Events: []forum.Event{forum.NewEvent("oracle", nil)}}
		if err := l.WriteTick(rec); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []TickLine
	path := filepath.Join(dir, "ticks", "ticks-2025-03-04-05.jsonl.zst")
	err := ReadFile(path, func(line []byte) error {
		var tl TickLine
		if err := json.Unmarshal(line, &tl); err != nil {
			return err
		}
		got = append(got, tl)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 3 || got[2].Tick != 3 || got[2].Energy != 6 || len(got[0].Events) != 1 {
		t.Fatalf("unexpected lines: %+v", got)
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "audit")
	at := time.Date(2025, 3, 4, 5, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return at }
	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	at = at.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, name := range []string{"audit-2025-03-04-05.jsonl.zst", "audit-2025-03-04-06.jsonl.zst"} {
		n := 0
		if err := ReadFile(filepath.Join(dir, name), func([]byte) error { n++; return nil }); err != nil {
			t.Fatalf("ReadFile %s: %v", name, err)
		}
		if n != 1 {
			t.Fatalf("%s: lines=%d", name, n)
		}
	}
}

func TestAuditLoggerIsAnAuditor(t *testing.T) {
	var a forum.Auditor = NewAuditLogger(t.TempDir())
	if err := a.Audit(context.Background(), forum.AuditEntry{Kind: "tick_override", Tick: 3}); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	_ = a.(*AuditLogger).Close()
}
