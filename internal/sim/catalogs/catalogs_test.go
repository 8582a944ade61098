package catalogs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	c := Defaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if c.Digest == "" {
		t.Fatalf("expected digest")
	}
	ev, ok := c.Special("troll-raid")
	if !ok || ev.Kind != KindOmen || ev.ModerationBonus != 5 {
		t.Fatalf("troll-raid lookup: ok=%v ev=%+v", ok, ev)
	}
	ev, ok = c.Special("echo-market")
	if !ok || ev.Kind != KindSeance || ev.ReplyFactor != 1.45 {
		t.Fatalf("echo-market lookup: ok=%v ev=%+v", ok, ev)
	}
}

func TestLoadOverridesSectionAndDefaultsFactors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogs.json")
	body := `{"omens":[{"slug":"blackout","label":"Blackout","threads_factor":0.5,"notes":["omen: lights out"]}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Omens) != 1 {
		t.Fatalf("omens=%d want 1", len(c.Omens))
	}
	om := c.Omens[0]
	if om.Kind != KindOmen || om.ThreadsFactor != 0.5 || om.RepliesFactor != 1 {
		t.Fatalf("omen normalize mismatch: %+v", om)
	}
	if len(c.Seances) != len(Defaults().Seances) {
		t.Fatalf("seances should keep defaults")
	}
	if c.Digest == Defaults().Digest {
		t.Fatalf("digest should change with content")
	}
}

func TestLoadRejectsDuplicateSlugs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogs.json")
	body := `{"omens":[{"slug":"echo-market"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate slug error")
	}
}
