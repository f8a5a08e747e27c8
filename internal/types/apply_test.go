package types

import (
	"testing"
	"time"
)

func TestApplyPatch(t *testing.T) {
	b := &Block{Title: "Old", Content: "body", Confidence: 0.5, Version: 2}

	title := "New"
	conf := 0.9
	if !ApplyPatch(b, BlockPatch{Title: &title, Confidence: &conf}) {
		t.Fatal("ApplyPatch() = false, want true")
	}
	if b.Title != "New" || b.Confidence != 0.9 {
		t.Errorf("patch not applied: %+v", b)
	}
	if b.Content != "body" {
		t.Error("untouched fields must survive")
	}

	// Re-applying identical values is a no-op.
	if ApplyPatch(b, BlockPatch{Title: &title}) {
		t.Error("ApplyPatch() with identical values should report no change")
	}

	// Metadata merges rather than replaces.
	b.Metadata = map[string]any{"keep": 1}
	if !ApplyPatch(b, BlockPatch{Metadata: map[string]any{"add": 2}}) {
		t.Fatal("metadata patch should report a change")
	}
	if b.Metadata["keep"] != 1 || b.Metadata["add"] != 2 {
		t.Errorf("metadata merge wrong: %v", b.Metadata)
	}
}

func TestApplyMerge(t *testing.T) {
	now := time.Now()
	primary := &Block{ID: "b-1", Title: "Primary", Content: "first", State: BlockAccepted, Version: 3}
	losers := []*Block{
		{ID: "b-2", Content: "second", State: BlockProposed},
		{ID: "b-3", Content: "", State: BlockAccepted},
	}

	superseded := ApplyMerge(primary, losers, "Combined", now)

	if len(superseded) != 2 || superseded[0] != "b-2" || superseded[1] != "b-3" {
		t.Errorf("superseded = %v", superseded)
	}
	if primary.Title != "Combined" {
		t.Errorf("title = %s, want Combined", primary.Title)
	}
	if primary.Content != "first\n\nsecond" {
		t.Errorf("content = %q", primary.Content)
	}
	for _, loser := range losers {
		if loser.State != BlockSuperseded {
			t.Errorf("loser %s state = %s, want SUPERSEDED", loser.ID, loser.State)
		}
	}
	merged, ok := primary.Metadata["merged_from"].([]string)
	if !ok || len(merged) != 2 {
		t.Errorf("merged_from metadata = %v", primary.Metadata["merged_from"])
	}
}

func TestApplyMergeKeepsTitleWhenUnset(t *testing.T) {
	primary := &Block{ID: "b-1", Title: "Keep me", Content: "x"}
	ApplyMerge(primary, []*Block{{ID: "b-2", Content: "y"}}, "", time.Now())
	if primary.Title != "Keep me" {
		t.Errorf("title = %s, want Keep me", primary.Title)
	}
}
