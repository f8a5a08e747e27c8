package types

import (
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
)

func TestDiffContent(t *testing.T) {
	if d := DiffContent("same", "same"); d != "" {
		t.Errorf("identical content produced diff %q", d)
	}

	before := "Launch in April.\nBudget is fixed."
	after := "Launch in May.\nBudget is fixed."
	d := DiffContent(before, after)
	if d == "" {
		t.Fatal("changed content produced no diff")
	}

	// The stored diff is a patch that reconstructs the new content.
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(d)
	if err != nil {
		t.Fatalf("PatchFromText() error = %v", err)
	}
	got, applied := dmp.PatchApply(patches, before)
	for i, ok := range applied {
		if !ok {
			t.Fatalf("patch %d did not apply", i)
		}
	}
	if got != after {
		t.Errorf("patched content = %q, want %q", got, after)
	}
}
