package types

import (
	"strings"
	"time"
)

// Pure substrate mutation semantics shared by every storage backend, so a
// commit applies identically regardless of where the rows live. Callers
// bump Version and UpdatedAt after a true return.

// ApplyPatch applies a partial update to a block. Returns false when the
// patch is a no-op against current values.
func ApplyPatch(b *Block, patch BlockPatch) bool {
	changed := false
	if patch.Title != nil && *patch.Title != b.Title {
		b.Title = *patch.Title
		changed = true
	}
	if patch.Content != nil && *patch.Content != b.Content {
		b.Content = *patch.Content
		changed = true
	}
	if patch.SemanticType != nil && *patch.SemanticType != b.SemanticType {
		b.SemanticType = *patch.SemanticType
		changed = true
	}
	if patch.Confidence != nil && *patch.Confidence != b.Confidence {
		b.Confidence = *patch.Confidence
		changed = true
	}
	if len(patch.Metadata) > 0 {
		if b.Metadata == nil {
			b.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, val := range patch.Metadata {
			b.Metadata[k] = val
			changed = true
		}
	}
	return changed
}

// ApplyRevision replaces a block's content wholesale.
func ApplyRevision(b *Block, content string) bool {
	if b.Content == content {
		return false
	}
	b.Content = content
	return true
}

// ApplyMerge folds loser blocks into the primary: distinct loser content is
// appended, provenance is recorded in metadata, and losers are marked
// SUPERSEDED. Returns the IDs of the superseded blocks.
func ApplyMerge(primary *Block, losers []*Block, mergedTitle string, now time.Time) []string {
	if mergedTitle != "" {
		primary.Title = mergedTitle
	}
	var parts []string
	if primary.Content != "" {
		parts = append(parts, primary.Content)
	}
	superseded := make([]string, 0, len(losers))
	for _, loser := range losers {
		if loser.Content != "" && loser.Content != primary.Content {
			parts = append(parts, loser.Content)
		}
		loser.State = BlockSuperseded
		loser.UpdatedAt = now
		superseded = append(superseded, loser.ID)
	}
	primary.Content = strings.Join(parts, "\n\n")
	if primary.Metadata == nil {
		primary.Metadata = make(map[string]any, 1)
	}
	primary.Metadata["merged_from"] = superseded
	return superseded
}
