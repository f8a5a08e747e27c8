package types

import "github.com/sergi/go-diff/diffmatchpatch"

// DiffContent renders a patch-format diff between two content versions,
// suitable for storing on a Revision. Returns "" when nothing changed.
func DiffContent(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}
