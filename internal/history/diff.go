package history

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// CreateDiff produces the serialized patch transforming from into to. The
// returned text is the canonical representation a version hash is computed
// over; CreateDiff(x, x) returns the empty string.
func CreateDiff(from, to string) string {
	if from == to {
		return ""
	}
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(from, to))
}

// ApplyDiff applies a serialized patch to base. An empty diff is the identity
// transformation. A patch that does not apply cleanly is an error, never a
// partial result.
func ApplyDiff(base, diff string) (string, error) {
	if diff == "" {
		return base, nil
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(diff)
	if err != nil {
		return "", fmt.Errorf("parsing diff: %w", err)
	}
	applied, results := dmp.PatchApply(patches, base)
	for i, ok := range results {
		if !ok {
			return "", fmt.Errorf("patch hunk %d does not apply", i)
		}
	}
	return applied, nil
}
