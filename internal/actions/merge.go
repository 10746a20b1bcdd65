package actions

import (
	"fmt"
	"strings"
)

// Merge applies an exact anchored substitution: it locates search as a
// contiguous, character-exact occurrence in original and substitutes replace
// for it. When the search text occurs more than once, the first occurrence is
// replaced; this tie-break is part of the contract. The original content is
// never partially mutated: on failure the caller's content is untouched.
func Merge(original, search, replace, path string) (string, error) {
	if search == "" {
		return "", fmt.Errorf("search block for %s is empty", path)
	}
	idx := strings.Index(original, search)
	if idx < 0 {
		return "", fmt.Errorf("search block not found in %s; the file content must match the search text exactly, including whitespace", path)
	}
	return original[:idx] + replace + original[idx+len(search):], nil
}
