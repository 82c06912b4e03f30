package safety

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

// CleanKeySegment validates a name that becomes part of an object-store key.
// The name must already be in canonical form: no empty, "." or ".." elements,
// no leading or trailing slash and no control characters. Two different
// accepted names therefore never map to the same key prefix.
func CleanKeySegment(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("key segment is empty")
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("key segment contains control characters: %q", name)
	}
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute keys are not allowed: %q", name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", fmt.Errorf("key segment resolves to the prefix itself: %q", name)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("parent traversal is not allowed: %q", name)
	}
	if clean != name {
		return "", fmt.Errorf("key segment is not canonical: %q (use %q)", name, clean)
	}
	return clean, nil
}
