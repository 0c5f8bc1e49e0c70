package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ExpandFolders expands folder arguments against the folder names found in a
// directory. Arguments without glob characters (*?[) pass through unchanged,
// so a folder that does not exist can still be reported. A glob must match at
// least one name. The result keeps the order of first match without
// duplicates.
func ExpandFolders(patterns []string, names []string) ([]string, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	seen := make(map[string]bool)
	var result []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}

	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
		}
		if !strings.ContainsAny(pattern, "*?[") {
			add(pattern)
			continue
		}

		matched := false
		for _, name := range sorted {
			if ok, _ := filepath.Match(pattern, name); ok {
				add(name)
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("no folders match pattern '%s'", pattern)
		}
	}
	return result, nil
}

// VisibleNames maps directory entries to the visible folder names they
// represent, stripping marker from concealed entries.
func VisibleNames(entries []string, marker string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		name := e
		if trimmed, ok := strings.CutPrefix(e, marker); ok && trimmed != "" {
			name = trimmed
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
