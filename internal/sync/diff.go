package sync

import (
	"sort"
	"strings"
)

// CompareLists returns the multiset difference between two inventories as
// sorted marker lines: "+pkg" for additions, "-pkg" for removals. Equal
// inventories yield nil.
func CompareLists(before, after []string) []string {
	counts := make(map[string]int, len(before))
	for _, item := range before {
		counts[item]++
	}
	for _, item := range after {
		counts[item]--
	}

	var diff []string
	for item, n := range counts {
		for ; n > 0; n-- {
			diff = append(diff, "-"+item)
		}
		for ; n < 0; n++ {
			diff = append(diff, "+"+item)
		}
	}

	sort.Strings(diff)
	return diff
}

// History is the install/uninstall record uploaded with the software
// inventory.
type History struct {
	Installed   []string `json:"installed,omitempty"`
	Uninstalled []string `json:"uninstalled,omitempty"`
}

// SplitDiff separates marker lines into a History.
func SplitDiff(diff []string) History {
	var h History
	for _, line := range diff {
		switch {
		case strings.HasPrefix(line, "+"):
			h.Installed = append(h.Installed, line)
		case strings.HasPrefix(line, "-"):
			h.Uninstalled = append(h.Uninstalled, line)
		}
	}
	return h
}

// Merge appends other's entries to h.
func (h *History) Merge(other History) {
	h.Installed = append(h.Installed, other.Installed...)
	h.Uninstalled = append(h.Uninstalled, other.Uninstalled...)
}

// Empty reports whether the history carries no changes.
func (h History) Empty() bool {
	return len(h.Installed) == 0 && len(h.Uninstalled) == 0
}
