package sync

import (
	"reflect"
	"testing"
)

func TestCompareLists(t *testing.T) {
	tests := []struct {
		name     string
		before   []string
		after    []string
		expected []string
	}{
		{
			name:     "identical inventories",
			before:   []string{"a", "b"},
			after:    []string{"a", "b"},
			expected: nil,
		},
		{
			name:     "one swap",
			before:   []string{"a", "b"},
			after:    []string{"a", "c"},
			expected: []string{"+c", "-b"},
		},
		{
			name:     "pure additions",
			before:   nil,
			after:    []string{"x", "y"},
			expected: []string{"+x", "+y"},
		},
		{
			name:     "pure removals",
			before:   []string{"x", "y"},
			after:    nil,
			expected: []string{"-x", "-y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompareLists(tt.before, tt.after)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("CompareLists(%v, %v) = %v, want %v", tt.before, tt.after, got, tt.expected)
			}
		})
	}
}

func TestCompareListsIdempotent(t *testing.T) {
	inventory := []string{"bash_5.2_amd64.deb", "vim_9.0_amd64.deb"}
	if diff := CompareLists(inventory, inventory); diff != nil {
		t.Errorf("Self-comparison produced %v, want nil", diff)
	}
}

func TestSplitDiffAndMerge(t *testing.T) {
	h := SplitDiff([]string{"+c", "-b"})
	if !reflect.DeepEqual(h.Installed, []string{"+c"}) {
		t.Errorf("Installed = %v", h.Installed)
	}
	if !reflect.DeepEqual(h.Uninstalled, []string{"-b"}) {
		t.Errorf("Uninstalled = %v", h.Uninstalled)
	}

	h.Merge(SplitDiff([]string{"+d"}))
	if !reflect.DeepEqual(h.Installed, []string{"+c", "+d"}) {
		t.Errorf("Merged installed = %v", h.Installed)
	}

	if h.Empty() {
		t.Error("Non-empty history reported Empty")
	}
	if !(History{}).Empty() {
		t.Error("Zero history reported non-empty")
	}
}
