package promptrender

import "github.com/forgehq/forge/internal/treesitter"

// BuildOutline renders a project symbol outline from a tree-sitter index,
// for injection into a rendered system prompt. Returns "" if idx is nil or
// the index is empty.
func BuildOutline(idx *treesitter.Index) string {
	if idx == nil {
		return ""
	}
	return treesitter.FormatOutline(idx.Snapshot())
}
