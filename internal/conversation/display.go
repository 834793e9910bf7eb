package conversation

import (
	"strings"
)

// BlockSeparator is inserted between two text blocks that would otherwise run together
const BlockSeparator = "\n\n"

// JoinBlocks concatenates two blocks. A blank line is inserted only when both
// sides are non-empty and neither already has a line break at the seam.
func JoinBlocks(left, right string) string {
	if left == "" {
		return right
	}
	if right == "" {
		return left
	}
	if strings.HasSuffix(left, "\n") || strings.HasPrefix(right, "\n") {
		return left + right
	}
	return left + BlockSeparator + right
}

// DisplayText renders what the user sees for s: the confirmed blocks, the
// in-flight delta, then any inline images as markdown image references.
func DisplayText(s State) string {
	text := JoinBlocks(s.ConfirmedText, s.DeltaText)
	return JoinBlocks(text, imagesMarkdown(s.InlineImages))
}

// FlushText is the text persisted when a stream ends early: everything
// received so far, confirmed or not, without images.
func FlushText(s State) string {
	return JoinBlocks(s.ConfirmedText, s.DeltaText)
}

func imagesMarkdown(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	lines := make([]string, len(paths))
	for i, p := range paths {
		lines[i] = "![](" + p + ")"
	}
	return strings.Join(lines, "\n")
}
