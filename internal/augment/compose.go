package augment

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxBlockChars caps the characters a single context block may add.
	MaxBlockChars = 2000

	truncatedMarker = "\n[truncated]"

	liveContextHeading = "## Live context"
)

// ContextBlock is one fetcher's contribution to the system prompt.
type ContextBlock struct {
	Source  string
	Content string
}

// Compose appends the non-empty blocks to base under a live context
// heading, in the order given. Each block is truncated to MaxBlockChars.
// With no usable blocks, base is returned unchanged.
func Compose(base string, blocks []ContextBlock) string {
	var sections []string
	for _, b := range blocks {
		content := strings.TrimSpace(b.Content)
		if content == "" {
			continue
		}
		content = truncate(content, MaxBlockChars)
		source := strings.TrimSpace(b.Source)
		if source == "" {
			source = "context"
		}
		sections = append(sections, "### "+source+"\n"+content)
	}
	if len(sections) == 0 {
		return base
	}

	var sb strings.Builder
	if base = strings.TrimRight(base, "\n"); base != "" {
		sb.WriteString(base)
		sb.WriteString("\n\n")
	}
	sb.WriteString(liveContextHeading)
	sb.WriteString("\n\n")
	sb.WriteString(strings.Join(sections, "\n\n"))
	return sb.String()
}

// truncate shortens s to at most limit runes, marking the cut.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	keep := limit - utf8.RuneCountInString(truncatedMarker)
	if keep <= 0 {
		return string(runes[:limit])
	}
	return string(runes[:keep]) + truncatedMarker
}
