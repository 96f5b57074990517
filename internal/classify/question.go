package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	markdownListPattern = regexp.MustCompile(`^(?:[-+*]|\d+[.)])\s`)
	urlTailPattern      = regexp.MustCompile(`https?://\S*\?$`)
)

// codeTokens are fragments that practically never appear in a prose question.
var codeTokens = []string{"{", "}", "();", "=>", "==", "!=", ":=", "&&", "||"}

// isHeuristicQuestion reports whether a plain line reads like a question
// addressed to the user. line is ANSI-stripped but not trimmed, so leading
// indentation is still visible.
func isHeuristicQuestion(line string, f QuestionFilter) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 2 || !strings.HasSuffix(trimmed, "?") {
		return false
	}
	if utf8.RuneCountInString(trimmed) > f.MaxProseLength {
		return false
	}

	// Indented code block.
	if strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "    ") {
		return false
	}

	for _, prefix := range f.CommentPrefixes {
		if prefix != "" && strings.HasPrefix(trimmed, prefix) {
			return false
		}
	}

	// Markdown: quotes, lists, tables, fences.
	switch trimmed[0] {
	case '>', '|', '#':
		return false
	}
	if markdownListPattern.MatchString(trimmed) || isFence(trimmed) {
		return false
	}

	// Inline code and emphasis.
	if strings.Contains(trimmed, "`") || strings.Contains(trimmed, "**") || strings.Contains(trimmed, "__") {
		return false
	}
	if strings.HasPrefix(trimmed, "_") || strings.HasPrefix(trimmed, "*") {
		return false
	}

	for _, tok := range codeTokens {
		if strings.Contains(trimmed, tok) {
			return false
		}
	}
	return !urlTailPattern.MatchString(trimmed)
}

// isFence reports whether a line opens or closes a fenced code block.
func isFence(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~")
}
