// Package sanitize cleans user-entered record names and descriptions before
// they are sent to the metadata endpoint.
//
// It removes problematic characters:
//   - Windows/Mac line endings (CRLF/CR → LF)
//   - Invisible Unicode characters (zero-width spaces, etc.)
//   - Runs of spaces and tabs
package sanitize

import (
	"regexp"
	"strings"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
	lineBreaks = regexp.MustCompile(`[\r\n]+`)
)

// Name returns a single-line record name: line breaks and tabs become
// spaces, invisible characters are removed and whitespace is collapsed.
func Name(name string) string {
	if name == "" {
		return name
	}
	name = removeInvisibleChars(name)
	name = lineBreaks.ReplaceAllString(name, " ")
	name = spaceRun.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// Description normalizes line endings and removes invisible characters while
// keeping paragraphs. More than one blank line in a row is folded into one.
func Description(text string) string {
	if text == "" {
		return text
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = removeInvisibleChars(text)

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(spaceRun.ReplaceAllString(l, " "), " ")
	}
	text = strings.Join(lines, "\n")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// removeInvisibleChars removes zero-width and other invisible Unicode characters
func removeInvisibleChars(s string) string {
	invisibleChars := []string{
		"\u200B", // Zero-width space
		"\u200C", // Zero-width non-joiner
		"\u200D", // Zero-width joiner
		"\uFEFF", // Zero-width no-break space (BOM)
		"\u00AD", // Soft hyphen
		"\u2060", // Word joiner
		"\u180E", // Mongolian vowel separator
	}

	for _, char := range invisibleChars {
		s = strings.ReplaceAll(s, char, "")
	}

	return s
}
