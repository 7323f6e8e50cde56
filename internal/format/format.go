// Package format renders child-process output for the chat platform:
// ANSI stripping, length budgets, and long-output handling.
package format

import (
	"regexp"
	"strings"

	"github.com/workspace/chat-bridge/internal/config"
)

var (
	ansiPattern      = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	codeBlockPattern = regexp.MustCompile("(?s)```(\\w*)\n(.*?)```")
	multiNewline     = regexp.MustCompile(`\n{3,}`)
)

// Result is the rendered output. When File is non-nil the content exceeded
// the budget and should be delivered as an upload with Text as a preview.
type Result struct {
	Text      string
	Chunks    []string // set in split mode when the content was divided
	File      []byte
	Filename  string
	Truncated bool
}

// Formatter applies the configured formatting mode and length policy.
type Formatter struct {
	mode       string
	maxLength  int
	longOutput string
	stripANSI  bool
}

// New creates a formatter from configuration.
func New(cfg config.Formatting) *Formatter {
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = 3900
	}
	return &Formatter{
		mode:       cfg.Mode,
		maxLength:  maxLength,
		longOutput: cfg.LongOutput,
		stripANSI:  cfg.StripANSIEnabled(),
	}
}

// Format renders content according to the configured mode and length policy.
func (f *Formatter) Format(content string) Result {
	if f.stripANSI {
		content = StripANSI(content)
	}

	switch f.mode {
	case "code-only":
		content = extractCodeBlocks(content)
	case "compact":
		content = makeCompact(content)
	}

	if len(content) <= f.maxLength {
		return Result{Text: content}
	}

	switch f.longOutput {
	case "truncate":
		return Result{Text: truncateAtNewline(content, f.maxLength), Truncated: true}
	case "split":
		chunks := splitChunks(content, f.maxLength)
		return Result{Text: chunks[0], Chunks: chunks, Truncated: true}
	default: // file
		preview := content
		previewLen := min(1000, f.maxLength/2)
		if len(preview) > previewLen {
			preview = preview[:previewLen]
		}
		return Result{
			Text:      preview + "\n\n... (full output attached)",
			File:      []byte(content),
			Filename:  "response.txt",
			Truncated: true,
		}
	}
}

// StripANSI removes ANSI escape sequences from s.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// extractCodeBlocks keeps only fenced code blocks. Content with no fences
// passes through unchanged.
func extractCodeBlocks(content string) string {
	matches := codeBlockPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content
	}

	var out []string
	for _, m := range matches {
		lang, code := m[1], strings.TrimSpace(m[2])
		out = append(out, "```"+lang+"\n"+code+"\n```")
	}
	return strings.Join(out, "\n\n")
}

// makeCompact collapses runs of blank lines and trims per-line whitespace.
func makeCompact(content string) string {
	content = multiNewline.ReplaceAllString(content, "\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// truncateAtNewline cuts content to fit the budget, preferring a newline
// boundary near the end so sentences are not chopped mid-word.
func truncateAtNewline(content string, maxLength int) string {
	cut := maxLength - 50
	if cut <= 0 {
		cut = maxLength
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 && idx > maxLength-200 {
		truncated = truncated[:idx]
	}
	return truncated + "\n\n... (truncated)"
}

// splitChunks divides content into pieces no larger than maxLength,
// breaking on newlines where possible.
func splitChunks(content string, maxLength int) []string {
	var chunks []string
	for len(content) > maxLength {
		cut := maxLength
		if idx := strings.LastIndex(content[:maxLength], "\n"); idx > maxLength/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimRight(content[:cut], "\n"))
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
