// Package transcript extracts assistant messages from the child agent's
// transcript files. Transcripts are JSON lines; each line is one
// conversation entry.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type entry struct {
	Type    string `json:"type"`
	Message struct {
		Content []json.RawMessage `json:"content"`
	} `json:"message"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LastAssistantMessage returns the text of the most recent assistant entry
// that carries text content, scanning the file in reverse. Entries whose
// content is only tool invocations are skipped. Returns "" when the file
// holds no such entry.
func LastAssistantMessage(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read transcript %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}

		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Malformed lines are skipped, not fatal: the child may be
			// mid-write on the final line.
			continue
		}
		if e.Type != "assistant" {
			continue
		}

		if text := extractText(e.Message.Content); text != "" {
			return text, nil
		}
	}

	return "", nil
}

// extractText joins the text blocks of a content array, ignoring tool_use
// and other non-text blocks. Bare strings count as text.
func extractText(content []json.RawMessage) string {
	var parts []string
	for _, raw := range content {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				parts = append(parts, s)
			}
			continue
		}

		var b textBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		if b.Type == "text" {
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}
