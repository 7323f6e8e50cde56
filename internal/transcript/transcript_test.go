package transcript

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTranscript(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestLastAssistantMessage_Basic(t *testing.T) {
	path := writeTranscript(t, `
{"type":"user","message":{"content":[{"type":"text","text":"hello"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"hi there"}]}}
`)

	got, err := LastAssistantMessage(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hi there" {
		t.Errorf("expected %q, got %q", "hi there", got)
	}
}

func TestLastAssistantMessage_SkipsToolOnlyEntries(t *testing.T) {
	path := writeTranscript(t, `
{"type":"assistant","message":{"content":[{"type":"text","text":"the real answer"}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash"}]}}
`)

	got, err := LastAssistantMessage(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "the real answer" {
		t.Errorf("expected tool-only entry skipped, got %q", got)
	}
}

func TestLastAssistantMessage_JoinsTextBlocks(t *testing.T) {
	path := writeTranscript(t, `
{"type":"assistant","message":{"content":[{"type":"text","text":"part one"},{"type":"tool_use","name":"bash"},{"type":"text","text":"part two"}]}}
`)

	got, err := LastAssistantMessage(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "part one\npart two" {
		t.Errorf("expected joined blocks, got %q", got)
	}
}

func TestLastAssistantMessage_BareStringContent(t *testing.T) {
	path := writeTranscript(t, `
{"type":"assistant","message":{"content":["plain string"]}}
`)

	got, err := LastAssistantMessage(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "plain string" {
		t.Errorf("expected bare string content, got %q", got)
	}
}

func TestLastAssistantMessage_MalformedLinesSkipped(t *testing.T) {
	path := writeTranscript(t, `
{"type":"assistant","message":{"content":[{"type":"text","text":"good"}]}}
{not json at all
`)

	got, err := LastAssistantMessage(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "good" {
		t.Errorf("expected malformed trailing line skipped, got %q", got)
	}
}

func TestLastAssistantMessage_MissingFile(t *testing.T) {
	got, err := LastAssistantMessage(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty result, got %q", got)
	}
}

func TestLastAssistantMessage_EmptyPath(t *testing.T) {
	got, err := LastAssistantMessage("")
	if err != nil || got != "" {
		t.Errorf("empty path should yield empty result, got %q, %v", got, err)
	}
}
