package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/workspace/chat-bridge/internal/bridge"
	"github.com/workspace/chat-bridge/internal/config"
	"github.com/workspace/chat-bridge/internal/correlator"
	"github.com/workspace/chat-bridge/internal/format"
	"github.com/workspace/chat-bridge/internal/persistence"
	"github.com/workspace/chat-bridge/internal/procctl"
	"github.com/workspace/chat-bridge/internal/queue"
	"github.com/workspace/chat-bridge/internal/registry"
	"github.com/workspace/chat-bridge/internal/retry"
)

type stubController struct {
	mu         sync.Mutex
	running    bool
	restartErr error
	restarts   int
}

func (c *stubController) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *stubController) State() procctl.State {
	if c.IsRunning() {
		return procctl.StateRunning
	}
	return procctl.StateStopped
}

func (c *stubController) SendInput(text string) error {
	if !c.IsRunning() {
		return procctl.ErrNotRunning
	}
	return nil
}

func (c *stubController) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts++
	if c.restartErr != nil {
		return c.restartErr
	}
	c.running = true
	return nil
}

func (c *stubController) StartedAt() time.Time   { return time.Now().Add(-time.Minute) }
func (c *stubController) LastRestart() time.Time { return time.Time{} }
func (c *stubController) Pid() int               { return 4242 }

type stubTransport struct {
	mu    sync.Mutex
	posts []string
}

func (t *stubTransport) PostMessage(ctx context.Context, channelID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.posts = append(t.posts, channelID+"|"+text)
	return nil
}

func (t *stubTransport) UploadFile(ctx context.Context, channelID string, content []byte, filename string) error {
	return nil
}

func (t *stubTransport) posted() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.posts...)
}

type testEnv struct {
	srv  *Server
	ctl  *stubController
	tr   *stubTransport
	corr *correlator.Correlator
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := persistence.Open(filepath.Join(dir, "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	corr := correlator.New(filepath.Join(dir, "current_channel"), store, time.Minute)
	ctl := &stubController{running: true}
	tr := &stubTransport{}

	coord := bridge.New(
		registry.New(map[string]config.ChannelBinding{
			"C01": {Path: "/srv/projects/api", Name: "api"},
		}, "/srv/default", "", nil),
		corr,
		queue.New(time.Millisecond, 0),
		ctl,
		tr,
		format.New(config.Formatting{Mode: "full", MaxLength: 4000, LongOutput: "truncate"}),
		store,
		retry.Config{InitialDelay: time.Millisecond, MaxAttempts: 2},
	)

	cfg := &config.Config{Host: "127.0.0.1", Port: 0, APIKey: apiKey}
	return &testEnv{
		srv:  New(cfg, coord, ctl),
		ctl:  ctl,
		tr:   tr,
		corr: corr,
	}
}

func doJSON(t *testing.T, env *testEnv, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	rec := doJSON(t, env, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
	if body["childState"] != "running" {
		t.Errorf("expected running child state, got %v", body["childState"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	rec := doJSON(t, env, http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["childRunning"] != true {
		t.Errorf("expected childRunning true, got %v", body["childRunning"])
	}
	if body["childPid"] != float64(4242) {
		t.Errorf("expected pid 4242, got %v", body["childPid"])
	}
	if body["queueDepth"] != float64(0) {
		t.Errorf("expected empty queue, got %v", body["queueDepth"])
	}
	channels, ok := body["channels"].([]interface{})
	if !ok || len(channels) != 1 {
		t.Errorf("expected one channel entry, got %v", body["channels"])
	}
}

func TestHookRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, "secret")

	rec := doJSON(t, env, http.MethodPost, "/hook", "", hookRequest{Text: "hi"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}

	rec = doJSON(t, env, http.MethodPost, "/hook", "wrong", hookRequest{Text: "hi"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 with wrong key, got %d", rec.Code)
	}
}

func TestHookOpenWhenNoKeyConfigured(t *testing.T) {
	env := newTestEnv(t, "")
	if err := env.corr.ArmContext("C01"); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, env, http.MethodPost, "/hook", "", hookRequest{Text: "done"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHookDispatchesToActiveContext(t *testing.T) {
	env := newTestEnv(t, "secret")
	if err := env.corr.ArmContext("C01"); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, env, http.MethodPost, "/hook", "secret", hookRequest{Text: "tests pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "dispatched" {
		t.Errorf("expected dispatched, got %v", body)
	}

	posts := env.tr.posted()
	if len(posts) != 1 || posts[0] != "C01|tests pass" {
		t.Errorf("unexpected posts: %v", posts)
	}
}

func TestHookIgnoresNonCompletionEvents(t *testing.T) {
	env := newTestEnv(t, "")

	rec := doJSON(t, env, http.MethodPost, "/hook", "", hookRequest{Event: "PreToolUse", Text: "x"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ignored" {
		t.Errorf("expected ignored, got %v", body)
	}
	if len(env.tr.posted()) != 0 {
		t.Errorf("non-completion event must not dispatch")
	}
}

func TestHookExtractsTextFromTranscript(t *testing.T) {
	env := newTestEnv(t, "")
	if err := env.corr.ArmContext("C01"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	lines := `{"type":"user","message":{"content":"run the tests"}}
{"type":"assistant","message":{"content":[{"type":"text","text":"All 42 tests pass."}]}}
`
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, env, http.MethodPost, "/hook", "", hookRequest{Event: "Stop", TranscriptPath: path})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	posts := env.tr.posted()
	if len(posts) != 1 || posts[0] != "C01|All 42 tests pass." {
		t.Errorf("unexpected posts: %v", posts)
	}
}

func TestHookRejectsEmptyCallback(t *testing.T) {
	env := newTestEnv(t, "")

	rec := doJSON(t, env, http.MethodPost, "/hook", "", hookRequest{Text: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", rec.Code)
	}
}

func TestHookDropsCallbackWithoutContext(t *testing.T) {
	env := newTestEnv(t, "")

	rec := doJSON(t, env, http.MethodPost, "/hook", "", hookRequest{Text: "orphan"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "dropped" {
		t.Errorf("expected dropped, got %v", body)
	}
	if len(env.tr.posted()) != 0 {
		t.Errorf("orphaned callback must not dispatch")
	}
}

func TestHookSuppressesDuplicate(t *testing.T) {
	env := newTestEnv(t, "")
	if err := env.corr.ArmContext("C01"); err != nil {
		t.Fatal(err)
	}

	doJSON(t, env, http.MethodPost, "/hook", "", hookRequest{Text: "same"})
	rec := doJSON(t, env, http.MethodPost, "/hook", "", hookRequest{Text: "same"})

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "suppressed" {
		t.Errorf("expected suppressed, got %v", body)
	}
	if len(env.tr.posted()) != 1 {
		t.Errorf("duplicate must not dispatch twice, got %v", env.tr.posted())
	}
}

func TestHookInvalidJSON(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRestartEndpoint(t *testing.T) {
	env := newTestEnv(t, "secret")

	rec := doJSON(t, env, http.MethodPost, "/restart", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env.ctl.mu.Lock()
	restarts := env.ctl.restarts
	env.ctl.mu.Unlock()
	if restarts != 1 {
		t.Errorf("expected one restart, got %d", restarts)
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["pid"] != float64(4242) {
		t.Errorf("expected pid in response, got %v", body)
	}
}

func TestRestartFailure(t *testing.T) {
	env := newTestEnv(t, "")
	env.ctl.mu.Lock()
	env.ctl.restartErr = errors.New("spawn failed")
	env.ctl.mu.Unlock()

	rec := doJSON(t, env, http.MethodPost, "/restart", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHealthSkipsAPIKey(t *testing.T) {
	env := newTestEnv(t, "secret")

	rec := doJSON(t, env, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health must not require the API key, got %d", rec.Code)
	}
	rec = doJSON(t, env, http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status must not require the API key, got %d", rec.Code)
	}
}
