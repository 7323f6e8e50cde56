package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostSendsPayloadWithAPIKey(t *testing.T) {
	var got hookPayload
	var key string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hook" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		key = r.Header.Get("X-API-Key")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	err := post(ts.URL+"/", "secret", hookPayload{ChannelID: "C01", Text: "done", Event: "Stop"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if key != "secret" {
		t.Errorf("expected API key header, got %q", key)
	}
	if got.ChannelID != "C01" || got.Text != "done" || got.Event != "Stop" {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestPostReportsServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid API key", http.StatusForbidden)
	}))
	defer ts.Close()

	if err := post(ts.URL, "wrong", hookPayload{Text: "x"}); err == nil {
		t.Fatal("expected error on 403")
	}
}
