package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/koclaw/internal/agent"
)

func TestHTTPAgent_QueryRoundTrip(t *testing.T) {
	var gotPath, gotResume string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req struct {
			Prompt string `json:"prompt"`
			Resume string `json:"resume"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotResume = req.Resume
		_ = json.NewEncoder(w).Encode(map[string]string{
			"result":     "the disk is at 40%",
			"session_id": "sess-abc",
		})
	}))
	defer srv.Close()

	a := agent.NewHTTPAgent(srv.URL, "", 0)
	res, err := a.Query(context.Background(), "check disk usage", "sess-prev")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotPath != "/v1/query" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotResume != "sess-prev" {
		t.Fatalf("resume = %q", gotResume)
	}
	if res.Text != "the disk is at 40%" || res.SessionID != "sess-abc" {
		t.Fatalf("result = %+v", res)
	}
}

func TestHTTPAgent_ConflictMapsToSessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	a := agent.NewHTTPAgent(srv.URL, "", 0)
	_, err := a.Query(context.Background(), "anything", "stale-token")
	if !errors.Is(err, agent.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestHTTPAgent_ServerErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := agent.NewHTTPAgent(srv.URL, "", 0)
	_, err := a.Query(context.Background(), "anything", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, agent.ErrSessionNotFound) {
		t.Fatalf("503 must not map to ErrSessionNotFound: %v", err)
	}
}
