// Package agent defines the interface to the conversational agent that
// executes task prompts, plus its HTTP implementation.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrSessionNotFound indicates a resume token the agent no longer accepts.
// Callers should clear the stored session and retry once without it.
var ErrSessionNotFound = errors.New("agent session not found")

// Result is the agent's answer to one prompt.
type Result struct {
	// Text is the agent's full response text.
	Text string
	// SessionID identifies the conversation on the agent side, for resuming.
	SessionID string
}

// Agent executes a prompt and returns the response. An empty resumeSession
// starts a fresh conversation.
type Agent interface {
	Query(ctx context.Context, prompt, resumeSession string) (Result, error)
}

// HTTPAgent talks to an agent runtime over its HTTP query endpoint.
type HTTPAgent struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewHTTPAgent creates a client for the agent at baseURL. A zero timeout
// defaults to five minutes; agent runs routinely take that long.
func NewHTTPAgent(baseURL, model string, timeout time.Duration) *HTTPAgent {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPAgent{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type queryRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Resume string `json:"resume,omitempty"`
}

type queryResponse struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// Query sends the prompt to the agent, resuming an existing session when
// resumeSession is non-empty. A 409 from the agent means the session has
// expired and maps to ErrSessionNotFound.
func (a *HTTPAgent) Query(ctx context.Context, prompt, resumeSession string) (Result, error) {
	payload, err := json.Marshal(queryRequest{
		Prompt: prompt,
		Model:  a.model,
		Resume: resumeSession,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/query", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("agent query: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return Result{}, fmt.Errorf("%w: resume token %q", ErrSessionNotFound, resumeSession)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("agent query: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode agent response: %w", err)
	}
	return Result{Text: out.Result, SessionID: out.SessionID}, nil
}
