package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/careerpulse/hub/internal/hub"
)

// HTTPGenerator calls a chat-completion style endpoint. It deliberately does
// no retrying of its own; the orchestrator's executor owns that policy.
type HTTPGenerator struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPGenerator creates the provider client. The http.Client timeout is a
// hard backstop; the effective deadline comes from the request context.
func NewHTTPGenerator(endpoint, apiKey, model string) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Generate sends the prompt and returns the first completion.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:    g.model,
		Messages: []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", hub.Wrap(hub.KindInternalUnavailable, "encode provider request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", hub.Wrap(hub.KindInternalUnavailable, "build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", hub.Wrap(hub.KindUpstreamUnavailable, "provider call failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", hub.Wrap(hub.KindUpstreamUnavailable, "read provider response", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", hub.Wrap(hub.KindUpstreamUnavailable,
			fmt.Sprintf("provider returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", hub.E(hub.KindInternalUnavailable,
			fmt.Sprintf("provider rejected request with %d", resp.StatusCode))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", hub.Wrap(hub.KindUpstreamUnavailable, "decode provider response", err)
	}
	if len(out.Choices) == 0 {
		return "", hub.E(hub.KindUpstreamUnavailable, "provider returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
