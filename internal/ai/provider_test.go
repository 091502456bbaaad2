package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careerpulse/hub/internal/hub"
)

func TestGenerate(t *testing.T) {
	var gotAuth string
	var gotReq generateRequest

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "Voici ma réponse."}},
			},
		})
	}))
	defer backend.Close()

	g := NewHTTPGenerator(backend.URL, "sk-test", "gpt-4o-mini")
	reply, err := g.Generate(context.Background(), "Bonjour")
	require.NoError(t, err)
	assert.Equal(t, "Voici ma réponse.", reply)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "Bonjour", gotReq.Messages[0].Content)
}

func TestGenerateServerErrorIsRetryable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	g := NewHTTPGenerator(backend.URL, "sk-test", "m")
	_, err := g.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUpstreamUnavailable))
	assert.True(t, hub.Retryable(err))
}

func TestGenerateRateLimitedIsRetryable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer backend.Close()

	g := NewHTTPGenerator(backend.URL, "sk-test", "m")
	_, err := g.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUpstreamUnavailable))
}

func TestGenerateClientErrorRejected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	g := NewHTTPGenerator(backend.URL, "bad-key", "m")
	_, err := g.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindInternalUnavailable))
}

func TestGenerateEmptyChoices(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer backend.Close()

	g := NewHTTPGenerator(backend.URL, "sk-test", "m")
	_, err := g.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUpstreamUnavailable))
}

func TestGenerateUnreachableEndpoint(t *testing.T) {
	g := NewHTTPGenerator("http://127.0.0.1:1", "sk-test", "m")
	_, err := g.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, hub.IsKind(err, hub.KindUpstreamUnavailable))
}
