package gemini

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/metalagman/appforge/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGenerate_ParsesCandidateText(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [
				{"content": {"role": "model", "parts": [{"text": "{\"is_approved\": true}"}]}}
			]
		}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		Model:   "gemini-2.5-flash",
		BaseURL: srv.URL,
		APIKey:  "test-key",
	}, srv.Client())
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), llm.Prompt{System: "json only", User: "audit"})
	require.NoError(t, err)
	assert.Equal(t, `{"is_approved": true}`, out)
	assert.True(t, strings.HasSuffix(gotPath, "gemini-2.5-flash:generateContent"), gotPath)
}

func TestClientGenerate_ClassifiesRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"}}`))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		Model:   "gemini-2.5-flash",
		BaseURL: srv.URL,
		APIKey:  "test-key",
	}, srv.Client())
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), llm.Prompt{User: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrModelRateLimited)
}

func TestNewClient_RequiresModelAndKey(t *testing.T) {
	t.Setenv("APPFORGE_GEMINI_MISSING", "")

	_, err := NewClient(context.Background(), Config{APIKey: "k"}, nil)
	require.Error(t, err)

	_, err = NewClient(context.Background(), Config{Model: "m", APIKeyEnv: "APPFORGE_GEMINI_MISSING"}, nil)
	require.Error(t, err)
}
