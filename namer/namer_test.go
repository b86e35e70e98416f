package namer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/task"
)

func TestCleanName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple-name", "simple-name"},
		{"  spaced  name  ", "spaced-name"},
		{"Name with CAPS", "Name-with-CAPS"},
		{"special@#$chars", "specialchars"},
		{"multiple---hyphens", "multiple-hyphens"},
		{"--leading-trailing--", "leading-trailing"},
		{"\"quoted name\"", "quoted-name"},
		{"", ""},
	}
	for _, tc := range tests {
		require.Equal(t, tc.expected, CleanName(tc.input), "input %q", tc.input)
	}
}

func TestBuildPromptTicketDetection(t *testing.T) {
	p := buildPrompt("Implement ticket ABC-123 user login")
	require.Contains(t, p, "ABC-123")
	require.Contains(t, p, "ticket number")

	p = buildPrompt("Simple refactor without numbers")
	require.Contains(t, p, "refactor-api")
}

func TestGenerateNameUsesAnthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": `"fix auth flow"`}},
		})
	}))
	defer srv.Close()

	g := New(Config{
		AnthropicAPIKey: "test-key",
		AnthropicURL:    srv.URL,
		HTTPClient:      srv.Client(),
	})
	name, err := g.GenerateName(task.TypeCode, "fix the auth flow")
	require.NoError(t, err)
	require.Equal(t, "fix-auth-flow", name)
}

func TestGenerateNameFallsBackOnAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := New(Config{
		AnthropicAPIKey: "test-key",
		AnthropicURL:    srv.URL,
		HTTPClient:      srv.Client(),
	})
	name, err := g.GenerateName(task.TypeResearch, "investigate flaky test")
	require.NoError(t, err)
	require.NotEmpty(t, name)
	require.Contains(t, name, "research")
}

func TestFallbackIsDeterministicPerHint(t *testing.T) {
	a := New(Config{})
	b := New(Config{})
	require.Equal(t, a.Fallback(task.TypeCode, "same hint"), b.Fallback(task.TypeCode, "same hint"))
}

func TestFallbackCyclesForRepeatedCalls(t *testing.T) {
	g := New(Config{})
	first := g.Fallback(task.TypeCode, "hint")
	second := g.Fallback(task.TypeCode, "hint")
	require.NotEqual(t, first, second)
}

func TestGenerateNameWithoutKeysUsesFallback(t *testing.T) {
	g := New(Config{})
	name, err := g.GenerateName(task.TypeSwarm, "coordinate the swarm")
	require.NoError(t, err)
	require.Contains(t, name, "swarm")
}
