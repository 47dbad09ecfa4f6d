package tagger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tagsOf(suggestions []Suggestion) []string {
	out := make([]string, len(suggestions))
	for i, s := range suggestions {
		out[i] = s.Tag
	}
	return out
}

func TestHeuristicSuggest(t *testing.T) {
	text := "Postgres migration failed because the JWT secret rotated. #incident postgres"
	got, err := Heuristic{}.Suggest(context.Background(), text, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"database", "incident", "auth", "security", "failed"}, tagsOf(got))
	assert.Equal(t, 1.0, got[0].Confidence)
	for _, s := range got {
		assert.Equal(t, SourceHeuristic, s.Source)
		assert.Greater(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	}
}

func TestHeuristicIsDeterministic(t *testing.T) {
	text := "redis cache latency regression after the kubernetes release"
	first, _ := Heuristic{}.Suggest(context.Background(), text, 10)
	for i := 0; i < 20; i++ {
		again, _ := Heuristic{}.Suggest(context.Background(), text, 10)
		assert.Equal(t, first, again)
	}
}

func TestHeuristicEmptyText(t *testing.T) {
	got, err := Heuristic{}.Suggest(context.Background(), "  the and of  ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{in: -1, want: DefaultLimit},
		{in: 0, want: DefaultLimit},
		{in: 3, want: 3},
		{in: 10, want: 10},
		{in: 50, want: MaxLimit},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ClampLimit(tc.in), "limit %d", tc.in)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "auth-flow", Normalize("  Auth Flow "))
	assert.Equal(t, "ci-cd", Normalize("CI/CD"))
	assert.Equal(t, "", Normalize("!!!"))
	assert.Equal(t, "k8s", Normalize("#k8s"))
	assert.Equal(t, strings.Repeat("a", 40), Normalize(strings.Repeat("A", 60)))
	assert.Equal(t, strings.Repeat("a", 39), Normalize(strings.Repeat("a", 39)+" b"))
}

func TestNormalizeTruncatesOnRuneBoundary(t *testing.T) {
	// 'a' plus two-byte runes puts byte 40 in the middle of an 'é'.
	tag := Normalize("a" + strings.Repeat("é", 21))
	assert.True(t, utf8.ValidString(tag), "tag %q is not valid UTF-8", tag)
	assert.Equal(t, "a"+strings.Repeat("é", 19), tag)
	assert.LessOrEqual(t, len(tag), 40)

	tag = Normalize(strings.Repeat("日本", 10))
	assert.True(t, utf8.ValidString(tag))
	assert.Equal(t, strings.Repeat("日本", 6)+"日", tag)
}

func TestMergeKeepsUserTagsFirst(t *testing.T) {
	merged := Merge([]string{"Billing", "billing", ""}, []Suggestion{
		{Tag: "billing", Confidence: 0.9, Source: SourceHeuristic},
		{Tag: "database", Confidence: 0.8, Source: SourceHeuristic},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, Suggestion{Tag: "billing", Confidence: 1, Source: SourceUser}, merged[0])
	assert.Equal(t, "database", merged[1].Tag)
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{name: "json array", content: `["Database", "auth flow"]`, want: []string{"database", "auth-flow"}},
		{name: "fenced", content: "```json\n[\"cache\", \"cache\", \"redis\"]\n```", want: []string{"cache", "redis"}},
		{name: "comma list", content: "deployment, rollback\n- testing", want: []string{"deployment", "rollback", "testing"}},
		{name: "empty", content: "", want: []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, parseTags(tc.content))
		})
	}
}

func chatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func chatReply(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}
}

func TestOpenAISuggest(t *testing.T) {
	server := chatServer(t, chatReply(`["Database", "migrations", "on call", "ops", "alerts", "extra"]`))
	client := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"}, nil, nil)

	got, err := client.Suggest(context.Background(), "postgres migration paged the on-call", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"database", "migrations", "on-call"}, tagsOf(got))
	for _, s := range got {
		assert.Equal(t, SourceOpenAI, s.Source)
	}
}

func TestOpenAIFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout time.Duration
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
			},
		},
		{
			name:    "unusable reply",
			handler: chatReply("   "),
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: 20 * time.Millisecond,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := chatServer(t, tc.handler)
			client := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1", Timeout: tc.timeout}, Heuristic{}, nil)

			got, err := client.Suggest(context.Background(), "redis cache outage #incident", 5)
			require.NoError(t, err)
			require.NotEmpty(t, got)
			for _, s := range got {
				assert.Equal(t, SourceHeuristic, s.Source)
			}
		})
	}
}
