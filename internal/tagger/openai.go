package tagger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"ninaivalaigal/api/internal/logger"
)

const systemPrompt = "You label engineering notes. Reply with only a JSON array of short lowercase tags, most relevant first."

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenAI asks a chat model for tags and falls back to the heuristic on any
// failure.
type OpenAI struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	fallback Suggester
	log      *logger.Logger
}

func NewOpenAI(cfg OpenAIConfig, fallback Suggester, log *logger.Logger) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if fallback == nil {
		fallback = Heuristic{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		fallback: fallback,
		log:      log,
	}
}

func (o *OpenAI) Suggest(ctx context.Context, text string, limit int) ([]Suggestion, error) {
	limit = ClampLimit(limit)
	if strings.TrimSpace(text) == "" {
		return []Suggestion{}, nil
	}

	tags, err := o.complete(ctx, text, limit)
	if err != nil || len(tags) == 0 {
		if err != nil {
			o.log.WithContext(ctx).Warn("tag model unavailable, using heuristic", "error", err)
		}
		return o.fallback.Suggest(ctx, text, limit)
	}

	out := make([]Suggestion, 0, len(tags))
	for i, tag := range tags {
		if i >= limit {
			break
		}
		out = append(out, Suggestion{
			Tag:        tag,
			Confidence: 1 - float64(i)*0.05,
			Source:     SourceOpenAI,
		})
	}
	return out, nil
}

func (o *OpenAI) complete(ctx context.Context, text string, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("At most %d tags for:\n\n%s", limit, text)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return parseTags(resp.Choices[0].Message.Content), nil
}

// parseTags accepts a JSON array, possibly wrapped in prose or a code
// fence, and otherwise splits on commas and newlines.
func parseTags(content string) []string {
	var raw []string
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start >= 0 && end > start {
		var parsed []any
		if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err == nil {
			for _, item := range parsed {
				if s, ok := item.(string); ok {
					raw = append(raw, s)
				}
			}
		}
	}
	if raw == nil {
		raw = strings.FieldsFunc(content, func(r rune) bool {
			return r == ',' || r == '\n'
		})
	}

	seen := make(map[string]bool)
	tags := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(strings.Trim(strings.TrimSpace(item), "`\"'-*"))
		tag := Normalize(item)
		if tag == "" || seen[tag] || strings.Count(tag, "-") > 3 {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}
