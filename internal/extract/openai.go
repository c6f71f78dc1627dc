package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/memora-labs/memora/internal/model"
)

// OpenAI extracts memories through the OpenAI chat API in JSON mode.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an extractor. An empty model defaults to gpt-4o-mini;
// baseURL overrides the endpoint for compatible providers.
func NewOpenAI(baseURL, apiKey, model string) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *OpenAI) Extract(ctx context.Context, req Request) (*Batch, error) {
	return runExtraction(ctx, req, e.chat)
}

func (e *OpenAI) chat(ctx context.Context, system, user string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// plainChat is chat without forced JSON output, for prompts whose response
// format is marker-based prose.
func (e *OpenAI) plainChat(ctx context.Context, system, user string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// OpenAIQueryGenerator expands a message into memory search queries.
type OpenAIQueryGenerator struct {
	inner *OpenAI
}

func NewOpenAIQueryGenerator(baseURL, apiKey, model string) *OpenAIQueryGenerator {
	return &OpenAIQueryGenerator{inner: NewOpenAI(baseURL, apiKey, model)}
}

func (g *OpenAIQueryGenerator) Queries(ctx context.Context, preceding []string, latest string, at time.Time) ([]string, error) {
	raw, err := g.inner.chat(ctx, queryGenSystemPrompt, queryGenInput(preceding, latest, at))
	if err != nil {
		return nil, fmt.Errorf("query generation: %w", err)
	}
	var out struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal(jsonBlock(raw), &out); err != nil {
		return nil, fmt.Errorf("parse query response: %w", err)
	}
	return out.Queries, nil
}

// OpenAIMemoryFilter is the model-based relevance pass over recalled
// memories.
type OpenAIMemoryFilter struct {
	inner *OpenAI
}

func NewOpenAIMemoryFilter(baseURL, apiKey, model string) *OpenAIMemoryFilter {
	return &OpenAIMemoryFilter{inner: NewOpenAI(baseURL, apiKey, model)}
}

func (f *OpenAIMemoryFilter) Filter(ctx context.Context, latest string, queries []string, memories []model.Memory, at time.Time) ([]string, error) {
	raw, err := f.inner.plainChat(ctx, filterSystem(latest, queries, at), filterInput(memories))
	if err != nil {
		return nil, fmt.Errorf("memory filter: %w", err)
	}
	ids, err := parseSelectedIDs(raw)
	if err != nil {
		return nil, fmt.Errorf("memory filter: %w", err)
	}
	return ids, nil
}
