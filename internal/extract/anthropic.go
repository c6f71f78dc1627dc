package extract

import (
	"context"
	"fmt"

	"github.com/liushuangls/go-anthropic/v2"
)

// Anthropic extracts memories through the Anthropic messages API.
type Anthropic struct {
	client *anthropic.Client
	model  anthropic.Model
}

// NewAnthropic creates an extractor. An empty model defaults to Haiku.
func NewAnthropic(apiKey, model string) *Anthropic {
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaude3Dot5HaikuLatest
	}
	return &Anthropic{client: anthropic.NewClient(apiKey), model: m}
}

func (e *Anthropic) Extract(ctx context.Context, req Request) (*Batch, error) {
	return runExtraction(ctx, req, e.chat)
}

func (e *Anthropic) chat(ctx context.Context, system, user string) (string, error) {
	system += "\n\nRespond ONLY with the JSON object. No text outside the JSON."

	resp, err := e.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     e.model,
		System:    system,
		MaxTokens: 2048,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			return *block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}
