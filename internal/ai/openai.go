package ai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const chatModel = string(openai.ChatModelGPT4_1Mini)

type OpenAISummarizer struct {
	client *openai.Client
	model  string
	usage  usageCounter
}

// NewOpenAISummarizer creates the OpenAI summarizer. Extra request options
// (base URL, HTTP client) are passed to the SDK client.
func NewOpenAISummarizer(apiKey, model string, opts ...option.RequestOption) *OpenAISummarizer {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := openai.NewClient(opts...)
	if model == "" {
		model = chatModel
	}
	return &OpenAISummarizer{
		client: &client,
		model:  model,
	}
}

func (p *OpenAISummarizer) Name() string {
	return p.model
}

func (p *OpenAISummarizer) GetUsage() Usage {
	return p.usage.snapshot()
}

func (p *OpenAISummarizer) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(buildSummaryPrompt(text)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	// Track usage
	p.usage.track(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
