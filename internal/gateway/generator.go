package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/STRATINT/eventdesk/internal/keypool"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// Call is one external text-generation request.
type Call struct {
	Key      keypool.Key
	Template TemplateID
	Prompt   string
	Vars     Vars
}

// Generator performs the external text-generation call. Implementations
// return the raw model text and do not interpret it.
type Generator interface {
	Generate(ctx context.Context, call Call) (string, error)
}

// ModelConfig holds provider-independent sampling settings.
type ModelConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

const systemPrompt = "You are a careful news analysis assistant. You answer with JSON only."

// OpenAIGenerator calls the OpenAI chat completions API.
type OpenAIGenerator struct {
	config ModelConfig
}

// NewOpenAIGenerator creates an OpenAI-backed generator.
func NewOpenAIGenerator(config ModelConfig) *OpenAIGenerator {
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	return &OpenAIGenerator{config: config}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, call Call) (string, error) {
	client := openai.NewClient(call.Key.Secret)

	request := openai.ChatCompletionRequest{
		Model: g.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: call.Prompt},
		},
	}

	// Reasoning models reject temperature and system messages.
	if isReasoningModel(g.config.Model) {
		request.Messages = []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: systemPrompt + "\n\n" + call.Prompt},
		}
	} else {
		request.Temperature = g.config.Temperature
	}

	if g.config.MaxTokens > 0 {
		request.MaxCompletionTokens = g.config.MaxTokens
	}

	resp, err := client.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	return resp.Choices[0].Message.Content, nil
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-haiku-4-5-20251001"

// AnthropicGenerator calls the Anthropic messages API.
type AnthropicGenerator struct {
	config ModelConfig
}

// NewAnthropicGenerator creates an Anthropic-backed generator.
func NewAnthropicGenerator(config ModelConfig) *AnthropicGenerator {
	if config.Model == "" {
		config.Model = DefaultAnthropicModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	return &AnthropicGenerator{config: config}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, call Call) (string, error) {
	client := anthropic.NewClient(option.WithAPIKey(call.Key.Secret))

	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.config.Model),
		MaxTokens:   int64(g.config.MaxTokens),
		Temperature: anthropic.Float(float64(g.config.Temperature)),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(call.Prompt)),
		},
	}

	message, err := client.Messages.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	if len(message.Content) == 0 {
		return "", fmt.Errorf("no response from anthropic")
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
