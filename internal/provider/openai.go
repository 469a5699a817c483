package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// chatAPI is the slice of the OpenAI SDK the generator uses. It is satisfied
// by *openai.Client and by test stubs.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAIConfig configures the fallback lane. BaseURL points at any
// OpenAI-compatible endpoint, typically a local llama.cpp or vLLM server.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxTokens caps completions when the request does not set one.
	MaxTokens int
}

// OpenAI is the fallback Generator, speaking the Chat Completions protocol.
type OpenAI struct {
	chat      chatAPI
	model     string
	maxTokens int
}

// NewOpenAI builds the fallback generator.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return newOpenAI(openai.NewClientWithConfig(clientConfig), cfg), nil
}

func newOpenAI(chat chatAPI, cfg OpenAIConfig) *OpenAI {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAI{
		chat:      chat,
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Name implements Generator.
func (o *OpenAI) Name() string { return "openai" }

// Generate issues a single non-streaming chat completion.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	messages, err := convertOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openai: convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	}
	if max := req.MaxTokens; max > 0 {
		chatReq.MaxTokens = max
	} else {
		chatReq.MaxTokens = o.maxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	resp, err := o.chat.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	return translateOpenAIResponse(resp), nil
}

// Probe lists models, the cheapest round trip every OpenAI-compatible server
// supports.
func (o *OpenAI) Probe(ctx context.Context) error {
	_, err := o.chat.ListModels(ctx)
	return err
}

func convertOpenAIMessages(messages []Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "system" {
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: msg.Content,
		}
		if msg.Role == "assistant" {
			oaiMsg.Role = openai.ChatMessageRoleAssistant
		}

		if len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("tool call %s args: %w", tc.Name, err)
				}
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				}
			}
		}
		result = append(result, oaiMsg)

		// Tool results are separate "tool" role messages in this protocol.
		for _, tr := range msg.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
			})
		}
	}
	if len(result) == 0 {
		return nil, errors.New("at least one message is required")
	}
	return result, nil
}

func convertOpenAITools(defs []ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		}
	}
	return result
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) *Response {
	out := &Response{
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, choice := range resp.Choices {
		if out.StopReason == "" {
			out.StopReason = string(choice.FinishReason)
		}
		if choice.Message.Content != "" {
			out.Text += choice.Message.Content
		}
		for _, call := range choice.Message.ToolCalls {
			args := map[string]any{}
			if call.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
					args = map[string]any{"raw": call.Function.Arguments}
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   call.ID,
				Name: call.Function.Name,
				Args: args,
			})
		}
	}
	return out
}
