package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// chatClient captures the subset of go-openai used by OpenAIClient, so tests
// can substitute a fake instead of dialing the real API.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIClient is a client for the OpenAI Chat Completions API, backed by
// github.com/sashabaranov/go-openai.
type OpenAIClient struct {
	chat   chatClient
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client against the public API.
func NewOpenAIClient(apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{chat: openai.NewClient(apiKey), logger: logger.With("provider", "openai")}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req, err := buildOpenAIRequest(model, messages, tools)
	if err != nil {
		return nil, err
	}

	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	result := convertFromOpenAI(resp)
	c.logger.Debug("response received", "model", result.Model, "input_tokens", result.InputTokens, "output_tokens", result.OutputTokens)
	return result, nil
}

// ChatStream sends a chat request, streaming content deltas to callback.
// Tool calls only settle once the stream has fully drained, since OpenAI
// splits a single tool call's arguments across many deltas.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	req, err := buildOpenAIRequest(model, messages, tools)
	if err != nil {
		return nil, err
	}
	req.Stream = true

	stream, err := c.chat.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	defer stream.Close()

	var (
		contentBuilder strings.Builder
		toolCalls      = map[int]*openai.ToolCall{}
		finishReason   openai.FinishReason
		respModel      string
		usage          openai.Usage
	)

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("openai stream recv: %w", err)
		}
		respModel = chunk.Model
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			callback(choice.Delta.Content)
		}
		for _, tcDelta := range choice.Delta.ToolCalls {
			idx := 0
			if tcDelta.Index != nil {
				idx = *tcDelta.Index
			}
			cur, ok := toolCalls[idx]
			if !ok {
				cur = &openai.ToolCall{ID: tcDelta.ID, Type: tcDelta.Type}
				toolCalls[idx] = cur
			}
			if tcDelta.ID != "" {
				cur.ID = tcDelta.ID
			}
			cur.Function.Name += tcDelta.Function.Name
			cur.Function.Arguments += tcDelta.Function.Arguments
		}
	}

	resp := &ChatResponse{
		Model: respModel,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: orderedToolCalls(toolCalls),
		},
		Done:         true,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}
	_ = finishReason
	c.logger.Debug("stream complete", "model", resp.Model, "tool_calls", len(resp.Message.ToolCalls))
	return resp, nil
}

// Ping checks if the OpenAI API is reachable by sending a one-token
// chat completion request.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	_, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     openai.GPT4oMini,
		MaxTokens: 1,
		Messages:  []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "ping"}},
	})
	if err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func buildOpenAIRequest(model string, messages []Message, tools []map[string]any) (openai.ChatCompletionRequest, error) {
	msgs, err := convertToOpenAI(messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	}
	if toolParams, err := convertToolsToOpenAI(tools); err != nil {
		return openai.ChatCompletionRequest{}, err
	} else if len(toolParams) > 0 {
		req.Tools = toolParams
	}
	return req, nil
}

func convertToOpenAI(messages []Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system", "user":
			out = append(out, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
		case "assistant":
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					return nil, fmt.Errorf("marshal tool call arguments: %w", err)
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, m)
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

func convertToolsToOpenAI(tools []map[string]any) ([]openai.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params := fn["parameters"]
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func convertFromOpenAI(resp openai.ChatCompletionResponse) *ChatResponse {
	if len(resp.Choices) == 0 {
		return &ChatResponse{Model: resp.Model, Done: true}
	}
	choice := resp.Choices[0]
	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID: tc.ID,
			Function: struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}{Name: tc.Function.Name, Arguments: args},
		})
	}
	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      "assistant",
			Content:   choice.Message.Content,
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
}

func orderedToolCalls(byIndex map[int]*openai.ToolCall) []ToolCall {
	if len(byIndex) == 0 {
		return nil
	}
	maxIdx := 0
	for idx := range byIndex {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	out := make([]ToolCall, 0, len(byIndex))
	for i := 0; i <= maxIdx; i++ {
		tc, ok := byIndex[i]
		if !ok {
			continue
		}
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		out = append(out, ToolCall{
			ID: tc.ID,
			Function: struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}{Name: tc.Function.Name, Arguments: args},
		})
	}
	return out
}
