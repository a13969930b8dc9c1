package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// messagesClient captures the subset of the Anthropic SDK client used by
// AnthropicClient. It is satisfied by *sdk.MessageService so tests can
// substitute a fake without dialing the real API.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient is a client for the Anthropic Messages API, backed by
// github.com/anthropics/anthropic-sdk-go.
type AnthropicClient struct {
	msg    messagesClient
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client using the SDK's default
// HTTP transport. apiKey is sent as-is; the SDK itself handles retries and
// the anthropic-version header.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &c.Messages, logger: logger.With("provider", "anthropic")}
}

// Chat sends a non-streaming chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params, err := buildAnthropicParams(model, messages, tools, 4096)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("sending request", "model", model, "messages", len(messages), "tools", len(tools))

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	resp := convertFromAnthropic(msg)
	c.logger.Debug("response received", "model", resp.Model, "input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	return resp, nil
}

// ChatStream sends a chat request, streaming text deltas to callback as
// they arrive. Tool calls are only available once the stream completes.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params, err := buildAnthropicParams(model, messages, tools, 4096)
	if err != nil {
		return nil, err
	}

	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		contentBuilder strings.Builder
		toolCalls      []ToolCall
		toolArgs       = map[int64]*strings.Builder{}
		toolMeta       = map[int64]sdk.ToolUseBlock{}
		finalModel     string
		usage          sdk.Usage
	)

	for stream.Next() {
		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			finalModel = variant.Message.Model
			usage = variant.Message.Usage
		case sdk.ContentBlockStartEvent:
			if tb, ok := variant.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolMeta[variant.Index] = tb
				toolArgs[variant.Index] = &strings.Builder{}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text != "" {
					contentBuilder.WriteString(delta.Text)
					callback(delta.Text)
				}
			case sdk.InputJSONDelta:
				if buf, ok := toolArgs[variant.Index]; ok {
					buf.WriteString(delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb, ok := toolMeta[variant.Index]; ok {
				var args map[string]any
				raw := toolArgs[variant.Index].String()
				if raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						args = map[string]any{"_raw": raw}
					}
				}
				toolCalls = append(toolCalls, ToolCall{
					ID: tb.ID,
					Function: struct {
						Name      string         `json:"name"`
						Arguments map[string]any `json:"arguments"`
					}{Name: tb.Name, Arguments: args},
				})
				delete(toolMeta, variant.Index)
				delete(toolArgs, variant.Index)
			}
		case sdk.MessageDeltaEvent:
			if variant.Usage.OutputTokens != 0 {
				usage.OutputTokens = variant.Usage.OutputTokens
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp := &ChatResponse{
		Model: finalModel,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  int(usage.InputTokens),
		OutputTokens: int(usage.OutputTokens),
	}
	c.logger.Debug("stream complete", "model", resp.Model, "tool_calls", len(resp.Message.ToolCalls))
	return resp, nil
}

// Ping checks if the Anthropic API is reachable by sending a minimal request.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.ModelClaudeHaiku4_5,
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// buildAnthropicParams converts our provider-neutral messages and OpenAI-shaped
// tool schemas into an Anthropic Messages request.
func buildAnthropicParams(model string, messages []Message, tools []map[string]any, maxTokens int64) (sdk.MessageNewParams, error) {
	msgs, system, err := convertToAnthropic(messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: at least one user/assistant message is required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if toolParams := convertToolsToAnthropic(tools); len(toolParams) > 0 {
		params.Tools = toolParams
	}
	return params, nil
}

// convertToAnthropic converts internal messages to Anthropic SDK message
// params, extracting system messages into a separate system prompt string.
func convertToAnthropic(messages []Message) ([]sdk.MessageParam, string, error) {
	var systemParts []string
	var result []sdk.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []sdk.ContentBlockParamUnion
				if msg.Content != "" {
					blocks = append(blocks, sdk.NewTextBlock(msg.Content))
				}
				for i, tc := range msg.ToolCalls {
					args := tc.Function.Arguments
					if args == nil {
						args = map[string]any{}
					}
					id := tc.ID
					if id == "" {
						id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
					}
					blocks = append(blocks, sdk.NewToolUseBlock(id, args, tc.Function.Name))
				}
				result = append(result, sdk.NewAssistantMessage(blocks...))
			} else {
				result = append(result, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
			}

		case "tool":
			result = append(result, sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))

		case "user":
			result = append(result, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))

		default:
			return nil, "", fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}

	return result, strings.Join(systemParts, "\n\n"), nil
}

// convertToolsToAnthropic converts OpenAI-format tool definitions (as used
// by the tool registry's schemas) to Anthropic tool params.
func convertToolsToAnthropic(tools []map[string]any) []sdk.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	var result []sdk.ToolUnionParam
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}

		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: params}, name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(desc)
		}
		result = append(result, u)
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal format.
func convertFromAnthropic(resp *sdk.Message) *ChatResponse {
	var content string
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok {
				args = map[string]any{}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID: block.ID,
				Function: struct {
					Name      string         `json:"name"`
					Arguments map[string]any `json:"arguments"`
				}{Name: block.Name, Arguments: args},
			})
		}
	}

	return &ChatResponse{
		Model: string(resp.Model),
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
}
