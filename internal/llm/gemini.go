package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/argus-observability/agentcore/internal/httpkit"
)

// defaultGeminiBaseURL is the public Generative Language API. LLMConfig.BaseURL
// overrides it for a self-hosted gateway (e.g. Vertex AI's compatibility
// endpoint), per spec.md §6's `llm.*` namespace.
const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient is a thin REST client over Gemini's generateContent API.
// No Gemini Go SDK is used elsewhere in this module, so this provider
// is built directly on net/http rather than wrapping an SDK, the way
// OllamaClient already is for the local/dev provider.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient constructs a client against baseURL (defaultGeminiBaseURL
// if empty).
func NewGeminiClient(apiKey, baseURL string, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("provider", "gemini"),
	}
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFuncResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  any            `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

// Chat sends a non-streaming generateContent request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := buildGeminiRequest(messages, tools)

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini: unexpected status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}

	result := convertFromGemini(model, geminiResp)
	c.logger.Debug("response received", "model", result.Model, "input_tokens", result.InputTokens, "output_tokens", result.OutputTokens)
	return result, nil
}

// ChatStream does not stream: Gemini's SSE streaming endpoint requires a
// separate request shape (streamGenerateContent) this client does not
// implement, so it falls back to a single blocking call and replays the
// full content to callback once. Tool-using ReAct turns observe no
// difference in correctness, only in perceived latency.
func (c *GeminiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	resp, err := c.Chat(ctx, model, messages, tools)
	if err != nil {
		return nil, err
	}
	if callback != nil && resp.Message.Content != "" {
		callback(resp.Message.Content)
	}
	return resp, nil
}

// Ping issues a minimal generateContent call to confirm the API key and
// base URL are reachable.
func (c *GeminiClient) Ping(ctx context.Context) error {
	_, err := c.Chat(ctx, "gemini-1.5-flash", []Message{{Role: "user", Content: "ping"}}, nil)
	if err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}

func buildGeminiRequest(messages []Message, tools []map[string]any) geminiRequest {
	var req geminiRequest
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
		case "user":
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		case "assistant":
			parts := make([]geminiPart, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Function.Name, Args: tc.Function.Arguments}})
			}
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: parts})
		case "tool":
			req.Contents = append(req.Contents, geminiContent{Role: "function", Parts: []geminiPart{{
				FunctionResponse: &geminiFuncResponse{Name: msg.ToolCallID, Response: map[string]any{"result": msg.Content}},
			}}})
		}
	}
	if geminiTools := convertToolsToGemini(tools); len(geminiTools) > 0 {
		req.Tools = []geminiTool{{FunctionDeclarations: geminiTools}}
	}
	return req
}

func convertToolsToGemini(tools []map[string]any) []geminiFunctionDecl {
	if len(tools) == 0 {
		return nil
	}
	out := make([]geminiFunctionDecl, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		out = append(out, geminiFunctionDecl{Name: name, Description: desc, Parameters: fn["parameters"]})
	}
	return out
}

func convertFromGemini(model string, resp geminiResponse) *ChatResponse {
	if len(resp.Candidates) == 0 {
		return &ChatResponse{Model: model, Done: true}
	}
	content := resp.Candidates[0].Content
	var text string
	var toolCalls []ToolCall
	for _, part := range content.Parts {
		if part.Text != "" {
			text += part.Text
		}
		if part.FunctionCall != nil {
			toolCalls = append(toolCalls, ToolCall{
				Function: struct {
					Name      string         `json:"name"`
					Arguments map[string]any `json:"arguments"`
				}{Name: part.FunctionCall.Name, Arguments: part.FunctionCall.Args},
			})
		}
	}
	return &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}
}
