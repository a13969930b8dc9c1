package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBuildGeminiRequest(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are a monitoring copilot."},
		{Role: "user", Content: "What fired?"},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{{
				Function: struct {
					Name      string         `json:"name"`
					Arguments map[string]any `json:"arguments"`
				}{Name: "query_metrics", Arguments: map[string]any{"source": "host-1"}},
			}},
		},
		{Role: "tool", Content: "cpu=92%", ToolCallID: "query_metrics"},
	}

	req := buildGeminiRequest(messages, nil)

	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "You are a monitoring copilot." {
		t.Fatalf("expected system instruction extracted, got %+v", req.SystemInstruction)
	}
	if len(req.Contents) != 3 {
		t.Fatalf("expected 3 non-system contents, got %d", len(req.Contents))
	}
	if req.Contents[0].Role != "user" {
		t.Errorf("first content role = %q, want user", req.Contents[0].Role)
	}
	if req.Contents[1].Role != "model" || req.Contents[1].Parts[0].FunctionCall == nil {
		t.Fatalf("expected second content to be a model function call, got %+v", req.Contents[1])
	}
	if req.Contents[2].Role != "function" {
		t.Errorf("expected third content role function, got %q", req.Contents[2].Role)
	}
}

func TestConvertToolsToGemini(t *testing.T) {
	tools := []map[string]any{
		{"function": map[string]any{"name": "query_metrics", "description": "query time series", "parameters": map[string]any{"type": "object"}}},
		{"broken": "entry"},
	}

	decls := convertToolsToGemini(tools)
	if len(decls) != 1 {
		t.Fatalf("expected 1 valid declaration, got %d", len(decls))
	}
	if decls[0].Name != "query_metrics" {
		t.Errorf("name = %q, want query_metrics", decls[0].Name)
	}
}

func TestConvertFromGeminiNoCandidates(t *testing.T) {
	resp := convertFromGemini("gemini-1.5-flash", geminiResponse{})
	if !resp.Done {
		t.Error("expected Done=true even with no candidates")
	}
	if resp.Message.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Message.Content)
	}
}

func TestConvertFromGeminiWithToolCall(t *testing.T) {
	resp := convertFromGemini("gemini-1.5-flash", geminiResponse{
		Candidates: []geminiCandidate{{
			Content: geminiContent{
				Role: "model",
				Parts: []geminiPart{
					{Text: "checking now"},
					{FunctionCall: &geminiFunctionCall{Name: "query_metrics", Args: map[string]any{"source": "host-1"}}},
				},
			},
		}},
		UsageMetadata: geminiUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	})

	if resp.Message.Content != "checking now" {
		t.Errorf("content = %q, want %q", resp.Message.Content, "checking now")
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "query_metrics" {
		t.Fatalf("expected one query_metrics tool call, got %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("unexpected token counts: in=%d out=%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestGeminiClientChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-pro:generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("expected api key in query, got %q", r.URL.Query().Get("key"))
		}
		resp := geminiResponse{
			Candidates: []geminiCandidate{{
				Content:      geminiContent{Role: "model", Parts: []geminiPart{{Text: "hello"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: geminiUsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 1},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewGeminiClient("test-key", srv.URL, nil)
	resp, err := client.Chat(context.Background(), "gemini-1.5-pro", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "hello" {
		t.Errorf("content = %q, want hello", resp.Message.Content)
	}
}

func TestGeminiClientChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "bad key"}`))
	}))
	defer srv.Close()

	client := NewGeminiClient("bad-key", srv.URL, nil)
	_, err := client.Chat(context.Background(), "gemini-1.5-pro", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestGeminiClientChatStreamReplaysFullContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := geminiResponse{
			Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "stream me"}}}}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewGeminiClient("test-key", srv.URL, nil)
	var got string
	_, err := client.ChatStream(context.Background(), "gemini-1.5-pro", []Message{{Role: "user", Content: "hi"}}, nil, func(token string) {
		got += token
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got != "stream me" {
		t.Errorf("callback content = %q, want %q", got, "stream me")
	}
}
