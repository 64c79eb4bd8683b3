package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/firebox/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPrepareMessages_SystemPromotion(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "first system"},
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleSystem, Content: "second system"},
		{Role: llm.RoleAssistant, Content: "hi"},
	}

	system, out := prepareMessages(msgs)

	// 多条 system 时最后一条生效，且 system 不进入对话序列
	assert.Equal(t, "second system", system)
	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
}

func TestComplete_WireFormat(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Contains(t, r.URL.Path, "/messages")

		json.NewDecoder(r.Body).Decode(&captured)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"model": "claude-3-5-haiku-20241022",
			"content": [
				{"type": "thinking", "text": "ignored"},
				{"type": "text", "text": "Hello from Claude"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 4}
		}`)
	}))
	t.Cleanup(server.Close)

	p := NewWithBaseURL("test-key", server.URL, zap.NewNop())
	resp, err := p.Complete(context.Background(), "s", &llm.CompletionRequest{
		Model: "claude-3-5-haiku-20241022",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be terse"},
			{Role: llm.RoleUser, Content: "Hi"},
		},
	})
	require.NoError(t, err)

	// system 提升为顶层字段，max_tokens 默认 4096
	assert.Equal(t, "be terse", captured["system"])
	assert.Equal(t, float64(4096), captured["max_tokens"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1)

	// 首个 type=="text" 的 content block 作为回复内容
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello from Claude", resp.Choices[0].Message.Content)
	assert.Equal(t, "end_turn", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
}

func TestComplete_ExplicitMaxTokens(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m","model":"c","content":[{"type":"text","text":"ok"}]}`)
	}))
	t.Cleanup(server.Close)

	p := NewWithBaseURL("k", server.URL, zap.NewNop())
	_, err := p.Complete(context.Background(), "s", &llm.CompletionRequest{
		Model:     "c",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
		MaxTokens: 512,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(512), captured["max_tokens"])
}

func TestComplete_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid x-api-key"}}`)
	}))
	t.Cleanup(server.Close)

	p := NewWithBaseURL("bad", server.URL, zap.NewNop())
	_, err := p.Complete(context.Background(), "s", &llm.CompletionRequest{
		Model:    "c",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	require.Error(t, err)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrUnauthorized, llmErr.Code)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestCompleteStream_Events(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, "data: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	t.Cleanup(server.Close)

	p := NewWithBaseURL("k", server.URL, zap.NewNop())
	ch, err := p.CompleteStream(context.Background(), "s", &llm.CompletionRequest{
		Model:    "c",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	require.NoError(t, err)

	var content string
	var last llm.StreamEventKind
	for ev := range ch {
		content += ev.Content
		last = ev.Kind
	}
	assert.Equal(t, "Hello", content)
	assert.Equal(t, llm.StreamDone, last)
}

func TestCompleteStream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"message\":\"overloaded\"}}\n\n")
	}))
	t.Cleanup(server.Close)

	p := NewWithBaseURL("k", server.URL, zap.NewNop())
	ch, err := p.CompleteStream(context.Background(), "s", &llm.CompletionRequest{
		Model:    "c",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	require.NoError(t, err)

	var events []llm.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, llm.StreamError, events[0].Kind)
	assert.Contains(t, events[0].Err.Message, "overloaded")
}

func TestEmbed_Unsupported(t *testing.T) {
	p := New("k", zap.NewNop())
	_, err := p.Embed(context.Background(), "s", &llm.EmbeddingRequest{Model: "m", Input: []string{"x"}})
	require.Error(t, err)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrUnsupported, llmErr.Code)
}

func TestListModels_Fixed(t *testing.T) {
	p := New("k", zap.NewNop())
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Contains(t, models, "claude-3-5-haiku-20241022")
	assert.Len(t, models, 5)
}
