package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/providers"
	"github.com/BaSui01/firebox/llm/retry"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	// Anthropic 要求 max_tokens 必填；请求未指定时使用该值
	defaultMaxTokens = 4096
)

// knownModels 是内置的 Claude 模型清单。
// Anthropic 没有公开的模型列表端点。
var knownModels = []string{
	"claude-opus-4-5-20251001",
	"claude-sonnet-4-5-20251001",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
}

// Provider 实现 Anthropic Messages API 的适配。
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	retryer retry.Retryer
}

var _ llm.Provider = (*Provider)(nil)

// New 使用默认 API 地址创建 Anthropic Provider。
func New(apiKey string, logger *zap.Logger) *Provider {
	return NewWithBaseURL(apiKey, defaultBaseURL, logger)
}

// NewWithBaseURL 使用自定义 API 地址创建 Anthropic Provider（代理或测试用）。
func NewWithBaseURL(apiKey, baseURL string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", "anthropic")),
		retryer: retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), logger),
	}
}

// Name 返回 Provider 标识。
func (p *Provider) Name() string { return "anthropic" }

// BaseURL 返回配置的 API 地址。
func (p *Provider) BaseURL() string { return p.baseURL }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature,omitempty"`
	System      string        `json:"system,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// prepareMessages 把 system 消息从对话序列中剥离。
// Anthropic 将 system 提示作为顶层字段，多条 system 时保留最后一条。
func prepareMessages(msgs []llm.Message) (string, []wireMessage) {
	var system string
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = m.Content
		case llm.RoleUser, llm.RoleAssistant:
			out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return system, out
}

func (p *Provider) buildRequest(req *llm.CompletionRequest, stream bool) wireRequest {
	system, messages := prepareMessages(req.Messages)
	body := wireRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      system,
		Stream:      stream,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = defaultMaxTokens
	}
	return body
}

func (p *Provider) buildHeaders(httpReq *http.Request) {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete 发起同步请求，瞬时故障自动重试。
func (p *Provider) Complete(ctx context.Context, sessionID string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return retry.DoWithResultTyped(p.retryer, ctx, func() (*llm.CompletionResponse, error) {
		return p.complete(ctx, sessionID, req)
	})
}

func (p *Provider) complete(ctx context.Context, sessionID string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	payload, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	p.logger.Debug("sending completion request",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.UpstreamErrorMessage("Anthropic", resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}

	return p.toCompletionResponse(wire), nil
}

func (p *Provider) toCompletionResponse(wire wireResponse) *llm.CompletionResponse {
	var content string
	for _, block := range wire.Content {
		if block.Type == "text" {
			content = block.Text
			break
		}
	}

	resp := &llm.CompletionResponse{
		ID:       wire.ID,
		Provider: p.Name(),
		Model:    wire.Model,
		Choices: []llm.Choice{{
			Index:        0,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
			FinishReason: wire.StopReason,
		}},
	}
	if wire.Usage != nil {
		resp.Usage = &llm.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return resp
}

// CompleteStream 发起流式请求。
// Anthropic 的 SSE 事件自带 type 字段：content_block_delta 携带增量，
// message_stop 表示正常结束，error 为终止错误。
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	payload, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	p.logger.Debug("starting completion stream",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.UpstreamErrorMessage("Anthropic", resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	return p.streamEvents(ctx, resp), nil
}

func (p *Provider) streamEvents(ctx context.Context, resp *http.Response) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent, 16)

	go func() {
		defer close(ch)
		defer providers.SafeCloseBody(resp.Body)

		send := func(ev llm.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				send(llm.DoneEvent())
				return
			}

			var event struct {
				Type  string `json:"type"`
				Delta struct {
					Text string `json:"text"`
				} `json:"delta"`
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				send(llm.ErrorEvent(&llm.Error{
					Code:     llm.ErrStream,
					Message:  fmt.Sprintf("failed to parse SSE event: %v", err),
					Provider: p.Name(),
				}))
				return
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					if !send(llm.DeltaEvent(event.Delta.Text)) {
						return
					}
				}
			case "message_stop":
				send(llm.DoneEvent())
				return
			case "error":
				msg := event.Error.Message
				if msg == "" {
					msg = "unknown error"
				}
				send(llm.ErrorEvent(&llm.Error{
					Code:     llm.ErrStream,
					Message:  fmt.Sprintf("Anthropic error: %s", msg),
					Provider: p.Name(),
				}))
				return
			}
			// message_start / content_block_start / ping 等事件忽略
		}

		if err := scanner.Err(); err != nil {
			send(llm.ErrorEvent(&llm.Error{
				Code:     llm.ErrStream,
				Message:  fmt.Sprintf("stream read failed: %v", err),
				Provider: p.Name(),
			}))
			return
		}

		send(llm.DoneEvent())
	}()

	return ch
}

// Embed 不被 Anthropic API 支持。
func (p *Provider) Embed(ctx context.Context, sessionID string, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, &llm.Error{
		Code:     llm.ErrUnsupported,
		Message:  "Anthropic provider: embeddings are not supported by the Anthropic API",
		Provider: p.Name(),
	}
}

// ListModels 返回内置的 Claude 模型清单。
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	out := make([]string, len(knownModels))
	copy(out, knownModels)
	return out, nil
}

// HealthCheck 以最小请求探测 API 可达性与凭证有效性。
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.complete(ctx, "health-check", &llm.CompletionRequest{
		Model:     knownModels[len(knownModels)-1],
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}
