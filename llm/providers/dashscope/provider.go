package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/providers"
	"go.uber.org/zap"
)

const (
	// NativeBaseURL 是 DashScope 原生文本生成端点（中国大陆）。
	NativeBaseURL = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"

	// NativeBaseURLIntl 是国际版端点。
	NativeBaseURLIntl = "https://dashscope-intl.aliyuncs.com/api/v1/services/aigc/text-generation/generation"

	generationPath = "/api/v1/services/aigc/text-generation/generation"
)

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		},
	}
}

// Provider 实现阿里云 DashScope 原生协议适配。
//
// 认证仅支持 Qwen OAuth2: 访问令牌作为 Bearer 发送，
// 并附带 X-DashScope-AuthType: oauth 头。
type Provider struct {
	creds   *OAuthCredentials
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New 使用 OAuth 凭据创建 DashScope Provider。
func New(creds *OAuthCredentials, logger *zap.Logger) *Provider {
	return NewWithBaseURL(creds, NativeBaseURL, logger)
}

// NewWithBaseURL 使用自定义生成端点创建 Provider（国际版或测试用）。
func NewWithBaseURL(creds *OAuthCredentials, baseURL string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		creds:   creds,
		baseURL: baseURL,
		client:  newHTTPClient(),
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", "dashscope")),
	}
}

// FromKeyring 从系统凭据存储恢复 Provider。
func FromKeyring(logger *zap.Logger) (*Provider, error) {
	creds, err := LoadCredentials()
	if err != nil {
		return nil, err
	}
	return New(creds, logger), nil
}

// Name 返回 Provider 标识。
func (p *Provider) Name() string { return "dashscope" }

// Credentials 返回当前 OAuth 凭据。
func (p *Provider) Credentials() *OAuthCredentials { return p.creds }

// SaveToKeyring 把当前凭据写入系统凭据存储。
func (p *Provider) SaveToKeyring() error {
	return SaveCredentials(p.creds)
}

// Endpoint 返回实际使用的生成端点。
//
// 凭据带有 resource_url 时优先使用: 已含 "/generation" 则原样使用，
// 否则在其后追加标准生成路径。
func (p *Provider) Endpoint() string {
	if ru := p.creds.ResourceURL; ru != "" {
		if strings.Contains(ru, "/generation") {
			return ru
		}
		return strings.TrimRight(ru, "/") + generationPath
	}
	return p.baseURL
}

// 原生协议线格式

type nativeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type nativeRequest struct {
	Model      string           `json:"model"`
	Input      nativeInput      `json:"input"`
	Parameters nativeParameters `json:"parameters"`
}

type nativeInput struct {
	Messages []nativeMessage `json:"messages"`
}

type nativeParameters struct {
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
	ResultFormat string  `json:"result_format"`
}

type nativeResponse struct {
	Output *nativeOutput `json:"output"`
	Usage  *nativeUsage  `json:"usage"`
}

type nativeOutput struct {
	Choices []nativeChoice `json:"choices"`
	Text    string         `json:"text"`
}

type nativeChoice struct {
	Message      *nativeMessage `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type nativeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toNativeMessages(messages []llm.Message) []nativeMessage {
	out := make([]nativeMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, nativeMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (p *Provider) callNative(ctx context.Context, req *llm.CompletionRequest) (*nativeResponse, error) {
	body := nativeRequest{
		Model: req.Model,
		Input: nativeInput{Messages: toNativeMessages(req.Messages)},
		Parameters: nativeParameters{
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
			ResultFormat: "message",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.creds.AccessToken)
	httpReq.Header.Set("X-DashScope-AuthType", "oauth")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.UpstreamErrorMessage("DashScope", resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var native nativeResponse
	if err := json.NewDecoder(resp.Body).Decode(&native); err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	return &native, nil
}

// Complete 发起同步生成请求。
func (p *Provider) Complete(ctx context.Context, sessionID string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.logger.Debug("sending completion request",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	native, err := p.callNative(ctx, req)
	if err != nil {
		return nil, err
	}

	var content, finishReason string
	if native.Output != nil {
		if len(native.Output.Choices) > 0 {
			c := native.Output.Choices[0]
			finishReason = c.FinishReason
			if c.Message != nil {
				content = c.Message.Content
			}
		}
		if content == "" {
			content = native.Output.Text
		}
	}

	resp := &llm.CompletionResponse{
		Provider: p.Name(),
		Model:    req.Model,
		Choices: []llm.Choice{{
			Index:        0,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
			FinishReason: finishReason,
		}},
		CreatedAt: time.Now(),
	}
	if native.Usage != nil {
		resp.Usage = &llm.Usage{
			PromptTokens:     native.Usage.InputTokens,
			CompletionTokens: native.Usage.OutputTokens,
			TotalTokens:      native.Usage.InputTokens + native.Usage.OutputTokens,
		}
	}
	return resp, nil
}

// CompleteStream 在原生协议下暂不支持流式输出。
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	return nil, &llm.Error{
		Code:     llm.ErrUnsupported,
		Message:  "DashScope provider: streaming is not supported via the native protocol",
		Provider: p.Name(),
	}
}

// Embed 在原生协议下不支持。
func (p *Provider) Embed(ctx context.Context, sessionID string, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, &llm.Error{
		Code:     llm.ErrUnsupported,
		Message:  "DashScope provider: embeddings are not supported via the native protocol",
		Provider: p.Name(),
	}
}

// ListModels 返回 Qwen OAuth 可用的模型类别。
// DashScope 没有公开的模型列表 API。
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"coder-model", "vision-model"}, nil
}

// HealthCheck 检查 OAuth 凭据是否仍然有效。
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	if !p.creds.IsValid() {
		return &llm.HealthStatus{Healthy: false}, &llm.Error{
			Code:     llm.ErrUnauthorized,
			Message:  "DashScope provider: OAuth access token has expired",
			Provider: p.Name(),
		}
	}
	return &llm.HealthStatus{Healthy: true}, nil
}
