package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/providers"
	"go.uber.org/zap"
)

const (
	copilotTokenURL     = "https://api.github.com/copilot_internal/v2/token"
	copilotChatEndpoint = "https://api.githubcopilot.com"

	editorVersion = "fire-box/0.4.0"
	integrationID = "fire-box"

	// Copilot 短时令牌在过期前 60 秒内即视为需要刷新
	tokenRefreshMargin = 60
)

// Provider 实现 GitHub Copilot 聊天 API 的适配。
//
// 线格式与 OpenAI 兼容，但认证分两级：长期 GitHub OAuth token
// 通过 copilot_internal/v2/token 兑换短期 Copilot bearer token，
// 后者缓存在内存中并在临近过期时刷新。
type Provider struct {
	oauthToken string
	endpoint   string
	tokenURL   string
	client     *http.Client
	logger     *zap.Logger

	// mu 在兑换请求期间保持持有，避免并发刷新风暴
	mu     sync.Mutex
	cached *cachedToken
}

type cachedToken struct {
	token     string
	expiresAt int64 // unix 秒
}

var _ llm.Provider = (*Provider)(nil)

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		},
	}
}

// New 使用已有的 GitHub OAuth token 创建 Copilot Provider。
func New(oauthToken string, logger *zap.Logger) *Provider {
	return NewWithEndpoint(oauthToken, copilotChatEndpoint, logger)
}

// NewWithEndpoint 使用自定义聊天端点创建 Copilot Provider（测试用）。
func NewWithEndpoint(oauthToken, endpoint string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		oauthToken: oauthToken,
		endpoint:   strings.TrimRight(endpoint, "/"),
		tokenURL:   copilotTokenURL,
		client:     newHTTPClient(),
		logger:     logger.With(zap.String("component", "provider"), zap.String("provider", "copilot")),
	}
}

// Name 返回 Provider 标识。
func (p *Provider) Name() string { return "copilot" }

// Endpoint 返回聊天端点。
func (p *Provider) Endpoint() string { return p.endpoint }

// OAuthToken 返回长期 GitHub OAuth token。
func (p *Provider) OAuthToken() string { return p.oauthToken }

// SetTokenURL 覆盖令牌兑换端点（测试用）。
func (p *Provider) SetTokenURL(url string) { p.tokenURL = url }

// SaveToKeyring 把 GitHub OAuth token 写入系统凭据存储。
func (p *Provider) SaveToKeyring() error {
	return StoreGitHubToken(p.oauthToken)
}

// ExchangeCopilotToken 用 GitHub OAuth token 兑换短期 Copilot bearer token。
// 返回 token 与过期时间（unix 秒）。
func (p *Provider) ExchangeCopilotToken(ctx context.Context, githubToken string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.tokenURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Editor-Plugin-Version", editorVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, oauthError(fmt.Sprintf("Copilot token exchange failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := providers.ReadErrorMessage(resp.Body)
		return "", 0, oauthError(fmt.Sprintf("Copilot token exchange failed: HTTP %d - %s", resp.StatusCode, body))
	}

	var token struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", 0, oauthError(fmt.Sprintf("failed to parse Copilot token: %v", err))
	}
	return token.Token, token.ExpiresAt, nil
}

// ensureToken 返回有效的 Copilot bearer token，必要时刷新。
func (p *Provider) ensureToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().Unix()
	if p.cached != nil && p.cached.expiresAt > now+tokenRefreshMargin {
		return p.cached.token, nil
	}

	token, expiresAt, err := p.ExchangeCopilotToken(ctx, p.oauthToken)
	if err != nil {
		return "", err
	}
	p.cached = &cachedToken{token: token, expiresAt: expiresAt}
	p.logger.Debug("refreshed Copilot token", zap.Int64("expires_at", expiresAt))
	return token, nil
}

func (p *Provider) buildHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Copilot-Integration-Id", integrationID)
}

// Complete 发起同步聊天请求。
func (p *Provider) Complete(ctx context.Context, sessionID string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	token, err := p.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	body := providers.OpenAICompatRequest{
		Model:       req.Model,
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, token)

	p.logger.Debug("sending completion request",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.UpstreamErrorMessage("Copilot", resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	return providers.ToCompletionResponse(oaResp, p.Name()), nil
}

// CompleteStream 发起流式聊天请求。
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	token, err := p.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	body := providers.OpenAICompatRequest{
		Model:       req.Model,
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, token)

	p.logger.Debug("starting completion stream",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.UpstreamErrorMessage("Copilot", resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	return providers.StreamSSE(ctx, resp.Body, p.Name()), nil
}

// Embed 不被 GitHub Copilot API 支持。
func (p *Provider) Embed(ctx context.Context, sessionID string, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, &llm.Error{
		Code:     llm.ErrUnsupported,
		Message:  "Copilot provider: embeddings are not supported by the GitHub Copilot API",
		Provider: p.Name(),
	}
}

// ListModels 查询 Copilot 端点可用的模型。
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	token, err := p.ensureToken(ctx)
	if err != nil {
		return nil, err
	}
	return providers.ListModelsOpenAICompat(
		ctx, p.client, p.endpoint, token, p.Name(), "/v1/models",
		func(r *http.Request, tok string) { p.buildHeaders(r, tok) },
	)
}

// HealthCheck 通过模型列表端点探测可用性。
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.ListModels(ctx)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}
