// =============================================================================
// FireBox OpenAI-Compatible Provider
// =============================================================================
// Adapter for any endpoint speaking the OpenAI wire protocol: the hosted
// OpenAI API, Ollama, vLLM, and other self-hosted gateways. Backends that
// differ only in base URL and headers reuse this implementation (Copilot and
// llama.cpp build on the same wire types).
// =============================================================================

package openai

import (
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

const defaultBaseURL = "https://api.openai.com/v1"

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier for this provider (e.g., "openai", "ollama").
	ProviderName string

	// Label is the human-readable name used in error messages (e.g., "OpenAI").
	Label string

	// APIKey is the authentication key. Empty for local backends such as Ollama.
	APIKey string

	// BaseURL is the API base including the version prefix
	// (e.g., "https://api.openai.com/v1", "http://localhost:11434/v1").
	BaseURL string

	// Timeout is the HTTP client timeout. Defaults to 120s if zero.
	Timeout time.Duration

	// EndpointPath is the chat completions path. Defaults to "/chat/completions".
	EndpointPath string

	// EmbeddingsPath is the embeddings path. Defaults to "/embeddings".
	EmbeddingsPath string

	// ModelsEndpoint is the models list path. Defaults to "/models".
	ModelsEndpoint string

	// BuildHeaders is an optional function to set custom headers on each request.
	// If nil, the default "Authorization: Bearer <apiKey>" header is used.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider is the OpenAI-compatible implementation of llm.Provider.
type Provider struct {
	Cfg     Config
	Client  *http.Client
	Logger  *zap.Logger
	retryer retry.Retryer
}

var _ llm.Provider = (*Provider)(nil)

// New creates a new OpenAI-compatible provider with the given config.
// Non-streaming completions are retried on transient failures; streaming
// and embeddings are not.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.Label == "" {
		cfg.Label = "OpenAI"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/chat/completions"
	}
	if cfg.EmbeddingsPath == "" {
		cfg.EmbeddingsPath = "/embeddings"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:     cfg,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Logger:  logger.With(zap.String("component", "provider"), zap.String("provider", cfg.ProviderName)),
		retryer: retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), logger),
	}
}

// Ollama returns a provider preset for a local Ollama server.
// Ollama performs no authentication, so the key is left empty.
func Ollama(logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "ollama",
		Label:        "Ollama",
		BaseURL:      "http://localhost:11434/v1",
	}, logger)
}

// VLLM returns a provider preset for a local vLLM server.
func VLLM(apiKey string, logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "vllm",
		Label:        "vLLM",
		APIKey:       apiKey,
		BaseURL:      "http://localhost:8000/v1",
	}, logger)
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

// buildHeaders applies headers to the HTTP request.
func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	providers.BearerTokenHeaders(req, apiKey)
}

// endpoint builds the full URL for a given path.
func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), path)
}

// Complete performs a non-streaming chat completion with retry on
// transient failures.
func (p *Provider) Complete(ctx context.Context, sessionID string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return retry.DoWithResultTyped(p.retryer, ctx, func() (*llm.CompletionResponse, error) {
		return p.complete(ctx, sessionID, req)
	})
}

func (p *Provider) complete(ctx context.Context, sessionID string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	p.Logger.Debug("sending completion request",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.UpstreamErrorMessage(p.Cfg.Label, resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}

	result := providers.ToCompletionResponse(oaResp, p.Name())
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

// CompleteStream performs a streaming chat completion via SSE.
// Connection-establishment failures are returned directly; once the channel
// is handed out, errors surface as terminal StreamError events.
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	p.Logger.Debug("starting completion stream",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.UpstreamErrorMessage(p.Cfg.Label, resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	return providers.StreamSSE(ctx, resp.Body, p.Name()), nil
}

// Embed computes embeddings for the given input.
func (p *Provider) Embed(ctx context.Context, sessionID string, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	body := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: req.Model, Input: req.Input}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EmbeddingsPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	p.Logger.Debug("sending embedding request",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model),
		zap.Int("inputs", len(req.Input)))

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.UpstreamErrorMessage(p.Cfg.Label, resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var embResp struct {
		Model string `json:"model"`
		Data  []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage *providers.OpenAICompatUsage `json:"usage,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}

	out := &llm.EmbeddingResponse{
		Model:      embResp.Model,
		Embeddings: make([]llm.Embedding, 0, len(embResp.Data)),
	}
	for _, d := range embResp.Data {
		out.Embeddings = append(out.Embeddings, llm.Embedding{Index: d.Index, Vector: d.Embedding})
	}
	if embResp.Usage != nil {
		out.Usage = &llm.Usage{
			PromptTokens: embResp.Usage.PromptTokens,
			TotalTokens:  embResp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ListModels returns the list of available model identifiers.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return providers.ListModelsOpenAICompat(
		ctx, p.Client, p.Cfg.BaseURL, p.Cfg.APIKey, p.Cfg.ProviderName,
		p.Cfg.ModelsEndpoint, p.buildHeaders,
	)
}

// HealthCheck verifies the provider is reachable.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check failed: status=%d msg=%s", p.Cfg.ProviderName, resp.StatusCode, msg)
	}

	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}
