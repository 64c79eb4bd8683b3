// Package llamacpp adapts a local llama.cpp inference server.
//
// The server speaks the OpenAI-compatible protocol on /v1; this package adds
// local process management (spawning llama-server from a GGUF model file) and
// model-path persistence in the OS credential store.
package llamacpp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/providers"
	"go.uber.org/zap"
)

const (
	defaultServerURL   = "http://localhost:8080"
	defaultContextSize = 4096
)

// Config describes a local llama.cpp inference engine.
type Config struct {
	// ModelPath is the path to the GGUF model file.
	ModelPath string
	// ContextSize is the context window in tokens (0 selects 4096).
	ContextSize int
	// GPULayers is the number of layers offloaded to the GPU.
	GPULayers int
	// Threads is the number of inference threads (0 lets the server decide).
	Threads int
	// ServerURL points at an already-running llama.cpp server
	// (empty selects http://localhost:8080).
	ServerURL string
}

// Provider implements llm.Provider against a llama.cpp server.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates a llama.cpp provider with the given configuration.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.ContextSize == 0 {
		cfg.ContextSize = defaultContextSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
		logger: logger.With(zap.String("component", "provider"), zap.String("provider", "llamacpp")),
	}
}

// FromModelPath creates a provider for a GGUF model with default settings.
func FromModelPath(path string, logger *zap.Logger) *Provider {
	return New(Config{ModelPath: path}, logger)
}

// FromServerURL creates a provider that connects to a running server.
func FromServerURL(url string, logger *zap.Logger) *Provider {
	return New(Config{ServerURL: url}, logger)
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "llamacpp" }

// Config returns the current configuration.
func (p *Provider) Config() Config { return p.cfg }

func (p *Provider) serverURL() string {
	if p.cfg.ServerURL != "" {
		return strings.TrimRight(p.cfg.ServerURL, "/")
	}
	return defaultServerURL
}

func (p *Provider) doChat(ctx context.Context, req *llm.CompletionRequest, stream bool) (*http.Response, error) {
	body := providers.OpenAICompatRequest{
		Model:       req.Model,
		Messages:    providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL()+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.UpstreamErrorMessage("llama.cpp", resp.StatusCode, providers.ReadErrorMessage(resp.Body))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}
	return resp, nil
}

// Complete sends a synchronous chat request to the local server.
func (p *Provider) Complete(ctx context.Context, sessionID string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.logger.Debug("sending completion request",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	resp, err := p.doChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var oaResp providers.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, providers.ConnectError(err, p.Name())
	}
	return providers.ToCompletionResponse(oaResp, p.Name()), nil
}

// CompleteStream sends a streaming chat request to the local server.
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	p.logger.Debug("starting completion stream",
		zap.String("session_id", sessionID),
		zap.String("model", req.Model))

	resp, err := p.doChat(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return providers.StreamSSE(ctx, resp.Body, p.Name()), nil
}

// Embed is not implemented by this adapter.
func (p *Provider) Embed(ctx context.Context, sessionID string, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	return nil, &llm.Error{
		Code:     llm.ErrUnsupported,
		Message:  "llama.cpp provider: embeddings are not implemented",
		Provider: p.Name(),
	}
}

// ListModels queries the server's model list, falling back to the
// configured model filename when the server is unreachable.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	models, err := providers.ListModelsOpenAICompat(
		ctx, p.client, p.serverURL(), "", p.Name(), "/v1/models", providers.BearerTokenHeaders,
	)
	if err == nil && len(models) > 0 {
		return models, nil
	}

	name := filepath.Base(p.cfg.ModelPath)
	if p.cfg.ModelPath == "" || name == "." || name == string(filepath.Separator) {
		if err != nil {
			return nil, err
		}
		return nil, &llm.Error{
			Code:     llm.ErrConfiguration,
			Message:  "llama.cpp provider: no model file configured",
			Provider: p.Name(),
		}
	}
	return []string{name}, nil
}
