package llamacpp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/BaSui01/firebox/internal/keyring"
	"github.com/BaSui01/firebox/llm"
	"go.uber.org/zap"
)

const (
	keyringService   = "fire-box-llamacpp"
	keyringModelPath = "model-path"
)

// SpawnServer starts a local llama-server process for the configured model.
//
// llama-server must be on PATH. The caller owns the returned process and is
// responsible for terminating it on shutdown.
func (p *Provider) SpawnServer() (*exec.Cmd, error) {
	if _, err := os.Stat(p.cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", p.cfg.ModelPath)
	}

	args := []string{
		"-m", p.cfg.ModelPath,
		"-c", strconv.Itoa(p.cfg.ContextSize),
	}
	if p.cfg.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(p.cfg.GPULayers))
	}
	if p.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(p.cfg.Threads))
	}
	if p.cfg.ServerURL != "" {
		if u, err := url.Parse(p.cfg.ServerURL); err == nil {
			if port := u.Port(); port != "" {
				args = append(args, "--port", port)
			}
			if host := u.Hostname(); host != "" {
				args = append(args, "--host", host)
			}
		}
	}

	cmd := exec.Command("llama-server", args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn llama-server (is it on PATH?): %w", err)
	}

	p.logger.Info("spawned llama-server",
		zap.String("model_path", p.cfg.ModelPath),
		zap.Int("pid", cmd.Process.Pid))
	return cmd, nil
}

// HealthCheck probes the server's /health endpoint, falling back to
// /v1/models for older llama.cpp builds.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	healthy := p.probe(ctx, p.serverURL()+"/health") || p.probe(ctx, p.serverURL()+"/v1/models")
	latency := time.Since(start)

	if !healthy {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, &llm.Error{
			Code:      llm.ErrUpstreamError,
			Message:   fmt.Sprintf("llama.cpp server at %s is not responding", p.serverURL()),
			Retryable: true,
			Provider:  p.Name(),
		}
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// SaveModelPathToKeyring persists the model path in the OS credential store.
// Runtime parameters (context size, GPU layers, threads) are not persisted.
func (p *Provider) SaveModelPathToKeyring() error {
	if p.cfg.ModelPath == "" {
		return fmt.Errorf("no model path configured")
	}
	return keyring.SetPassword(keyringService, keyringModelPath, p.cfg.ModelPath)
}

// FromKeyring constructs a provider from the stored model path
// with default configuration.
func FromKeyring(logger *zap.Logger) (*Provider, error) {
	path, err := keyring.GetPassword(keyringService, keyringModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load llama.cpp model path: %w", err)
	}
	return FromModelPath(path, logger), nil
}
