// Package firebox is the top-level service facade: the operation surface a
// local IPC layer calls to configure providers, route aliases, and run
// completions with failover and usage accounting.
//
// Usage:
//
//	svc, err := firebox.New(config.DefaultConfig(), logger)
//	resp, err := svc.Complete(ctx, "fast", &llm.CompletionRequest{...})
package firebox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/firebox/config"
	"github.com/BaSui01/firebox/internal/catalog"
	"github.com/BaSui01/firebox/internal/metrics"
	"github.com/BaSui01/firebox/internal/store"
	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/profile"
	"github.com/BaSui01/firebox/llm/providers/copilot"
	"github.com/BaSui01/firebox/llm/providers/dashscope"
	"github.com/BaSui01/firebox/llm/retry"
	"github.com/BaSui01/firebox/llm/router"
)

// Version is the service version reported by /healthz and the version command.
const Version = "0.4.0"

// Service wires the encrypted store, profile registry, alias router, model
// catalog, and usage metrics into one operation surface.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	registry *profile.Registry
	router   *router.Router
	catalog  *catalog.Catalog
	usage    *metrics.Usage
	prom     *metrics.Collector
	logger   *zap.Logger
	started  time.Time

	providers *providerCache
}

// New builds a service from configuration. Legacy keyring credentials are
// migrated into the store before the router loads its rules.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var st *store.Store
	if cfg.Store.Dir != "" {
		st = store.NewAt(cfg.Store.Dir, logger)
	} else {
		var err error
		st, err = store.New(logger)
		if err != nil {
			return nil, err
		}
	}

	registry := profile.NewRegistry(st, logger)
	registry.MigrateLegacy()

	rt, err := router.New(st, logger)
	if err != nil {
		return nil, err
	}

	var prom *metrics.Collector
	if cfg.Metrics.PrometheusEnabled {
		prom = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}
	usage := metrics.NewUsage(prom)

	var catalogOpts []catalog.Option
	if cfg.Catalog.APIURL != "" {
		catalogOpts = append(catalogOpts, catalog.WithAPIURL(cfg.Catalog.APIURL))
	}
	cat := catalog.New(logger, catalogOpts...)

	s := &Service{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		router:    rt,
		catalog:   cat,
		usage:     usage,
		prom:      prom,
		logger:    logger.With(zap.String("component", "firebox")),
		started:   time.Now(),
		providers: newProviderCache(registry),
	}

	if cfg.Catalog.PrefetchOnStart {
		s.prefetchCatalog(context.Background())
	}

	return s, nil
}

// prefetchCatalog warms the model catalog with the configured retry policy.
// Failures are logged; the service never refuses to start over metadata.
func (s *Service) prefetchCatalog(ctx context.Context) {
	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxRetries:   s.cfg.Retry.MaxRetries,
		InitialDelay: s.cfg.Retry.InitialDelay,
		MaxDelay:     s.cfg.Retry.MaxDelay,
		Multiplier:   s.cfg.Retry.Multiplier,
		Jitter:       s.cfg.Retry.Jitter,
	}, s.logger)

	if err := retryer.Do(ctx, func() error { return s.catalog.Refresh(ctx) }); err != nil {
		s.logger.Warn("catalog prefetch failed", zap.Error(err))
	}
}

// Usage returns the process usage collector (for the debug listener).
func (s *Service) Usage() *metrics.Usage { return s.usage }

// PromCollector returns the Prometheus collector, nil when disabled.
func (s *Service) PromCollector() *metrics.Collector { return s.prom }

// Catalog returns the model metadata catalog.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// StorePath returns the location of the encrypted store file.
func (s *Service) StorePath() string { return s.store.Path() }

// =============================================================================
// Provider management
// =============================================================================

// ProviderInfo describes one configured provider profile.
type ProviderInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	BaseURL     string `json:"base_url,omitempty"`
}

// ConfigureProvider persists a profile and registers it in the index.
// Re-configuring an existing id overwrites the stored profile.
func (s *Service) ConfigureProvider(id string, cfg *profile.Config) error {
	if err := s.registry.Configure(id, cfg); err != nil {
		return err
	}
	if err := s.registry.AddToIndex(id); err != nil {
		return err
	}
	s.providers.invalidate(id)
	s.logger.Info("provider configured",
		zap.String("provider", id),
		zap.String("type", cfg.TypeSlug()))
	return nil
}

// RemoveProvider deletes a profile together with its display name,
// enabled-model state, and index entry.
func (s *Service) RemoveProvider(id string) error {
	if err := s.registry.Remove(id); err != nil {
		return err
	}
	s.providers.invalidate(id)
	s.logger.Info("provider removed", zap.String("provider", id))
	return nil
}

// IsConfigured reports whether a profile exists and parses.
func (s *Service) IsConfigured(id string) bool {
	return s.registry.IsConfigured(id)
}

// ListProviders returns the configured profiles in index order.
func (s *Service) ListProviders() ([]ProviderInfo, error) {
	index, err := s.registry.Index()
	if err != nil {
		return nil, err
	}
	out := make([]ProviderInfo, 0, len(index))
	for _, id := range index {
		info := ProviderInfo{ID: id, DisplayName: s.registry.DisplayName(id)}
		if cfg, err := s.registry.LoadConfig(id); err == nil {
			info.Type = cfg.TypeSlug()
			info.BaseURL = cfg.BaseURL()
		}
		out = append(out, info)
	}
	return out, nil
}

// UpdateProviderMetadata changes a profile's display name and/or base URL.
func (s *Service) UpdateProviderMetadata(id, displayName, baseURL string) error {
	if err := s.registry.UpdateMetadata(id, displayName, baseURL); err != nil {
		return err
	}
	s.providers.invalidate(id)
	return nil
}

// =============================================================================
// Routing
// =============================================================================

// SetRoute installs an alias rule with its ordered failover targets.
func (s *Service) SetRoute(alias string, targets []router.Target) error {
	return s.router.SetRule(alias, targets)
}

// DeleteRoute removes an alias rule.
func (s *Service) DeleteRoute(alias string) error {
	return s.router.DeleteRule(alias)
}

// Routes returns all alias rules.
func (s *Service) Routes() []router.Rule {
	return s.router.Rules()
}

// ResolveAlias resolves an alias to its first target. An alias without a rule
// resolves to the default provider with the alias as the model id.
func (s *Service) ResolveAlias(alias string) (router.Target, error) {
	target, err := s.router.ResolveAlias(alias)
	if err != nil {
		return router.Target{}, err
	}
	return s.substituteDefault(target), nil
}

// substituteDefault maps the sentinel "default" provider id to the provider
// configured in llm.default_provider.
func (s *Service) substituteDefault(target router.Target) router.Target {
	if target.ProviderID == "default" && s.cfg.LLM.DefaultProvider != "" {
		target.ProviderID = s.cfg.LLM.DefaultProvider
	}
	return target
}

// ToggleModel flips a model's enabled state for a provider.
func (s *Service) ToggleModel(providerID, modelID string, enabled bool) error {
	all, err := s.allModels(context.Background(), providerID)
	if err != nil {
		all = nil
	}
	return s.router.ToggleModel(providerID, modelID, enabled, all)
}

// =============================================================================
// Completion operations
// =============================================================================

// Complete resolves the alias and walks the failover chain until a target
// succeeds or the chain is exhausted. Every attempt is timed and recorded.
func (s *Service) Complete(ctx context.Context, alias string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	sessionID := uuid.NewString()

	target, err := s.ResolveAlias(alias)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for {
		resp, err := s.completeTarget(ctx, sessionID, target, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}

		next, ok := s.router.NextTarget(alias, target.ProviderID)
		if !ok {
			return nil, lastErr
		}
		s.logger.Warn("failing over to next target",
			zap.String("session_id", sessionID),
			zap.String("alias", alias),
			zap.String("from_provider", target.ProviderID),
			zap.String("to_provider", next.ProviderID),
			zap.Error(err))
		target = s.substituteDefault(next)
	}
}

func (s *Service) completeTarget(ctx context.Context, sessionID string, target router.Target, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	provider, err := s.providers.get(target.ProviderID)
	if err != nil {
		return nil, err
	}

	attempt := *req
	attempt.Model = target.ModelID

	timer := s.usage.StartTimer(target.ProviderID, target.ModelID)
	defer timer.Finish()

	resp, err := provider.Complete(ctx, sessionID, &attempt)
	if err != nil {
		return nil, err
	}

	var prompt, completion int
	if resp.Usage != nil {
		prompt = resp.Usage.PromptTokens
		completion = resp.Usage.CompletionTokens
	}
	timer.Success(prompt, completion, s.catalog.EstimateCostCents(target.ModelID, prompt, completion))

	return resp, nil
}

// CompleteStream resolves the alias and opens a stream. Only connection
// establishment fails over; once a channel is handed out, mid-stream errors
// surface to the caller as stream events.
func (s *Service) CompleteStream(ctx context.Context, alias string, req *llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	sessionID := uuid.NewString()

	target, err := s.ResolveAlias(alias)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for {
		events, err := s.openStream(ctx, sessionID, target, req)
		if err == nil {
			return events, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}

		next, ok := s.router.NextTarget(alias, target.ProviderID)
		if !ok {
			return nil, lastErr
		}
		s.logger.Warn("stream failing over to next target",
			zap.String("session_id", sessionID),
			zap.String("alias", alias),
			zap.String("from_provider", target.ProviderID),
			zap.String("to_provider", next.ProviderID),
			zap.Error(err))
		target = s.substituteDefault(next)
	}
}

func (s *Service) openStream(ctx context.Context, sessionID string, target router.Target, req *llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	provider, err := s.providers.get(target.ProviderID)
	if err != nil {
		return nil, err
	}

	attempt := *req
	attempt.Model = target.ModelID

	upstream, err := provider.CompleteStream(ctx, sessionID, &attempt)
	if err != nil {
		s.usage.RecordFailure(target.ProviderID, target.ModelID, 0)
		return nil, err
	}

	out := make(chan llm.StreamEvent)
	timer := s.usage.StartTimer(target.ProviderID, target.ModelID)
	go func() {
		defer close(out)
		defer timer.Finish()
		for event := range upstream {
			switch event.Kind {
			case llm.StreamDone:
				timer.Success(0, 0, 0)
			case llm.StreamError:
				timer.Failure()
			}
			select {
			case out <- event:
			case <-ctx.Done():
				// 调用方取消且不再消费，记失败并放弃转发
				timer.Failure()
				return
			}
		}
	}()
	return out, nil
}

// Embed runs an embedding request against a specific provider.
func (s *Service) Embed(ctx context.Context, providerID string, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	provider, err := s.providers.get(providerID)
	if err != nil {
		return nil, err
	}
	return provider.Embed(ctx, uuid.NewString(), req)
}

// ListModels returns the provider's models filtered by enablement state.
func (s *Service) ListModels(ctx context.Context, providerID string) ([]string, error) {
	all, err := s.allModels(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return s.router.ListEnabledModels(providerID, all), nil
}

func (s *Service) allModels(ctx context.Context, providerID string) ([]string, error) {
	provider, err := s.providers.get(providerID)
	if err != nil {
		return nil, err
	}
	return provider.ListModels(ctx)
}

// HealthCheck probes a configured provider.
func (s *Service) HealthCheck(ctx context.Context, providerID string) (*llm.HealthStatus, error) {
	provider, err := s.providers.get(providerID)
	if err != nil {
		return nil, err
	}
	return provider.HealthCheck(ctx)
}

// =============================================================================
// OAuth entry points
// =============================================================================

// AuthenticateCopilot runs the GitHub device flow, saves the token to the
// credential store, and configures the "copilot" profile.
// onPrompt receives the code the user must enter at the verification URI.
func (s *Service) AuthenticateCopilot(ctx context.Context, onPrompt func(*copilot.DeviceCodeResponse)) error {
	provider, err := copilot.Authenticate(ctx, "", onPrompt, s.logger)
	if err != nil {
		return err
	}
	if err := provider.SaveToKeyring(); err != nil {
		s.logger.Warn("failed to save copilot token to keyring", zap.Error(err))
	}
	return s.ConfigureProvider("copilot", profile.NewCopilot(provider.OAuthToken(), ""))
}

// AuthenticateDashScope runs the Qwen PKCE device flow, saves the credentials,
// and configures the "dashscope" profile.
func (s *Service) AuthenticateDashScope(ctx context.Context, onPrompt func(*dashscope.DeviceCodeResponse)) error {
	flow := dashscope.NewQwenOAuthFlow("", s.logger)
	device, err := flow.Start(ctx)
	if err != nil {
		return err
	}
	if onPrompt != nil {
		onPrompt(device)
	}
	creds, err := flow.WaitForToken(ctx)
	if err != nil {
		return err
	}
	if err := dashscope.SaveCredentials(creds); err != nil {
		s.logger.Warn("failed to save dashscope credentials to keyring", zap.Error(err))
	}
	return s.ConfigureProvider("dashscope", profile.NewDashScope(creds))
}

// =============================================================================
// Metrics
// =============================================================================

// UsageReport bundles the aggregate snapshot with the per-provider breakdown.
type UsageReport struct {
	Snapshot  metrics.Snapshot          `json:"snapshot"`
	Providers []metrics.ProviderMetrics `json:"providers"`
}

// MetricsSnapshot returns usage accumulated since the service started.
func (s *Service) MetricsSnapshot() UsageReport {
	return UsageReport{
		Snapshot:  s.usage.Snapshot(s.started.UnixMilli(), time.Now().UnixMilli()),
		Providers: s.usage.ProviderBreakdown(),
	}
}
