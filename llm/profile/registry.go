package profile

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/BaSui01/firebox/internal/keyring"
	"github.com/BaSui01/firebox/internal/store"
	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/providers/dashscope"
	"go.uber.org/zap"
)

// Registry manages named provider profiles on top of the encrypted store.
type Registry struct {
	store  *store.Store
	logger *zap.Logger
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(s *store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  s,
		logger: logger.With(zap.String("component", "profile_registry")),
	}
}

// Configure persists a profile under the given name.
// Re-configuring an existing name silently overwrites it.
// Profile names may be any UTF-8 string, including CJK characters.
func (r *Registry) Configure(name string, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode profile %q: %w", name, err)
	}
	return r.store.Update(func(d *store.Data) {
		d.Providers[name] = string(data)
	})
}

// LoadConfig returns the raw configuration of a profile.
func (r *Registry) LoadConfig(name string) (*Config, error) {
	data, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	raw, ok := data.Providers[name]
	if !ok {
		return nil, &llm.Error{
			Code:    llm.ErrConfiguration,
			Message: fmt.Sprintf("provider profile %q not found", name),
		}
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode profile %q: %w", name, err)
	}
	return &cfg, nil
}

// Load instantiates a live provider from a stored profile.
func (r *Registry) Load(name string) (llm.Provider, error) {
	cfg, err := r.LoadConfig(name)
	if err != nil {
		return nil, err
	}
	return cfg.Build(r.logger)
}

// Remove deletes a profile, its display name, and its index entry.
func (r *Registry) Remove(name string) error {
	return r.store.Update(func(d *store.Data) {
		delete(d.Providers, name)
		delete(d.DisplayNames, name)
		delete(d.EnabledModels, name)
		d.ProviderIndex = slices.DeleteFunc(d.ProviderIndex, func(id string) bool {
			return id == name
		})
	})
}

// IsConfigured reports whether a profile exists and parses.
func (r *Registry) IsConfigured(name string) bool {
	_, err := r.LoadConfig(name)
	return err == nil
}

// Index returns the ordered list of configured profile IDs.
func (r *Registry) Index() ([]string, error) {
	data, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	return data.ProviderIndex, nil
}

// AddToIndex appends a profile ID to the index (no-op if present).
func (r *Registry) AddToIndex(name string) error {
	return r.store.Update(func(d *store.Data) {
		if !slices.Contains(d.ProviderIndex, name) {
			d.ProviderIndex = append(d.ProviderIndex, name)
		}
	})
}

// UpdateMetadata changes a profile's display name and/or base URL without
// re-authentication. Empty arguments leave the corresponding field untouched.
// Base URL updates apply to OpenAI-compatible and Anthropic profiles only.
func (r *Registry) UpdateMetadata(name, displayName, baseURL string) error {
	if baseURL != "" {
		cfg, err := r.LoadConfig(name)
		if err != nil {
			return err
		}
		switch {
		case cfg.OpenAI != nil:
			cfg.OpenAI.BaseURL = baseURL
		case cfg.Anthropic != nil:
			cfg.Anthropic.BaseURL = baseURL
		}
		if err := r.Configure(name, cfg); err != nil {
			return err
		}
	}
	if displayName != "" {
		return r.store.Update(func(d *store.Data) {
			d.DisplayNames[name] = displayName
		})
	}
	return nil
}

// DisplayName resolves the human-readable name of a profile: the custom
// display name if set, otherwise a name derived from the provider type,
// with the profile ID appended when it differs from the type slug.
func (r *Registry) DisplayName(name string) string {
	if data, err := r.store.Load(); err == nil {
		if custom, ok := data.DisplayNames[name]; ok {
			return custom
		}
	}

	slug := ""
	if cfg, err := r.LoadConfig(name); err == nil {
		slug = cfg.TypeSlug()
	}
	base := map[string]string{
		"openai":    "OpenAI",
		"anthropic": "Anthropic",
		"copilot":   "GitHub Copilot",
		"dashscope": "DashScope (Qwen)",
		"llamacpp":  "llama.cpp",
	}[slug]
	if base == "" {
		return name
	}
	if name == slug {
		return base
	}
	return fmt.Sprintf("%s - %s", base, name)
}

// MigrateLegacy populates the index from the five well-known legacy profile
// IDs and pulls OAuth credentials out of their provider-specific keyring
// locations. Idempotent; safe to call on every startup.
func (r *Registry) MigrateLegacy() {
	index, err := r.Index()
	if err != nil {
		r.logger.Warn("legacy migration skipped", zap.Error(err))
		return
	}
	has := func(id string) bool { return slices.Contains(index, id) }

	for _, id := range []string{"openai", "anthropic", "llamacpp"} {
		if !has(id) && r.IsConfigured(id) {
			if err := r.AddToIndex(id); err != nil {
				r.logger.Warn("failed to index legacy profile", zap.String("profile", id), zap.Error(err))
			}
		}
	}

	if !has("copilot") {
		if token, err := keyring.GetPassword("fire-box-copilot", "github-oauth"); err == nil {
			cfg := NewCopilot(token, "")
			if r.Configure("copilot", cfg) == nil {
				if err := r.AddToIndex("copilot"); err != nil {
					r.logger.Warn("failed to index migrated copilot profile", zap.Error(err))
				}
			}
		}
	}

	if !has("dashscope") {
		if creds, err := dashscope.LoadCredentials(); err == nil {
			cfg := NewDashScope(creds)
			if r.Configure("dashscope", cfg) == nil {
				if err := r.AddToIndex("dashscope"); err != nil {
					r.logger.Warn("failed to index migrated dashscope profile", zap.Error(err))
				}
			}
		}
	}
}
