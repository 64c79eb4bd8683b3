// Package profile stores named provider configurations and turns them into
// live llm.Provider instances.
//
// A profile is a (name, Config) pair persisted JSON-encoded in the encrypted
// local store. Several profiles of the same provider type can coexist under
// different names.
package profile

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/providers/anthropic"
	"github.com/BaSui01/firebox/llm/providers/copilot"
	"github.com/BaSui01/firebox/llm/providers/dashscope"
	"github.com/BaSui01/firebox/llm/providers/llamacpp"
	"github.com/BaSui01/firebox/llm/providers/openai"
	"go.uber.org/zap"
)

// Wire tags for the "provider" discriminator field.
const (
	tagOpenAI    = "open_ai"
	tagAnthropic = "anthropic"
	tagCopilot   = "copilot"
	tagDashScope = "dash_scope"
	tagLlamaCpp  = "llama_cpp"
)

// OpenAIParams configures an OpenAI-compatible endpoint
// (OpenAI itself, Ollama, vLLM, or anything speaking the same protocol).
type OpenAIParams struct {
	// APIKey may be empty for endpoints without authentication (e.g. Ollama).
	APIKey string `json:"api_key"`
	// BaseURL overrides the default https://api.openai.com/v1 endpoint.
	BaseURL string `json:"base_url,omitempty"`
}

// AnthropicParams configures the Anthropic Claude API.
type AnthropicParams struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
}

// CopilotParams configures GitHub Copilot.
// An empty OAuthToken means the device flow has not completed yet.
type CopilotParams struct {
	OAuthToken string `json:"oauth_token,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// DashScopeParams configures Alibaba Cloud DashScope (Qwen OAuth only).
type DashScopeParams struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ExpiryDate   int64  `json:"expiry_date,omitempty"`
	BaseURL      string `json:"base_url,omitempty"`
}

// LlamaCppParams configures the local llama.cpp runner.
type LlamaCppParams struct {
	ModelPath   string `json:"model_path"`
	ContextSize int    `json:"context_size,omitempty"`
	GPULayers   int    `json:"gpu_layers,omitempty"`
	Threads     int    `json:"threads,omitempty"`
}

// Config is the union of all provider configurations.
// Exactly one of the parameter fields is non-nil.
//
// The JSON form is internally tagged: {"provider":"open_ai","api_key":...}.
type Config struct {
	OpenAI    *OpenAIParams
	Anthropic *AnthropicParams
	Copilot   *CopilotParams
	DashScope *DashScopeParams
	LlamaCpp  *LlamaCppParams
}

// TypeSlug returns the canonical slug for the configured provider type.
// The openai slug also covers Ollama and vLLM.
func (c *Config) TypeSlug() string {
	switch {
	case c.OpenAI != nil:
		return "openai"
	case c.Anthropic != nil:
		return "anthropic"
	case c.Copilot != nil:
		return "copilot"
	case c.DashScope != nil:
		return "dashscope"
	case c.LlamaCpp != nil:
		return "llamacpp"
	default:
		return ""
	}
}

// BaseURL returns the custom endpoint if one is configured.
func (c *Config) BaseURL() string {
	switch {
	case c.OpenAI != nil:
		return c.OpenAI.BaseURL
	case c.Anthropic != nil:
		return c.Anthropic.BaseURL
	case c.Copilot != nil:
		return c.Copilot.Endpoint
	case c.DashScope != nil:
		return c.DashScope.ResourceURL
	default:
		return ""
	}
}

func (c *Config) wireTag() (string, any, error) {
	switch {
	case c.OpenAI != nil:
		return tagOpenAI, c.OpenAI, nil
	case c.Anthropic != nil:
		return tagAnthropic, c.Anthropic, nil
	case c.Copilot != nil:
		return tagCopilot, c.Copilot, nil
	case c.DashScope != nil:
		return tagDashScope, c.DashScope, nil
	case c.LlamaCpp != nil:
		return tagLlamaCpp, c.LlamaCpp, nil
	default:
		return "", nil, fmt.Errorf("empty provider config")
	}
}

// MarshalJSON emits the internally-tagged form.
func (c *Config) MarshalJSON() ([]byte, error) {
	tag, params, err := c.wireTag()
	if err != nil {
		return nil, err
	}
	inner, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	// Splice the discriminator into the params object.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, err
	}
	fields["provider"] = json.RawMessage(fmt.Sprintf("%q", tag))
	return json.Marshal(fields)
}

// UnmarshalJSON parses the internally-tagged form.
func (c *Config) UnmarshalJSON(data []byte) error {
	var tag struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	*c = Config{}
	switch tag.Provider {
	case tagOpenAI:
		c.OpenAI = &OpenAIParams{}
		return json.Unmarshal(data, c.OpenAI)
	case tagAnthropic:
		c.Anthropic = &AnthropicParams{}
		return json.Unmarshal(data, c.Anthropic)
	case tagCopilot:
		c.Copilot = &CopilotParams{}
		return json.Unmarshal(data, c.Copilot)
	case tagDashScope:
		c.DashScope = &DashScopeParams{}
		return json.Unmarshal(data, c.DashScope)
	case tagLlamaCpp:
		c.LlamaCpp = &LlamaCppParams{}
		return json.Unmarshal(data, c.LlamaCpp)
	default:
		return fmt.Errorf("unknown provider type %q", tag.Provider)
	}
}

// Convenience constructors.

// NewOpenAI configures OpenAI with an optional custom base URL.
func NewOpenAI(apiKey, baseURL string) *Config {
	return &Config{OpenAI: &OpenAIParams{APIKey: apiKey, BaseURL: baseURL}}
}

// NewOllama configures a local Ollama endpoint (no authentication).
func NewOllama(baseURL string) *Config {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return &Config{OpenAI: &OpenAIParams{BaseURL: baseURL}}
}

// NewVLLM configures a vLLM endpoint with an optional API key.
func NewVLLM(apiKey, baseURL string) *Config {
	if baseURL == "" {
		baseURL = "http://localhost:8000/v1"
	}
	return &Config{OpenAI: &OpenAIParams{APIKey: apiKey, BaseURL: baseURL}}
}

// NewAnthropic configures the Anthropic API.
func NewAnthropic(apiKey, baseURL string) *Config {
	return &Config{Anthropic: &AnthropicParams{APIKey: apiKey, BaseURL: baseURL}}
}

// NewCopilot configures GitHub Copilot with an existing OAuth token.
func NewCopilot(oauthToken, endpoint string) *Config {
	return &Config{Copilot: &CopilotParams{OAuthToken: oauthToken, Endpoint: endpoint}}
}

// NewCopilotPending configures a Copilot profile awaiting device-flow login.
func NewCopilotPending(endpoint string) *Config {
	return &Config{Copilot: &CopilotParams{Endpoint: endpoint}}
}

// NewDashScope configures DashScope from Qwen OAuth credentials.
func NewDashScope(creds *dashscope.OAuthCredentials) *Config {
	return &Config{DashScope: &DashScopeParams{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ResourceURL:  creds.ResourceURL,
		ExpiryDate:   creds.ExpiryDate,
	}}
}

// NewLlamaCpp configures a local llama.cpp runner with default settings.
func NewLlamaCpp(modelPath string) *Config {
	return &Config{LlamaCpp: &LlamaCppParams{ModelPath: modelPath, ContextSize: 4096}}
}

// Build instantiates a live provider from this configuration.
func (c *Config) Build(logger *zap.Logger) (llm.Provider, error) {
	switch {
	case c.OpenAI != nil:
		return openai.New(openai.Config{
			APIKey:  c.OpenAI.APIKey,
			BaseURL: c.OpenAI.BaseURL,
		}, logger), nil
	case c.Anthropic != nil:
		if c.Anthropic.BaseURL != "" {
			return anthropic.NewWithBaseURL(c.Anthropic.APIKey, c.Anthropic.BaseURL, logger), nil
		}
		return anthropic.New(c.Anthropic.APIKey, logger), nil
	case c.Copilot != nil:
		if c.Copilot.OAuthToken == "" {
			return nil, &llm.Error{
				Code:     llm.ErrConfiguration,
				Message:  "Copilot profile has no OAuth token; run the device flow first",
				Provider: "copilot",
			}
		}
		if c.Copilot.Endpoint != "" {
			return copilot.NewWithEndpoint(c.Copilot.OAuthToken, c.Copilot.Endpoint, logger), nil
		}
		return copilot.New(c.Copilot.OAuthToken, logger), nil
	case c.DashScope != nil:
		creds := &dashscope.OAuthCredentials{
			AccessToken:  c.DashScope.AccessToken,
			RefreshToken: c.DashScope.RefreshToken,
			ResourceURL:  c.DashScope.ResourceURL,
			ExpiryDate:   c.DashScope.ExpiryDate,
		}
		if c.DashScope.BaseURL != "" {
			return dashscope.NewWithBaseURL(creds, c.DashScope.BaseURL, logger), nil
		}
		return dashscope.New(creds, logger), nil
	case c.LlamaCpp != nil:
		return llamacpp.New(llamacpp.Config{
			ModelPath:   c.LlamaCpp.ModelPath,
			ContextSize: c.LlamaCpp.ContextSize,
			GPULayers:   c.LlamaCpp.GPULayers,
			Threads:     c.LlamaCpp.Threads,
		}, logger), nil
	default:
		return nil, &llm.Error{
			Code:    llm.ErrConfiguration,
			Message: "empty provider config",
		}
	}
}
