// Package catalog loads vendor/model metadata from models.dev.
// This package is internal and should not be imported by external projects.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 📚 模型目录
// =============================================================================

// DefaultAPIURL 是 models.dev 元数据接口地址
const DefaultAPIURL = "https://models.dev/api.json"

// Vendor 是供应商元数据
type Vendor struct {
	ID     string           `json:"id"`
	Env    []string         `json:"env"`
	NPM    string           `json:"npm"`
	API    string           `json:"api"`
	Name   string           `json:"name"`
	Doc    string           `json:"doc"`
	Models map[string]Model `json:"models"`
}

// Model 是单个模型的元数据
type Model struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Family           string      `json:"family"`
	Attachment       bool        `json:"attachment"`
	Reasoning        bool        `json:"reasoning"`
	ToolCall         bool        `json:"tool_call"`
	StructuredOutput bool        `json:"structured_output"`
	Temperature      bool        `json:"temperature"`
	Knowledge        string      `json:"knowledge,omitempty"`
	ReleaseDate      string      `json:"release_date,omitempty"`
	LastUpdated      string      `json:"last_updated,omitempty"`
	Modalities       *Modalities `json:"modalities,omitempty"`
	OpenWeights      bool        `json:"open_weights"`
	Cost             *Pricing    `json:"cost,omitempty"`
	Limit            *Limits     `json:"limit,omitempty"`
}

// Modalities 是模型支持的输入/输出模态
type Modalities struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// Pricing 是模型定价，单位为每百万 Token 美元
type Pricing struct {
	Input      float64  `json:"input"`
	Output     float64  `json:"output"`
	CacheRead  *float64 `json:"cache_read,omitempty"`
	CacheWrite *float64 `json:"cache_write,omitempty"`
	Reasoning  *float64 `json:"reasoning,omitempty"`
}

// Limits 是模型的 Token 上限
type Limits struct {
	Context uint64  `json:"context"`
	Input   *uint64 `json:"input,omitempty"`
	Output  uint64  `json:"output"`
}

// Catalog 缓存供应商/模型元数据，首次访问时懒加载。
// 所有读写都在互斥锁保护下进行。
type Catalog struct {
	apiURL string
	client *http.Client
	logger *zap.Logger

	mu   sync.Mutex
	data map[string]Vendor // nil 表示尚未加载
}

// Option 配置 Catalog
type Option func(*Catalog)

// WithAPIURL 覆盖元数据接口地址
func WithAPIURL(url string) Option {
	return func(c *Catalog) { c.apiURL = url }
}

// WithHTTPClient 覆盖 HTTP 客户端
func WithHTTPClient(client *http.Client) Option {
	return func(c *Catalog) { c.client = client }
}

// New 创建模型目录
func New(logger *zap.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		apiURL: DefaultAPIURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		logger: logger.With(zap.String("component", "catalog")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh 强制从接口重新下载元数据
func (c *Catalog) Refresh(ctx context.Context) error {
	c.logger.Info("downloading model metadata", zap.String("url", c.apiURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return fmt.Errorf("build metadata request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("metadata API returned status %d", resp.StatusCode)
	}

	var data map[string]Vendor
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("parse metadata JSON: %w", err)
	}

	modelCount := 0
	for _, v := range data {
		modelCount += len(v.Models)
	}
	c.logger.Info("model metadata loaded",
		zap.Int("vendors", len(data)),
		zap.Int("models", modelCount),
	)

	c.mu.Lock()
	c.data = data
	c.mu.Unlock()
	return nil
}

// ensureLoaded 在持锁状态下返回缓存数据，必要时先下载
func (c *Catalog) ensureLoaded(ctx context.Context) (map[string]Vendor, error) {
	c.mu.Lock()
	data := c.data
	c.mu.Unlock()
	if data != nil {
		return data, nil
	}

	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	data = c.data
	c.mu.Unlock()
	return data, nil
}

// Vendor 返回指定供应商的元数据
func (c *Catalog) Vendor(ctx context.Context, vendorID string) (*Vendor, error) {
	data, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := data[vendorID]
	if !ok {
		return nil, fmt.Errorf("vendor %q not found", vendorID)
	}
	return &v, nil
}

// Model 返回指定供应商下某模型的元数据
func (c *Catalog) Model(ctx context.Context, vendorID, modelID string) (*Model, error) {
	v, err := c.Vendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	m, ok := v.Models[modelID]
	if !ok {
		return nil, fmt.Errorf("model %q not found for vendor %q", modelID, vendorID)
	}
	return &m, nil
}

// Vendors 返回全部供应商
func (c *Catalog) Vendors(ctx context.Context) ([]Vendor, error) {
	data, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Vendor, 0, len(data))
	for _, v := range data {
		out = append(out, v)
	}
	return out, nil
}

// Models 返回某供应商的全部模型
func (c *Catalog) Models(ctx context.Context, vendorID string) ([]Model, error) {
	v, err := c.Vendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(v.Models))
	for _, m := range v.Models {
		out = append(out, m)
	}
	return out, nil
}

// FamilyMatch 是按模型家族检索的结果
type FamilyMatch struct {
	VendorID string
	Model    Model
}

// SearchByFamily 按模型家族名检索（大小写不敏感）
func (c *Catalog) SearchByFamily(ctx context.Context, family string) ([]FamilyMatch, error) {
	data, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	var out []FamilyMatch
	for id, v := range data {
		for _, m := range v.Models {
			if strings.EqualFold(m.Family, family) {
				out = append(out, FamilyMatch{VendorID: id, Model: m})
			}
		}
	}
	return out, nil
}

// FindModel 在全部供应商中查找模型 ID，返回首个命中的定价信息。
// 目录未加载或未命中时返回 nil。
func (c *Catalog) FindModel(modelID string) *Model {
	c.mu.Lock()
	data := c.data
	c.mu.Unlock()
	if data == nil {
		return nil
	}
	for _, v := range data {
		if m, ok := v.Models[modelID]; ok {
			return &m
		}
	}
	return nil
}

// Clear 丢弃已缓存的元数据
func (c *Catalog) Clear() {
	c.mu.Lock()
	c.data = nil
	c.mu.Unlock()
}

// =============================================================================
// 💰 成本估算
// =============================================================================

// EstimateCostCents 按定价估算一次请求的成本（美分）。
// 定价单位为每百万 Token 美元。pricing 为 nil 时返回 0。
func EstimateCostCents(pricing *Pricing, promptTokens, completionTokens int) float64 {
	if pricing == nil {
		return 0
	}
	inputUSD := pricing.Input * float64(promptTokens) / 1_000_000.0
	outputUSD := pricing.Output * float64(completionTokens) / 1_000_000.0
	return (inputUSD + outputUSD) * 100.0
}

// EstimateCostCents 估算一次对 modelID 的请求成本（美分）。
// 模型未收录或目录未加载时返回 0。
func (c *Catalog) EstimateCostCents(modelID string, promptTokens, completionTokens int) float64 {
	m := c.FindModel(modelID)
	if m == nil {
		return 0
	}
	return EstimateCostCents(m.Cost, promptTokens, completionTokens)
}
