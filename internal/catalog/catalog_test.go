package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const fixtureJSON = `{
	"openai": {
		"id": "openai",
		"env": ["OPENAI_API_KEY"],
		"npm": "@ai-sdk/openai",
		"api": "https://api.openai.com/v1",
		"name": "OpenAI",
		"doc": "https://platform.openai.com/docs",
		"models": {
			"gpt-4o": {
				"id": "gpt-4o",
				"name": "GPT-4o",
				"family": "gpt",
				"tool_call": true,
				"temperature": true,
				"cost": {"input": 2.5, "output": 10.0},
				"limit": {"context": 128000, "output": 16384}
			},
			"gpt-4o-mini": {
				"id": "gpt-4o-mini",
				"name": "GPT-4o mini",
				"family": "gpt",
				"cost": {"input": 0.15, "output": 0.6}
			}
		}
	},
	"anthropic": {
		"id": "anthropic",
		"env": ["ANTHROPIC_API_KEY"],
		"npm": "@ai-sdk/anthropic",
		"api": "https://api.anthropic.com/v1",
		"name": "Anthropic",
		"doc": "https://docs.anthropic.com",
		"models": {
			"claude-sonnet-4-5-20251001": {
				"id": "claude-sonnet-4-5-20251001",
				"name": "Claude Sonnet 4.5",
				"family": "claude",
				"reasoning": true,
				"cost": {"input": 3.0, "output": 15.0}
			}
		}
	}
}`

func newTestCatalog(t *testing.T) (*Catalog, *atomic.Int64) {
	t.Helper()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(fixtureJSON))
	}))
	t.Cleanup(server.Close)

	return New(zap.NewNop(), WithAPIURL(server.URL)), &hits
}

func TestCatalog_VendorAndModel(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	vendor, err := c.Vendor(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "OpenAI", vendor.Name)
	assert.Equal(t, []string{"OPENAI_API_KEY"}, vendor.Env)
	assert.Len(t, vendor.Models, 2)

	model, err := c.Model(ctx, "openai", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt", model.Family)
	assert.True(t, model.ToolCall)
	require.NotNil(t, model.Limit)
	assert.Equal(t, uint64(128000), model.Limit.Context)
}

func TestCatalog_NotFound(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Vendor(ctx, "nope")
	assert.ErrorContains(t, err, `vendor "nope" not found`)

	_, err = c.Model(ctx, "openai", "nope")
	assert.ErrorContains(t, err, `model "nope" not found`)
}

func TestCatalog_CachesAcrossCalls(t *testing.T) {
	c, hits := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Vendors(ctx)
	require.NoError(t, err)
	_, err = c.Models(ctx, "anthropic")
	require.NoError(t, err)
	_, err = c.Vendor(ctx, "openai")
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())

	// Refresh 绕过缓存
	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, int64(2), hits.Load())
}

func TestCatalog_ClearDropsCache(t *testing.T) {
	c, hits := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Vendors(ctx)
	require.NoError(t, err)

	c.Clear()
	assert.Nil(t, c.FindModel("gpt-4o"))

	_, err = c.Vendors(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestCatalog_SearchByFamily(t *testing.T) {
	c, _ := newTestCatalog(t)
	ctx := context.Background()

	matches, err := c.SearchByFamily(ctx, "GPT")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, "openai", m.VendorID)
	}

	matches, err = c.SearchByFamily(ctx, "claude")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "anthropic", matches[0].VendorID)

	matches, err = c.SearchByFamily(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCatalog_FindModel(t *testing.T) {
	c, _ := newTestCatalog(t)

	// 未加载时返回 nil
	assert.Nil(t, c.FindModel("gpt-4o"))

	require.NoError(t, c.Refresh(context.Background()))

	m := c.FindModel("claude-sonnet-4-5-20251001")
	require.NotNil(t, m)
	assert.Equal(t, "claude", m.Family)

	assert.Nil(t, c.FindModel("missing"))
}

func TestCatalog_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	c := New(zap.NewNop(), WithAPIURL(server.URL))
	err := c.Refresh(context.Background())
	assert.ErrorContains(t, err, "status 500")
}

func TestEstimateCostCents(t *testing.T) {
	tests := []struct {
		name             string
		pricing          *Pricing
		promptTokens     int
		completionTokens int
		want             float64
	}{
		{
			name:    "nil pricing",
			pricing: nil,
			want:    0,
		},
		{
			// 2.5 USD/M 输入 + 10 USD/M 输出
			name:             "gpt-4o rates",
			pricing:          &Pricing{Input: 2.5, Output: 10.0},
			promptTokens:     1_000_000,
			completionTokens: 100_000,
			want:             350.0, // 2.5 + 1.0 USD = 350 美分
		},
		{
			name:             "small request",
			pricing:          &Pricing{Input: 3.0, Output: 15.0},
			promptTokens:     1000,
			completionTokens: 500,
			want:             1.05,
		},
		{
			name:    "zero tokens",
			pricing: &Pricing{Input: 2.5, Output: 10.0},
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateCostCents(tt.pricing, tt.promptTokens, tt.completionTokens)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestCatalog_EstimateCostCents(t *testing.T) {
	c, _ := newTestCatalog(t)
	require.NoError(t, c.Refresh(context.Background()))

	got := c.EstimateCostCents("gpt-4o", 1_000_000, 100_000)
	assert.InDelta(t, 350.0, got, 0.0001)

	assert.Equal(t, float64(0), c.EstimateCostCents("missing", 1000, 1000))
}
