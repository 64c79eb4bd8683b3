package router

import (
	"testing"

	"github.com/BaSui01/firebox/internal/keyring"
	"github.com/BaSui01/firebox/internal/store"
	"github.com/BaSui01/firebox/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (*Router, *store.Store) {
	t.Helper()
	keyring.MockInit()
	s := store.NewAt(t.TempDir(), zap.NewNop())
	r, err := New(s, zap.NewNop())
	require.NoError(t, err)
	return r, s
}

func TestResolveAlias_WithoutRule(t *testing.T) {
	r, _ := newTestRouter(t)

	target, err := r.ResolveAlias("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, Target{ProviderID: "default", ModelID: "gpt-4o"}, target)
}

func TestResolveAlias_WithRule(t *testing.T) {
	r, _ := newTestRouter(t)

	require.NoError(t, r.SetRule("my-model", []Target{
		{ProviderID: "openai", ModelID: "gpt-4o"},
		{ProviderID: "anthropic", ModelID: "claude-sonnet-4-5-20251001"},
	}))

	target, err := r.ResolveAlias("my-model")
	require.NoError(t, err)
	assert.Equal(t, Target{ProviderID: "openai", ModelID: "gpt-4o"}, target)
}

func TestResolveAlias_EmptyTargets(t *testing.T) {
	r, _ := newTestRouter(t)

	require.NoError(t, r.SetRule("broken", nil))
	_, err := r.ResolveAlias("broken")
	require.Error(t, err)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrConfiguration, llmErr.Code)
}

func TestNextTarget(t *testing.T) {
	r, _ := newTestRouter(t)

	require.NoError(t, r.SetRule("my-model", []Target{
		{ProviderID: "openai", ModelID: "gpt-4o"},
		{ProviderID: "anthropic", ModelID: "claude-sonnet-4-5-20251001"},
		{ProviderID: "llamacpp", ModelID: "llama-7b"},
	}))

	next, ok := r.NextTarget("my-model", "openai")
	require.True(t, ok)
	assert.Equal(t, "anthropic", next.ProviderID)

	next, ok = r.NextTarget("my-model", "anthropic")
	require.True(t, ok)
	assert.Equal(t, "llamacpp", next.ProviderID)

	_, ok = r.NextTarget("my-model", "llamacpp")
	assert.False(t, ok)

	_, ok = r.NextTarget("my-model", "unknown-provider")
	assert.False(t, ok)

	_, ok = r.NextTarget("no-such-alias", "openai")
	assert.False(t, ok)
}

func TestDeleteRule(t *testing.T) {
	r, _ := newTestRouter(t)

	require.NoError(t, r.SetRule("m", []Target{{ProviderID: "openai", ModelID: "gpt-4o"}}))
	require.NoError(t, r.DeleteRule("m"))

	_, ok := r.Rule("m")
	assert.False(t, ok)

	// Deleted rule means the alias falls back to direct model reference.
	target, err := r.ResolveAlias("m")
	require.NoError(t, err)
	assert.Equal(t, "default", target.ProviderID)
}

func TestRulesPersistAcrossInstances(t *testing.T) {
	r, s := newTestRouter(t)

	require.NoError(t, r.SetRule("fast", []Target{
		{ProviderID: "ollama", ModelID: "llama3"},
	}))
	require.NoError(t, r.SaveEnabledModels("openai", []string{"gpt-4o"}))

	// 新实例从存储重新加载
	r2, err := New(s, zap.NewNop())
	require.NoError(t, err)

	target, err := r2.ResolveAlias("fast")
	require.NoError(t, err)
	assert.Equal(t, "ollama", target.ProviderID)
	assert.True(t, r2.IsModelEnabled("openai", "gpt-4o"))
	assert.False(t, r2.IsModelEnabled("openai", "gpt-3.5-turbo"))
}

func TestModelEnabledState(t *testing.T) {
	r, _ := newTestRouter(t)

	// 未设置限制时全部启用
	assert.True(t, r.IsModelEnabled("openai", "gpt-4o"))

	require.NoError(t, r.SaveEnabledModels("openai", []string{"gpt-4o"}))
	assert.True(t, r.IsModelEnabled("openai", "gpt-4o"))
	assert.False(t, r.IsModelEnabled("openai", "gpt-3.5-turbo"))
}

func TestToggleModel(t *testing.T) {
	r, _ := newTestRouter(t)
	all := []string{"gpt-4o", "gpt-4o-mini"}

	// 首次关闭以完整列表为基线
	require.NoError(t, r.ToggleModel("openai", "gpt-4o-mini", false, all))
	assert.True(t, r.IsModelEnabled("openai", "gpt-4o"))
	assert.False(t, r.IsModelEnabled("openai", "gpt-4o-mini"))

	require.NoError(t, r.ToggleModel("openai", "gpt-4o-mini", true, all))
	assert.True(t, r.IsModelEnabled("openai", "gpt-4o-mini"))

	// 重复启用不产生重复项
	require.NoError(t, r.ToggleModel("openai", "gpt-4o-mini", true, all))
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, r.ListEnabledModels("openai", all))
}

func TestListEnabledModels_DefaultsToAll(t *testing.T) {
	r, _ := newTestRouter(t)
	all := []string{"a", "b"}
	assert.Equal(t, all, r.ListEnabledModels("openai", all))
}
