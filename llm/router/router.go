// Package router 实现模型别名路由与故障切换目标选择。
//
// 一条路由规则把别名映射到有序的 (provider, model) 目标列表；
// 解析总是返回首个目标，调用方在失败时通过 NextTarget 逐级降级。
package router

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/BaSui01/firebox/internal/store"
	"github.com/BaSui01/firebox/llm"
	"go.uber.org/zap"
)

// Target 是一个具体的路由目标。
type Target struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

// Rule 把别名映射到有序的故障切换目标。
type Rule struct {
	Alias   string   `json:"alias"`
	Targets []Target `json:"targets"`
}

// Router 管理路由规则与模型启用状态，变更同步持久化到加密存储。
type Router struct {
	store  *store.Store
	logger *zap.Logger

	mu            sync.RWMutex
	rules         map[string]Rule
	enabledModels map[string][]string
}

// New 创建 Router 并从存储加载现有规则。
// 无法解析的规则会被跳过并记录警告。
func New(s *store.Store, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		store:         s,
		logger:        logger.With(zap.String("component", "router")),
		rules:         make(map[string]Rule),
		enabledModels: make(map[string][]string),
	}

	data, err := s.Load()
	if err != nil {
		return nil, err
	}
	for alias, raw := range data.RouteRules {
		var rule Rule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			r.logger.Warn("skipping unparseable route rule",
				zap.String("alias", alias), zap.Error(err))
			continue
		}
		r.rules[alias] = rule
	}
	for id, models := range data.EnabledModels {
		r.enabledModels[id] = models
	}
	return r, nil
}

// persistLocked 把当前内存状态写回存储。调用方需持有写锁。
func (r *Router) persistLocked() error {
	rules := make(map[string]string, len(r.rules))
	for alias, rule := range r.rules {
		raw, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("failed to encode route rule %q: %w", alias, err)
		}
		rules[alias] = string(raw)
	}
	enabled := make(map[string][]string, len(r.enabledModels))
	for id, models := range r.enabledModels {
		enabled[id] = slices.Clone(models)
	}
	return r.store.Update(func(d *store.Data) {
		d.RouteRules = rules
		d.EnabledModels = enabled
	})
}

// SetRule 设置别名的路由规则（覆盖同名规则）。
func (r *Router) SetRule(alias string, targets []Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[alias] = Rule{Alias: alias, Targets: targets}
	return r.persistLocked()
}

// Rule 返回别名的路由规则，不存在时第二个返回值为 false。
func (r *Router) Rule(alias string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[alias]
	return rule, ok
}

// Rules 返回全部路由规则。
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out
}

// DeleteRule 删除别名的路由规则（不存在时为 no-op）。
func (r *Router) DeleteRule(alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, alias)
	return r.persistLocked()
}

// ResolveAlias 把别名解析为首个目标。
// 无规则的别名按直接模型引用处理，归属 "default" Provider；
// 有规则但目标为空视为配置错误。
func (r *Router) ResolveAlias(alias string) (Target, error) {
	rule, ok := r.Rule(alias)
	if !ok {
		return Target{ProviderID: "default", ModelID: alias}, nil
	}
	if len(rule.Targets) == 0 {
		return Target{}, &llm.Error{
			Code:    llm.ErrConfiguration,
			Message: fmt.Sprintf("no targets for alias %q", alias),
		}
	}
	return rule.Targets[0], nil
}

// NextTarget 返回当前 Provider 之后的下一个故障切换目标。
// 匹配仅按 provider_id 进行；没有后续目标时第二个返回值为 false。
func (r *Router) NextTarget(alias, currentProviderID string) (Target, bool) {
	rule, ok := r.Rule(alias)
	if !ok {
		return Target{}, false
	}
	idx := slices.IndexFunc(rule.Targets, func(t Target) bool {
		return t.ProviderID == currentProviderID
	})
	if idx < 0 || idx+1 >= len(rule.Targets) {
		return Target{}, false
	}
	return rule.Targets[idx+1], true
}

// 模型启用状态

// EnabledModels 返回 Provider 的启用模型列表。
// 第二个返回值为 false 表示未做任何限制（全部启用）。
func (r *Router) EnabledModels(providerID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models, ok := r.enabledModels[providerID]
	return models, ok
}

// SaveEnabledModels 设置 Provider 的启用模型列表。
func (r *Router) SaveEnabledModels(providerID string, models []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabledModels[providerID] = slices.Clone(models)
	return r.persistLocked()
}

// IsModelEnabled 判断模型是否启用。未设置限制时一律视为启用。
func (r *Router) IsModelEnabled(providerID, modelID string) bool {
	models, ok := r.EnabledModels(providerID)
	if !ok {
		return true
	}
	return slices.Contains(models, modelID)
}

// ToggleModel 切换单个模型的启用状态。
// 首次切换时以 allModels 作为当前启用集合的基线。
func (r *Router) ToggleModel(providerID, modelID string, enabled bool, allModels []string) error {
	current, ok := r.EnabledModels(providerID)
	if !ok {
		current = slices.Clone(allModels)
	}
	if enabled {
		if !slices.Contains(current, modelID) {
			current = append(current, modelID)
		}
	} else {
		current = slices.DeleteFunc(slices.Clone(current), func(m string) bool {
			return m == modelID
		})
	}
	return r.SaveEnabledModels(providerID, current)
}

// ListEnabledModels 返回启用的模型列表，未设置限制时返回 allModels。
func (r *Router) ListEnabledModels(providerID string, allModels []string) []string {
	models, ok := r.EnabledModels(providerID)
	if !ok {
		return slices.Clone(allModels)
	}
	return models
}
