package metrics

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// 📈 请求用量统计
// =============================================================================

// Snapshot 是某时间窗口内的聚合用量。
type Snapshot struct {
	WindowStartMs         int64   `json:"window_start_ms"`
	WindowEndMs           int64   `json:"window_end_ms"`
	RequestsTotal         uint64  `json:"requests_total"`
	RequestsFailed        uint64  `json:"requests_failed"`
	PromptTokensTotal     uint64  `json:"prompt_tokens_total"`
	CompletionTokensTotal uint64  `json:"completion_tokens_total"`
	LatencyAvgMs          uint64  `json:"latency_avg_ms"`
	CostTotal             float64 `json:"cost_total"`
}

// ProviderMetrics 是按 provider/model 细分的用量。
type ProviderMetrics struct {
	ProviderID            string  `json:"provider_id"`
	ModelID               string  `json:"model_id,omitempty"`
	RequestsTotal         uint64  `json:"requests_total"`
	RequestsFailed        uint64  `json:"requests_failed"`
	PromptTokensTotal     uint64  `json:"prompt_tokens_total"`
	CompletionTokensTotal uint64  `json:"completion_tokens_total"`
	CostTotal             float64 `json:"cost_total"`
}

type providerCounters struct {
	requestsTotal    atomic.Uint64
	requestsFailed   atomic.Uint64
	promptTokens     atomic.Uint64
	completionTokens atomic.Uint64
	costCentiCents   atomic.Uint64
}

// Usage 收集进程内请求用量，计数全部为原子操作。
// 成本以 1/100 美分为单位存储，避免浮点累加误差。
// 可选地把每次记录镜像到 Prometheus Collector。
type Usage struct {
	requestsTotal    atomic.Uint64
	requestsSuccess  atomic.Uint64
	requestsFailed   atomic.Uint64
	promptTokens     atomic.Uint64
	completionTokens atomic.Uint64
	latencySumMs     atomic.Uint64
	latencyCount     atomic.Uint64
	costCentiCents   atomic.Uint64

	mu        sync.RWMutex
	providers map[string]*providerCounters

	prom *Collector // 可为 nil
}

// NewUsage 创建用量收集器。prom 非 nil 时每次记录同步导出 Prometheus 指标。
func NewUsage(prom *Collector) *Usage {
	return &Usage{
		providers: make(map[string]*providerCounters),
		prom:      prom,
	}
}

func costToCentiCents(costCents float64) uint64 {
	if costCents <= 0 {
		return 0
	}
	return uint64(costCents * 100.0)
}

func (u *Usage) providerCountersFor(providerID, modelID string) *providerCounters {
	key := providerID + ":" + modelID

	u.mu.RLock()
	pc, ok := u.providers[key]
	u.mu.RUnlock()
	if ok {
		return pc
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if pc, ok := u.providers[key]; ok {
		return pc
	}
	pc = &providerCounters{}
	u.providers[key] = pc
	return pc
}

// RecordSuccess 记录一次成功请求。costCents 以美分计。
func (u *Usage) RecordSuccess(providerID, modelID string, promptTokens, completionTokens int, latency time.Duration, costCents float64) {
	u.requestsTotal.Add(1)
	u.requestsSuccess.Add(1)
	u.promptTokens.Add(uint64(promptTokens))
	u.completionTokens.Add(uint64(completionTokens))
	u.latencySumMs.Add(uint64(latency.Milliseconds()))
	u.latencyCount.Add(1)
	u.costCentiCents.Add(costToCentiCents(costCents))

	if providerID != "" {
		pc := u.providerCountersFor(providerID, modelID)
		pc.requestsTotal.Add(1)
		pc.promptTokens.Add(uint64(promptTokens))
		pc.completionTokens.Add(uint64(completionTokens))
		pc.costCentiCents.Add(costToCentiCents(costCents))
	}

	if u.prom != nil {
		u.prom.RecordLLMRequest(providerID, modelID, "success", latency, promptTokens, completionTokens, costCents/100.0)
	}
}

// RecordFailure 记录一次失败请求。
func (u *Usage) RecordFailure(providerID, modelID string, latency time.Duration) {
	u.requestsTotal.Add(1)
	u.requestsFailed.Add(1)
	u.latencySumMs.Add(uint64(latency.Milliseconds()))
	u.latencyCount.Add(1)

	if providerID != "" {
		pc := u.providerCountersFor(providerID, modelID)
		pc.requestsTotal.Add(1)
		pc.requestsFailed.Add(1)
	}

	if u.prom != nil {
		u.prom.RecordLLMRequest(providerID, modelID, "failure", latency, 0, 0, 0)
	}
}

// Snapshot 返回当前聚合用量。平均延迟按整数毫秒截断。
func (u *Usage) Snapshot(windowStartMs, windowEndMs int64) Snapshot {
	latencySum := u.latencySumMs.Load()
	latencyCount := u.latencyCount.Load()
	var latencyAvg uint64
	if latencyCount > 0 {
		latencyAvg = latencySum / latencyCount
	}

	return Snapshot{
		WindowStartMs:         windowStartMs,
		WindowEndMs:           windowEndMs,
		RequestsTotal:         u.requestsTotal.Load(),
		RequestsFailed:        u.requestsFailed.Load(),
		PromptTokensTotal:     u.promptTokens.Load(),
		CompletionTokensTotal: u.completionTokens.Load(),
		LatencyAvgMs:          latencyAvg,
		CostTotal:             float64(u.costCentiCents.Load()) / 100.0,
	}
}

// ProviderBreakdown 返回按 provider/model 细分的用量。
func (u *Usage) ProviderBreakdown() []ProviderMetrics {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]ProviderMetrics, 0, len(u.providers))
	for key, pc := range u.providers {
		providerID, modelID, _ := strings.Cut(key, ":")
		out = append(out, ProviderMetrics{
			ProviderID:            providerID,
			ModelID:               modelID,
			RequestsTotal:         pc.requestsTotal.Load(),
			RequestsFailed:        pc.requestsFailed.Load(),
			PromptTokensTotal:     pc.promptTokens.Load(),
			CompletionTokensTotal: pc.completionTokens.Load(),
			CostTotal:             float64(pc.costCentiCents.Load()) / 100.0,
		})
	}
	return out
}

// Reset 清零全部计数。
func (u *Usage) Reset() {
	u.requestsTotal.Store(0)
	u.requestsSuccess.Store(0)
	u.requestsFailed.Store(0)
	u.promptTokens.Store(0)
	u.completionTokens.Store(0)
	u.latencySumMs.Store(0)
	u.latencyCount.Store(0)
	u.costCentiCents.Store(0)

	u.mu.Lock()
	u.providers = make(map[string]*providerCounters)
	u.mu.Unlock()
}

// =============================================================================
// ⏱️ 请求计时器
// =============================================================================

// RequestTimer 对单次请求计时。
// 调用方必须 defer Finish()；未显式记录结果的计时器按失败入账。
type RequestTimer struct {
	usage      *Usage
	providerID string
	modelID    string
	start      time.Time
	recorded   bool
}

// StartTimer 开始一次请求计时。
func (u *Usage) StartTimer(providerID, modelID string) *RequestTimer {
	return &RequestTimer{
		usage:      u,
		providerID: providerID,
		modelID:    modelID,
		start:      time.Now(),
	}
}

// Success 记录成功并停止计时。
func (t *RequestTimer) Success(promptTokens, completionTokens int, costCents float64) {
	if t.recorded {
		return
	}
	t.recorded = true
	t.usage.RecordSuccess(t.providerID, t.modelID, promptTokens, completionTokens, time.Since(t.start), costCents)
}

// Failure 记录失败并停止计时。
func (t *RequestTimer) Failure() {
	if t.recorded {
		return
	}
	t.recorded = true
	t.usage.RecordFailure(t.providerID, t.modelID, time.Since(t.start))
}

// Finish 结束计时；尚未记录结果时按失败入账。
func (t *RequestTimer) Finish() {
	if !t.recorded {
		t.Failure()
	}
}

// =============================================================================
// 🌐 进程级单例
// =============================================================================

var (
	defaultUsage *Usage
	defaultOnce  sync.Once
)

// Default 返回进程级用量收集器（不带 Prometheus 镜像）。
func Default() *Usage {
	defaultOnce.Do(func() {
		defaultUsage = NewUsage(nil)
	})
	return defaultUsage
}
