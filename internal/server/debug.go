package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/firebox/internal/metrics"
)

// =============================================================================
// 🩺 调试路由
// =============================================================================

// DebugHandler 聚合调试监听端点的全部路由
type DebugHandler struct {
	mux     *http.ServeMux
	usage   *metrics.Usage
	prom    *metrics.Collector
	logger  *zap.Logger
	version string
	started time.Time
}

// NewDebugHandler 创建调试路由。usage 与 prom 均可为 nil。
func NewDebugHandler(usage *metrics.Usage, prom *metrics.Collector, version string, logger *zap.Logger) *DebugHandler {
	h := &DebugHandler{
		mux:     http.NewServeMux(),
		usage:   usage,
		prom:    prom,
		logger:  logger.With(zap.String("component", "debug_handler")),
		version: version,
		started: time.Now(),
	}

	h.mux.Handle("/metrics", promhttp.Handler())
	h.mux.HandleFunc("/healthz", h.handleHealthz)
	h.mux.HandleFunc("/usage", h.handleUsage)

	return h
}

func (h *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	h.mux.ServeHTTP(rec, r)

	if h.prom != nil {
		h.prom.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	}
}

// statusRecorder 捕获下游写入的状态码
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handleHealthz 返回进程健康状态
func (h *DebugHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// handleUsage 返回进程内用量快照与按 provider/model 的细分
func (h *DebugHandler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "usage collection disabled",
		})
		return
	}

	nowMs := time.Now().UnixMilli()
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":  h.usage.Snapshot(h.started.UnixMilli(), nowMs),
		"providers": h.usage.ProviderBreakdown(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
