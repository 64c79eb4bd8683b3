// =============================================================================
// 📦 FireBox 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Debug:   DefaultDebugConfig(),
		LLM:     DefaultLLMConfig(),
		Retry:   DefaultRetryConfig(),
		Store:   DefaultStoreConfig(),
		Catalog: DefaultCatalogConfig(),
		Metrics: DefaultMetricsConfig(),
		Log:     DefaultLogConfig(),
	}
}

// DefaultDebugConfig 返回默认调试监听端点配置
func DefaultDebugConfig() DebugConfig {
	return DebugConfig{
		Enabled:         false,
		Addr:            "127.0.0.1:9090",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultLLMConfig 返回默认上游调用配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider: "default",
		Timeout:         2 * time.Minute,
	}
}

// DefaultRetryConfig 返回默认重试策略配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// DefaultStoreConfig 返回默认加密存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Dir: "", // 运行时解析为 <user-config-dir>/fire-box
	}
}

// DefaultCatalogConfig 返回默认模型目录配置
func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		APIURL:          "", // 运行时解析为 models.dev 默认地址
		PrefetchOnStart: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		PrometheusEnabled: false,
		Namespace:         "firebox",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
