package llm

import "context"

// 统一的 LLM 错误码，用于对齐 HTTP 状态、可重试性与故障切换策略。
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "LLM_INVALID_REQUEST" // 参数/格式错误
	ErrUnauthorized   ErrorCode = "LLM_UNAUTHORIZED"    // 未授权或密钥失效
	ErrRateLimited    ErrorCode = "LLM_RATE_LIMITED"    // 上游限流
	ErrModelNotFound  ErrorCode = "LLM_MODEL_NOT_FOUND" // 模型或端点不存在
	ErrUpstreamError  ErrorCode = "LLM_UPSTREAM_ERROR"  // 上游 5xx/网络错误
	ErrStream         ErrorCode = "LLM_STREAM"          // 流式传输中断或格式损坏
	ErrUnsupported    ErrorCode = "LLM_UNSUPPORTED"     // Provider 不支持该操作
	ErrConfiguration  ErrorCode = "LLM_CONFIGURATION"   // 本地配置缺失或无效
	ErrOAuth          ErrorCode = "LLM_OAUTH"           // OAuth 授权流程失败
)

type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Provider 定义了统一的 LLM 适配接口，所有后端（OpenAI 兼容、Anthropic、
// Copilot、DashScope、llama.cpp）都实现同一组操作，路由层据此无差别调度。
//
// sessionID 对无状态后端是透传的不透明标识，仅用于日志关联；
// 不支持某操作的 Provider 返回 ErrUnsupported。
type Provider interface {
	// Complete 发起同步聊天请求，返回完整响应
	Complete(ctx context.Context, sessionID string, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream 发起流式聊天请求，返回事件通道。
	// 通道由实现方关闭；Done 或 Error 事件之后不再有任何事件。
	CompleteStream(ctx context.Context, sessionID string, req *CompletionRequest) (<-chan StreamEvent, error)

	// Embed 计算文本向量
	Embed(ctx context.Context, sessionID string, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// ListModels 列出该后端当前可用的模型标识
	ListModels(ctx context.Context) ([]string, error)

	// HealthCheck 执行轻量级健康检查（用于路由探活），返回延迟与可用性信息。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}
