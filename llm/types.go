package llm

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`  // 0 表示使用后端默认值
	Temperature float32   `json:"temperature,omitempty"` // 0 表示使用后端默认值
	Stream      bool      `json:"stream,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type CompletionResponse struct {
	ID        string    `json:"id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model"`
	Choices   []Choice  `json:"choices"`
	Usage     *Usage    `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Embedding 保留上游返回的位置序号，向量顺序与输入顺序对应。
type Embedding struct {
	Index  int       `json:"index"`
	Vector []float32 `json:"vector"`
}

type EmbeddingResponse struct {
	Model      string      `json:"model,omitempty"`
	Embeddings []Embedding `json:"embeddings"`
	Usage      *Usage      `json:"usage,omitempty"`
}

// StreamEventKind 标识流式事件类型。
type StreamEventKind string

const (
	StreamDelta StreamEventKind = "delta" // 增量文本
	StreamDone  StreamEventKind = "done"  // 正常结束（每条流恰好一次）
	StreamError StreamEventKind = "error" // 终止错误，替代 Done
)

// StreamEvent 是流式响应通道上的单个事件。
// 实现方保证：Delta* 之后以 Done 或 Error 收尾，随后关闭通道。
type StreamEvent struct {
	Kind    StreamEventKind `json:"kind"`
	Content string          `json:"content,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// DeltaEvent 构造增量文本事件。
func DeltaEvent(content string) StreamEvent {
	return StreamEvent{Kind: StreamDelta, Content: content}
}

// DoneEvent 构造正常结束事件。
func DoneEvent() StreamEvent {
	return StreamEvent{Kind: StreamDone}
}

// ErrorEvent 构造终止错误事件。
func ErrorEvent(err *Error) StreamEvent {
	return StreamEvent{Kind: StreamError, Err: err}
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}
