package models

import "time"

// Content 包含了构成单个消息的多个部分。
type Content struct {
	// 可选。构成单个消息的部分列表。
	Parts []*Part `json:"parts,omitempty"`
	// 可选。内容的生产者。
	Role SpeakerRole `json:"role,omitempty"`
}

// Part 定义了消息的单个部分。本服务只处理文本，多模态内容由外部协作方负责。
type Part struct {
	// 可选。文本部分。
	Text string `json:"text,omitempty"`
}

// GenerationParams 是调用方可以覆盖的生成参数。
type GenerationParams struct {
	Model       string  `json:"model,omitempty"`       // 模型名称，空则使用默认模型
	Temperature float32 `json:"temperature,omitempty"` // 采样温度
	MaxTokens   int     `json:"max_tokens,omitempty"`  // 生成上限
}

// GenerateContentRequest 定义了生成内容的请求结构。
type GenerateContentRequest struct {
	Content []Content        `json:"content,omitempty"` // 请求的内容列表。
	Params  GenerationParams `json:"params,omitempty"`  // 生成参数。
}

// GenerateContentResponse 定义了生成内容的响应结构。
type GenerateContentResponse struct {
	Content      []Content `json:"content,omitempty"`      // 响应的内容列表。
	CreateTime   time.Time `json:"createTime,omitempty"`   // 响应创建时间。
	ResponseID   string    `json:"responseId,omitempty"`   // 响应ID。
	ModelVersion string    `json:"modelVersion,omitempty"` // 模型版本。
}

// Text 拼接响应中的全部文本片段。
func (r *GenerateContentResponse) Text() string {
	var out string
	for _, c := range r.Content {
		for _, p := range c.Parts {
			out += p.Text
		}
	}
	return out
}

// ChatRequest 是同步与流式聊天接口共用的请求体。
// Message 与 Messages 二选一；userID 由认证中间件解析，不出现在请求体里。
type ChatRequest struct {
	Message   string            `json:"message,omitempty"`
	Messages  []Content         `json:"messages,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Params    *GenerationParams `json:"params,omitempty"`
}

// ChatResponse 是非流式聊天接口的同步响应。
type ChatResponse struct {
	Answer    string                 `json:"answer"`
	SessionID string                 `json:"session_id"`
	Ts        time.Time              `json:"ts"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// 流式响应的事件类型。每个流以 meta 开始，经过零或多个 delta，
// 以恰好一个 done 或 error 结束。
const (
	EventMeta  = "meta"
	EventDelta = "delta"
	EventError = "error"
	EventDone  = "done"
)

// MetaEvent 是流开始时发送的元信息帧。
type MetaEvent struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// DeltaEvent 携带一个非空的增量文本片段，按发送顺序拼接即为完整回答。
type DeltaEvent struct {
	Text string `json:"text"`
}

// ErrorEvent 是流失败时发送的唯一终止帧。
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DoneEvent 是流成功时发送的唯一终止帧。
type DoneEvent struct {
	OK bool `json:"ok"`
}
