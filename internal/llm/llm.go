package llm

import (
	"Aria_AI/internal/models"
	"context"
	"fmt"
)

// StreamEvent 是流式生成通道中的单个元素。
// Resp 携带一个增量片段；Err 非 nil 表示流以错误终止，之后通道关闭。
// 正常结束时通道直接关闭，不发送终止元素。
type StreamEvent struct {
	Resp *models.GenerateContentResponse
	Err  error
}

// LLM 定义了所有大型语言模型客户端必须实现的通用接口。
type LLM interface {
	GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) (<-chan StreamEvent, error)
}

// NewLLM 是一个工厂函数，根据提供的配置创建并返回一个实现了 LLM 接口的客户端。
//
// 参数:
//
//	provider: LLM 提供商 (例如: "gemini", "openai", "ollama")。
//	model: 要使用的模型名称。
//	apiKey: 模型的 API 密钥。
//	baseURL: 模型的服务基础 URL (可选)。
//
// 返回值:
//
//	LLM: 新创建的 LLM 客户端实例。
//	error: 如果提供商不支持或客户端初始化失败，则返回错误。
func NewLLM(provider, model, apiKey, baseURL string) (LLM, error) {
	switch provider {
	case "gemini":
		return NewGemini(context.Background(), model, apiKey)
	case "openai":
		return NewOpenAI(model, apiKey)
	case "ollama":
		return NewOllama(model, baseURL)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}
}
