package embedding

import (
	"fmt"
	"strings"
)

// NewEmdModel 按提供商创建 Embedding 模型实例。
// provider 支持 "gemini"、"openai"、"ollama"（大小写不敏感）；
// baseURL 仅 ollama 需要，apiKey 仅云端提供商需要。
// 返回的实例用于记忆召回和后台嵌入任务，两条路径共享同一份配置。
func NewEmdModel(provider, model, apiKey, baseURL string) (Embedding, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gemini":
		return NewGoogleModel(model, apiKey)
	case "openai":
		return NewOpenAIModel(model, apiKey)
	case "ollama":
		return NewOllamaModel(model, baseURL)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", provider)
	}
}
