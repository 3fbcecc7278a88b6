package llm

import (
	"Aria_AI/internal/models"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	olla "github.com/ollama/ollama/api"
)

// Ollama 是一个用于 Ollama API 的 LLM 客户端。
type Ollama struct {
	client *olla.Client // Ollama 客户端实例。
	model  string       // 要使用的模型名称。
}

// NewOllama 创建一个新的 Ollama 客户端。
//
// 参数:
//
//	model: 要使用的模型名称。
//	baseURL: Ollama 服务的基准 URL。如果为空，则默认为 "http://localhost:11434"。
//
// 返回值:
//
//	*Ollama: 新创建的 Ollama 客户端实例。
//	error: 如果基准 URL 无效，则返回错误。
func NewOllama(model, baseURL string) (*Ollama, error) {
	// 如果 baseURL 为空，则使用默认地址。
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	// 将字符串 URL 转换为 *url.URL。
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	// 创建一个带有超时设置的 HTTP 客户端。
	hc := &http.Client{
		Timeout: 120 * time.Second,
	}

	// 创建 Ollama 客户端。
	client := olla.NewClient(parsedURL, hc)

	return &Ollama{client: client, model: model}, nil
}

// GenerateContent 使用 Ollama API 生成内容。
func (o *Ollama) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	messages := o.toOllamaMessages(req)

	var result *olla.ChatResponse // 用于存储生成结果。

	stream := false
	err := o.client.Chat(ctx, &olla.ChatRequest{
		Model:    o.modelFor(req),
		Messages: messages,
		Stream:   &stream,
	}, func(resp olla.ChatResponse) error {
		result = &resp // 存储响应。
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to generate content with ollama: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("no response from ollama")
	}

	return o.toGenerateContentResponse(result), nil
}

// GenerateContentStream 使用 Ollama API 以流式方式生成内容。
func (o *Ollama) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) (<-chan StreamEvent, error) {
	messages := o.toOllamaMessages(req)
	respChan := make(chan StreamEvent) // 创建用于发送响应的通道。

	// 启动一个 goroutine 来处理流式响应。
	go func() {
		defer close(respChan) // 确保在 goroutine 退出时关闭通道。

		stream := true
		err := o.client.Chat(ctx, &olla.ChatRequest{
			Model:    o.modelFor(req),
			Messages: messages,
			Stream:   &stream,
		}, func(resp olla.ChatResponse) error {
			respChan <- StreamEvent{Resp: o.toGenerateContentResponse(&resp)}
			return nil
		})
		if err != nil {
			respChan <- StreamEvent{Err: err}
		}
	}()

	return respChan, nil
}

// modelFor 返回请求指定的模型，未指定时使用默认模型。
func (o *Ollama) modelFor(req *models.GenerateContentRequest) string {
	if req.Params.Model != "" {
		return req.Params.Model
	}
	return o.model
}

// toOllamaMessages 将内部请求转换为 Ollama 消息格式。
func (o *Ollama) toOllamaMessages(req *models.GenerateContentRequest) []olla.Message {
	var messages []olla.Message
	for _, content := range req.Content {
		role := string(content.Role)
		if content.Role == models.SpeakerModel {
			role = string(models.SpeakerAssistant)
		}
		for _, part := range content.Parts {
			messages = append(messages, olla.Message{
				Role:    role,
				Content: part.Text,
			})
		}
	}
	return messages
}

// toGenerateContentResponse 将 Ollama 响应转换为我们的内部格式。
func (o *Ollama) toGenerateContentResponse(resp *olla.ChatResponse) *models.GenerateContentResponse {
	return &models.GenerateContentResponse{
		Content: []models.Content{
			{
				Parts: []*models.Part{{Text: resp.Message.Content}},
				Role:  models.SpeakerModel,
			},
		},
		ModelVersion: resp.Model,
		CreateTime:   resp.CreatedAt,
	}
}
