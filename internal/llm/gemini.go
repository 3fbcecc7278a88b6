package llm

import (
	"Aria_AI/internal/models"
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Gemini 是一个实现了 LLM 接口的结构体，用于与 Gemini API 交互。
type Gemini struct {
	model *genai.GenerativeModel // Gemini 生成模型实例。
}

// NewGemini 创建一个新的 Gemini 客户端。
//
// 参数:
//
//	ctx: 上下文，用于控制客户端的生命周期。
//	model: 要使用的 Gemini 模型名称。
//	apiKey: Gemini API 密钥。
//
// 返回值:
//
//	*Gemini: 新创建的 Gemini 客户端实例。
//	error: 如果无法创建 GenAI 客户端，则返回错误。
func NewGemini(ctx context.Context, model, apiKey string) (*Gemini, error) {
	// 使用 API 密钥创建 GenAI 客户端。
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}

	return &Gemini{
		model: client.GenerativeModel(model),
	}, nil
}

// GenerateContent 向 Gemini API 发送请求并返回响应。
func (g *Gemini) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	g.applyParams(req)
	resp, err := g.model.GenerateContent(ctx, toGenaiParts(req.Content)...)
	if err != nil {
		return nil, err
	}

	return fromGenaiResponse(resp), nil // 将 GenAI 响应转换为内部响应格式。
}

// GenerateContentStream 向 Gemini API 发送请求并返回响应通道。
func (g *Gemini) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) (<-chan StreamEvent, error) {
	g.applyParams(req)

	ch := make(chan StreamEvent) // 创建用于发送响应的通道。
	iter := g.model.GenerateContentStream(ctx, toGenaiParts(req.Content)...)

	// 启动一个 goroutine 来处理流式响应。
	go func() {
		defer close(ch) // 确保在 goroutine 退出时关闭通道。
		for {
			// 获取下一个流式响应。
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return // 流结束。
			}
			if err != nil {
				ch <- StreamEvent{Err: err}
				return
			}
			ch <- StreamEvent{Resp: fromGenaiResponse(resp)}
		}
	}()

	return ch, nil
}

// applyParams 把调用方的生成参数落到模型实例上。
func (g *Gemini) applyParams(req *models.GenerateContentRequest) {
	if req.Params.Temperature != 0 {
		g.model.SetTemperature(req.Params.Temperature)
	}
	if req.Params.MaxTokens > 0 {
		g.model.SetMaxOutputTokens(int32(req.Params.MaxTokens))
	}
}

// toGenaiParts 将内部 Content 结构体转换为 GenAI Part 切片。
func toGenaiParts(content []models.Content) []genai.Part {
	var parts []genai.Part
	// 遍历内部 Content，将其中的文本部分转换为对应的 GenAI Part。
	for _, c := range content {
		for _, p := range c.Parts {
			if p.Text != "" {
				parts = append(parts, genai.Text(p.Text))
			}
		}
	}
	return parts
}

// fromGenaiResponse 将 GenAI 响应转换为内部 GenerateContentResponse。
func fromGenaiResponse(resp *genai.GenerateContentResponse) *models.GenerateContentResponse {
	var content []models.Content
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		var parts []*models.Part
		for _, p := range cand.Content.Parts {
			if text, ok := p.(genai.Text); ok {
				parts = append(parts, &models.Part{Text: string(text)})
			}
		}
		content = append(content, models.Content{
			Parts: parts,
			Role:  models.SpeakerModel,
		})
	}

	return &models.GenerateContentResponse{
		Content: content,
	}
}
