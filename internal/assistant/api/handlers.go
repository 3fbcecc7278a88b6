package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"Aria_AI/internal/assistant/service"
	"Aria_AI/internal/llm"
	"Aria_AI/internal/memory"
	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/models"
	"Aria_AI/internal/psyche"
	"Aria_AI/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
)

// Handler 封装了所有 API endpoint 的处理函数。
type Handler struct {
	service  *service.Service
	sessions *session.Manager
	memory   *memory.Manager
	psyche   *psyche.Machine

	// HealthChecks 按依赖名登记健康检查函数，由 /healthz 逐个执行。
	HealthChecks map[string]func(ctx context.Context) error
}

// NewHandler 创建一个新的 Handler 实例。
func NewHandler(svc *service.Service, sessions *session.Manager, mem *memory.Manager, psy *psyche.Machine) *Handler {
	return &Handler{
		service:      svc,
		sessions:     sessions,
		memory:       mem,
		psyche:       psy,
		HealthChecks: make(map[string]func(ctx context.Context) error),
	}
}

// userID 从 Gin 上下文中取出认证中间件写入的用户 ID。
func userID(c *gin.Context) string {
	return c.GetString("userID")
}

// statusFor 把内部错误分类映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConstraint), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrProviderUnavailable), errors.Is(err, llm.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// --- Chat Handlers ---

// Chat 处理非流式聊天请求，阻塞到生成完成后返回完整回答。
func (h *Handler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.service.Chat(c.Request.Context(), userID(c), &req)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ChatStream 处理流式聊天请求，以 SSE 帧的形式逐段输出回答。
// 事件序列: 一个 meta，零或多个 delta，恰好一个 done 或 error。
// 帧之间可能出现注释形式的心跳行，消费端应当忽略。
func (h *Handler) ChatStream(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 客户端断开连接会取消请求上下文，引擎据此停止生成。
	events, err := h.service.ChatStream(c.Request.Context(), userID(c), &req)
	if err != nil {
		abortWith(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := c.Writer.(http.Flusher)
	for ev := range events {
		if ev.Type == service.EventKeepalive {
			// 注释行，不构成 SSE 事件。
			fmt.Fprint(c.Writer, ": keepalive\n\n")
		} else {
			c.SSEvent(ev.Type, ev.Data)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// EndEpisode 处理会话结束信号，关闭当前用户的情感片段。
func (h *Handler) EndEpisode(c *gin.Context) {
	if err := h.service.EndEpisode(c.Request.Context(), userID(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "episode closed"})
}

// --- Session Handlers ---

// CreateSession 创建一个新的空会话。
func (h *Handler) CreateSession(c *gin.Context) {
	id, err := h.sessions.Create(c.Request.Context(), userID(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

// ListSessions 返回当前用户的会话列表，按最近更新时间降序。
func (h *Handler) ListSessions(c *gin.Context) {
	list, err := h.sessions.List(c.Request.Context(), userID(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

// GetSessionMessages 返回会话中最近的消息，按时间顺序。
func (h *Handler) GetSessionMessages(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	msgs, err := h.sessions.Get(c.Request.Context(), userID(c), c.Param("id"), limit)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// RenameSessionRequest 定义了重命名会话请求的 JSON 结构。
type RenameSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// RenameSession 更新会话标题。
func (h *Handler) RenameSession(c *gin.Context) {
	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sessions.Rename(c.Request.Context(), userID(c), c.Param("id"), req.Title); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "会话已重命名"})
}

// DeleteSession 删除会话及其全部消息。
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "会话已删除"})
}

// --- Memory Handlers ---

// RememberFactRequest 定义了写入事实请求的 JSON 结构。
type RememberFactRequest struct {
	Content    string   `json:"content" binding:"required"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

// RememberFact 写入一条事实并调度其嵌入。
func (h *Handler) RememberFact(c *gin.Context) {
	var req RememberFactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f := &models.Fact{
		ID:         ulid.Make().String(),
		UserID:     userID(c),
		Content:    req.Content,
		Confidence: req.Confidence,
		CreatedAt:  time.Now(),
	}
	if len(req.Tags) > 0 {
		raw, err := datatypesJSON(req.Tags)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Tags = raw
	}
	if err := h.memory.RememberFact(c.Request.Context(), f); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fact_id": f.ID})
}

// ForgetFact 软删除一条事实；之后它不会再出现在任何召回结果中。
func (h *Handler) ForgetFact(c *gin.Context) {
	if err := h.memory.Forget(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "事实已遗忘"})
}

// SetMetaFactRequest 定义了写入元事实请求的 JSON 结构。
type SetMetaFactRequest struct {
	Key        string  `json:"key" binding:"required"`
	Value      string  `json:"value" binding:"required"`
	Confidence float64 `json:"confidence"`
}

// SetMetaFact 写入或覆盖一条 (user, key) 元事实。
func (h *Handler) SetMetaFact(c *gin.Context) {
	var req SetMetaFactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mf := &models.MetaFact{
		UserID:     userID(c),
		FactKey:    req.Key,
		Value:      req.Value,
		Confidence: req.Confidence,
	}
	if err := h.memory.SetMetaFact(c.Request.Context(), mf); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "元事实已写入"})
}

// --- Psyche Handlers ---

// GetPsyche 返回当前的情感状态向量。
func (h *Handler) GetPsyche(c *gin.Context) {
	st, err := h.psyche.Snapshot(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListEpisodes 返回当前用户最近的情感片段，按时间降序。
func (h *Handler) ListEpisodes(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	eps, err := h.psyche.Episodes(c.Request.Context(), userID(c), limit)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"episodes": eps})
}

// ResetPsyche 把情感状态恢复为默认值，保留片段历史。
func (h *Handler) ResetPsyche(c *gin.Context) {
	if err := h.psyche.Reset(c.Request.Context()); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "情感状态已重置"})
}

// --- Health ---

// Healthz 逐个执行登记的健康检查并汇总结果。
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	result := gin.H{}
	for name, check := range h.HealthChecks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
		} else {
			result[name] = "ok"
		}
	}
	c.JSON(status, result)
}

// datatypesJSON 把标签列表编码为 JSON 列值。
func datatypesJSON(tags []string) (datatypes.JSON, error) {
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("编码标签失败: %w", err)
	}
	return datatypes.JSON(raw), nil
}
