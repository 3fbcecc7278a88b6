package api

import (
	"Aria_AI/internal/config"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置和返回一个 Gin 引擎实例。
func SetupRouter(h *Handler, cfg *config.AppConfig) *gin.Engine {
	// 使用默认中间件 (logger, recovery) 创建一个 Gin 引擎。
	r := gin.Default()

	// 健康检查不经过认证与限流。
	r.GET("/healthz", h.Healthz)

	// 创建认证中间件实例
	authMiddleware := AuthMiddleware(cfg.Auth.JwtSecret)

	// 使用 v1 版本对 API 进行分组
	apiV1 := r.Group("/api/v1")
	if cfg.Middleware.RateLimiter.Enabled {
		apiV1.Use(RateLimitMiddleware(&cfg.Middleware.RateLimiter))
	}
	apiV1.Use(authMiddleware)
	{
		// 聊天路由组：同步与流式两种模式共用同一条生成管线
		chat := apiV1.Group("/chat")
		{
			chat.POST("", h.Chat)
			chat.POST("/stream", h.ChatStream)
			chat.POST("/end", h.EndEpisode)
		}

		// 会话生命周期管理
		sessions := apiV1.Group("/sessions")
		{
			sessions.POST("", h.CreateSession)
			sessions.GET("", h.ListSessions)
			sessions.GET("/:id/messages", h.GetSessionMessages)
			sessions.PUT("/:id", h.RenameSession)
			sessions.DELETE("/:id", h.DeleteSession)
		}

		// 记忆管理：事实与元事实
		mem := apiV1.Group("/memory")
		{
			mem.POST("/facts", h.RememberFact)
			mem.DELETE("/facts/:id", h.ForgetFact)
			mem.PUT("/meta", h.SetMetaFact)
		}

		// 情感状态
		psy := apiV1.Group("/psyche")
		{
			psy.GET("", h.GetPsyche)
			psy.GET("/episodes", h.ListEpisodes)
			psy.POST("/reset", h.ResetPsyche)
		}
	}

	return r
}
