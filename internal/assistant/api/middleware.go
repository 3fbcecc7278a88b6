package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"Aria_AI/internal/config"
	"Aria_AI/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

// AuthMiddleware 创建一个 Gin 中间件，用于验证 JWT。
// 令牌的签发属于外部的用户服务；这里只校验签名并把解析出的
// userID 放进 Gin 上下文，供后续处理函数使用。
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权标头"})
			c.Abort()
			return
		}

		// 我们期望的格式是 "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "授权标头格式不正确"})
			c.Abort()
			return
		}

		tokenString := parts[1]

		// 解析和验证 token
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			// 确保 token 的签名方法是我们期望的
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("非预期的签名方法")
			}
			return []byte(jwtSecret), nil
		})

		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的 token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的 token"})
			c.Abort()
			return
		}

		// 从 claims 中获取用户 ID。签发方可能把 sub 写成字符串或数字。
		var userID string
		switch sub := claims["sub"].(type) {
		case string:
			userID = sub
		case float64:
			userID = fmt.Sprintf("%.0f", sub)
		}
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的 token claims"})
			c.Abort()
			return
		}
		c.Set("userID", userID)

		// 进入下一个处理函数
		c.Next()
	}
}

// RateLimitMiddleware 根据配置构建限流中间件。
// 限流器是进程级的，作用于整个 API 而不是单个用户。
func RateLimitMiddleware(cfg *config.RateLimiterConfig) gin.HandlerFunc {
	var limiter ratelimiter.RateLimiter
	switch cfg.Algorithm {
	case "tokenBucket":
		limiter = ratelimiter.NewTokenBucket(cfg.TokenBucket.Rate, cfg.TokenBucket.Capacity)
	case "leakyBucket":
		limiter = ratelimiter.NewLeakyBucket(cfg.LeakyBucket.Rate, cfg.LeakyBucket.Capacity)
	case "slidingWindowCounter":
		limiter = ratelimiter.NewSlidingWindowCounter(cfg.SlidingWindow.Limit, parseWindow(cfg.SlidingWindow.Window), cfg.SlidingWindow.Buckets)
	case "slidingWindowLog":
		limiter = ratelimiter.NewSlidingWindowLog(cfg.SlidingWindow.Limit, parseWindow(cfg.SlidingWindow.Window))
	default:
		limit := cfg.FixedWindow.Limit
		if limit <= 0 {
			limit = 600
		}
		limiter = ratelimiter.NewFixedWindowCounter(limit, parseWindow(cfg.FixedWindow.Window))
	}

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁，请稍后再试"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// parseWindow 解析窗口时长，非法值回退到一分钟。
func parseWindow(s string) time.Duration {
	window, err := time.ParseDuration(s)
	if err != nil || window <= 0 {
		return time.Minute
	}
	return window
}
