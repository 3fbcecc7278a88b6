package config

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"time"
)

// FieldConfig 定义了 Milvus 集合中字段的配置。
type FieldConfig struct {
	Name         string `yaml:"name"`                // 字段名称
	DataType     string `yaml:"dataType"`            // 字段数据类型 (例如: "Int64", "VarChar", "FloatVector")
	IsPrimaryKey bool   `yaml:"isPrimaryKey"`        // 是否为主键
	IsAutoID     bool   `yaml:"isAutoID"`            // 是否自动生成ID
	Dim          int    `yaml:"dim,omitempty"`       // 向量维度 (仅适用于向量类型)
	MaxLength    int    `yaml:"maxLength,omitempty"` // 最大长度 (仅适用于VarChar类型)
}

// IndexConfig 定义了 Milvus 集合中索引的配置。
type IndexConfig struct {
	FieldName  string                 `yaml:"fieldName"`  // 要创建索引的字段名称
	IndexType  string                 `yaml:"indexType"`  // 索引类型 (例如: "IVF_FLAT", "HNSW")
	MetricType string                 `yaml:"metricType"` // 相似度度量类型 (例如: "COSINE", "IP")
	Params     map[string]interface{} `yaml:"params"`     // 索引参数 (例如: {"nlist": 128})
}

// SchemaConfig 定义了 Milvus 集合的 Schema 配置。
type SchemaConfig struct {
	CollectionName string        `yaml:"collectionName"` // 集合名称
	Description    string        `yaml:"description"`    // 集合描述
	VectorField    string        `yaml:"vectorField"`    // 向量字段名称
	Fields         []FieldConfig `yaml:"fields"`         // 字段配置列表
	Index          IndexConfig   `yaml:"index"`          // 索引配置
}

// MilvusConfig 定义了 Milvus 数据库的连接和 Schema 配置。
type MilvusConfig struct {
	Address string       `yaml:"address"` // Milvus 服务地址
	Schema  SchemaConfig `yaml:"schema"`  // Milvus 集合 Schema 配置
}

// RedisConfig 定义了 Redis 数据库的连接配置。
type RedisConfig struct {
	Address  string `yaml:"address"`  // Redis 服务器地址 (例如: "localhost:6379")
	Password string `yaml:"password"` // Redis 密码
	DB       int    `yaml:"db"`       // Redis 数据库编号
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address         string `yaml:"address"`         // MySQL 服务器地址
	Username        string `yaml:"username"`        // 用户名
	Password        string `yaml:"password"`        // 密码
	Database        string `yaml:"database"`        // 数据库名称
	MaxOpenConns    int    `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
}

// KafkaConfig 定义了 Kafka 消息队列的连接配置。
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // Kafka Broker 地址列表
	Topics  []string `yaml:"topics"`  // Kafka 主题列表
	GroupID string   `yaml:"groupID"` // 消费者组ID
}

// AuthConfig 用于配置认证方法和相关设置。
// 令牌的签发由外部的用户服务负责，本服务只负责校验并解析出 userID。
type AuthConfig struct {
	JwtSecret string `yaml:"jwtSecret"` // JWT 密钥
}

// DatabaseConfigs 包含所有数据库的配置。
type DatabaseConfigs struct {
	Milvus MilvusConfig `yaml:"milvus"` // Milvus 数据库配置
	Redis  RedisConfig  `yaml:"redis"`  // Redis 数据库配置
	MySQL  MySQLConfig  `yaml:"mysql"`  // MySQL 数据库配置
	Kafka  KafkaConfig  `yaml:"kafka"`  // Kafka 消息队列配置
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`        // 应用程序名称
	Version     string `yaml:"version"`     // 应用程序版本
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
	Address     string `yaml:"address"`     // HTTP 服务监听地址 (例如: ":8080")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// ModelConfig 描述单个模型的接入信息。
type ModelConfig struct {
	Name    string `yaml:"name"`    // 模型名称
	APIKey  string `yaml:"apiKey"`  // API 密钥
	BaseURL string `yaml:"baseURL"` // 服务基础 URL (可选)
}

// LLMConfig 包含了不同LLM提供商的配置。
type LLMConfig struct {
	Provider string        `yaml:"provider"` // LLM提供商 (例如: "gemini", "openai", "ollama")
	Models   []ModelConfig `yaml:"models"`   // 可用模型列表，第一个为默认模型
	Timeout  int           `yaml:"timeout"`  // 单次生成调用的超时时间 (秒)
}

// EmbeddingConfig 包含了不同Embedding提供商的配置。
type EmbeddingConfig struct {
	Provider string      `yaml:"provider"` // Embedding提供商 (例如: "gemini", "openai", "ollama")
	Model    ModelConfig `yaml:"model"`    // Embedding 模型配置
	Dim      int         `yaml:"dim"`      // 向量维度
}

// MemoryConfig 包含了分层记忆子系统的所有可调参数。
// 这些阈值在设计上属于策略而非不变量，全部集中在配置中并带有文档化的默认值。
type MemoryConfig struct {
	STMWindow          int     `yaml:"stmWindow"`          // recall 时取最近 N 条会话消息 (默认 20)
	SummarizeThreshold int     `yaml:"summarizeThreshold"` // 会话消息数超过该值时触发 LTM 摘要 (默认 40)
	ContextTokenCap    int     `yaml:"contextTokenCap"`    // 组装上下文的 token 硬上限 (默认 2048)
	TopK               int     `yaml:"topK"`               // 事实/摘要召回的 top-K (默认 8)
	Epsilon            float64 `yaml:"epsilon"`            // 词法与语义得分的平局判定带宽 (默认 0.05)
	Async              bool    `yaml:"async"`              // 摘要/嵌入是否经由 Kafka 异步执行 (默认 false，按需开启)
	PartialCommit      bool    `yaml:"partialCommit"`      // 流被取消时是否提交已产出的部分回答 (默认 false)
	CacheTTL           int     `yaml:"cacheTTL"`           // 缓存条目的过期时间 (秒, 默认 86400)
	LTMRetentionDays   int     `yaml:"ltmRetentionDays"`   // LTM 摘要按时间清理的保留天数 (默认 180, 负数表示不清理)
	LTMMaxPerUser      int     `yaml:"ltmMaxPerUser"`      // 每个用户保留的 LTM 摘要上限 (默认 500, 负数表示不限制)
}

// PsycheConfig 包含了情感状态机的可调参数。
type PsycheConfig struct {
	Alpha              float64 `yaml:"alpha"`              // 观察增量的 EMA 系数 (默认 0.2)
	EpisodeIdleMinutes int     `yaml:"episodeIdleMinutes"` // 情景片段在空闲多少分钟后自动关闭 (默认 30)
}

// StreamConfig 包含了流式响应引擎的可调参数。
type StreamConfig struct {
	KeepaliveMillis int `yaml:"keepaliveMillis"` // SSE 注释型心跳的发送间隔 (毫秒, 默认 500)
}

// MiddlewareConfig 包含所有中间件的配置。
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RateLimiterConfig 定义了限流器的配置。
type RateLimiterConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Algorithm     string              `yaml:"algorithm"` // 支持: "fixedWindow", "tokenBucket", "leakyBucket", "slidingWindowCounter", "slidingWindowLog"
	FixedWindow   FixedWindowConfig   `yaml:"fixedWindow"`
	TokenBucket   TokenBucketConfig   `yaml:"tokenBucket"`
	LeakyBucket   LeakyBucketConfig   `yaml:"leakyBucket"`
	SlidingWindow SlidingWindowConfig `yaml:"slidingWindow"`
}

// FixedWindowConfig 定义了固定窗口计数器算法的配置。
type FixedWindowConfig struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"` // 例如: "1m", "30s"
}

// TokenBucketConfig 定义了令牌桶算法的配置。
type TokenBucketConfig struct {
	Rate     float64 `yaml:"rate"` // 每秒速率
	Capacity int     `yaml:"capacity"`
}

// LeakyBucketConfig 定义了漏桶算法的配置。
type LeakyBucketConfig struct {
	Rate     float64 `yaml:"rate"` // 每秒漏出速率
	Capacity int     `yaml:"capacity"`
}

// SlidingWindowConfig 同时服务于滑动窗口计数器和滑动窗口日志两种算法。
type SlidingWindowConfig struct {
	Limit   int    `yaml:"limit"`
	Window  string `yaml:"window"`
	Buckets int    `yaml:"buckets"` // 仅 slidingWindowCounter 使用
}

// CircuitBreakerConfig 定义了包裹模型提供商调用的熔断器配置。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App        AppInfo          `yaml:"app"`        // 应用程序信息
	Auth       AuthConfig       `yaml:"auth"`       // 认证配置
	LLM        LLMConfig        `yaml:"llm"`        // LLM 配置部分
	Embedding  EmbeddingConfig  `yaml:"embedding"`  // Embedding 配置部分
	Logger     LoggerConfig     `yaml:"logger"`     // 日志记录器配置
	Databases  DatabaseConfigs  `yaml:"databases"`  // 数据库配置
	Memory     MemoryConfig     `yaml:"memory"`     // 分层记忆配置
	Psyche     PsycheConfig     `yaml:"psyche"`     // 情感状态机配置
	Stream     StreamConfig     `yaml:"stream"`     // 流式响应配置
	Middleware MiddlewareConfig `yaml:"middleware"` // 中间件配置
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件。
//
// 参数:
//
//	path: YAML 配置文件的路径。
//
// 返回值:
//
//	*AppConfig: 解析后的应用程序配置结构体。
//	error: 如果文件读取或解析失败，则返回错误。
func LoadConfig(path string) (*AppConfig, error) {
	// 读取 YAML 文件内容。
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	var cfg AppConfig // 声明一个AppConfig变量用于存储解析后的配置。
	// 将 YAML 内容解析到 cfg 结构体中。
	err = yaml.Unmarshal(yamlFile, &cfg)
	if err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil // 返回解析后的配置和nil错误。
}

// ApplyDefaults 为没有显式配置的策略参数填充文档化的默认值。
func (cfg *AppConfig) ApplyDefaults() {
	if cfg.Memory.STMWindow <= 0 {
		cfg.Memory.STMWindow = 20
	}
	if cfg.Memory.SummarizeThreshold <= 0 {
		cfg.Memory.SummarizeThreshold = 40
	}
	if cfg.Memory.ContextTokenCap <= 0 {
		cfg.Memory.ContextTokenCap = 2048
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = 8
	}
	if cfg.Memory.Epsilon <= 0 {
		cfg.Memory.Epsilon = 0.05
	}
	if cfg.Memory.CacheTTL <= 0 {
		cfg.Memory.CacheTTL = int((24 * time.Hour).Seconds())
	}
	if cfg.Memory.LTMRetentionDays == 0 {
		cfg.Memory.LTMRetentionDays = 180
	}
	if cfg.Memory.LTMMaxPerUser == 0 {
		cfg.Memory.LTMMaxPerUser = 500
	}
	if cfg.Psyche.Alpha <= 0 {
		cfg.Psyche.Alpha = 0.2
	}
	if cfg.Psyche.EpisodeIdleMinutes <= 0 {
		cfg.Psyche.EpisodeIdleMinutes = 30
	}
	if cfg.Stream.KeepaliveMillis <= 0 {
		cfg.Stream.KeepaliveMillis = 500
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = 120
	}
}
