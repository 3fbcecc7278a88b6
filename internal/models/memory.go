package models

import (
	"time"

	"gorm.io/datatypes"
)

// SpeakerRole 定义了消息发送者的角色。
type SpeakerRole string

const (
	SpeakerUser      SpeakerRole = "user"      // 用户角色。
	SpeakerAssistant SpeakerRole = "assistant" // 助手角色。
	SpeakerSystem    SpeakerRole = "system"    // 系统角色。
	SpeakerModel     SpeakerRole = "model"     // 模型角色 (provider 侧使用)。
)

// Session 代表一个用户的会话。没有消息的会话是合法的（新建状态）。
type Session struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	UserID    string    `gorm:"index:idx_sessions_user;size:64;not null" json:"user_id"`
	Title     string    `gorm:"size:255" json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 会话删除时级联删除其全部消息。
	Messages []Message `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

// Message 是会话中的一条不可变消息。
// ID 由调用方生成（ULID），同时充当提交重试时的幂等键：
// 主键冲突意味着该消息已写入，而不是一条新消息。
// Seq 是写入时分配的会话内单调递增序号，消息排序以它为准而非墙钟时间。
type Message struct {
	ID        string      `gorm:"primaryKey;size:64" json:"id"`
	SessionID string      `gorm:"uniqueIndex:idx_messages_session_seq,priority:1;size:64;not null" json:"session_id"`
	Seq       int64       `gorm:"uniqueIndex:idx_messages_session_seq,priority:2;not null" json:"seq"`
	Role      SpeakerRole `gorm:"size:16;not null" json:"role"`
	Content   string      `gorm:"type:text" json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// LongTermMemorySummary 是由短期记忆浓缩而来的长期记忆摘要。
// 只追加，不修改；按时间/数量的清理由外部的 reaper 负责（策略而非不变量）。
type LongTermMemorySummary struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	UserID    string    `gorm:"index:idx_ltm_user;size:64;not null" json:"user_id"`
	Summary   string    `gorm:"type:text" json:"summary"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MetaFact 是关于某个用户的单条键值信念，带置信度。
// (user_id, fact_key) 唯一；重复写入按 upsert 处理，覆盖值与置信度并刷新时间戳。
type MetaFact struct {
	UserID     string    `gorm:"primaryKey;size:64" json:"user_id"`
	FactKey    string    `gorm:"primaryKey;size:128;column:fact_key" json:"key"`
	Value      string    `gorm:"type:text" json:"value"`
	Confidence float64   `gorm:"not null" json:"confidence"` // [0,1]
	UpdatedAt  time.Time `json:"updated_at"`
}

// Fact 是一条独立的文本事实，带标签与置信度。
// 永不物理删除：Deleted=true 的事实在所有检索路径上被过滤，
// 这样嵌入索引无需在遗忘时急切地重建。
// TagsText 是 Tags 的反规范化文本副本：JSON 列挂不了 FULLTEXT 索引，
// 全文索引覆盖 (content, tags_text)，按标签词也能词法命中。
// 写入时由存储层从 Tags 派生，调用方不直接维护。
type Fact struct {
	ID         string         `gorm:"primaryKey;size:64" json:"id"`
	UserID     string         `gorm:"index:idx_facts_user;size:64;not null" json:"user_id"`
	Content    string         `gorm:"type:text;not null" json:"content"`
	Tags       datatypes.JSON `json:"tags,omitempty"`
	TagsText   string         `gorm:"column:tags_text;type:text" json:"-"`
	Confidence float64        `json:"confidence"`
	Deleted    bool           `gorm:"not null;default:false" json:"deleted"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EmbeddingRecord 记录某个记忆单元（消息/事实/摘要）已经生成过嵌入向量。
// MemoryID 同时是主键与幂等键：后台嵌入任务重放时，重复插入会被拒绝而不是产生新行。
// 向量本体同时写入 Milvus 用于相似度检索；这里保留一份不透明副本以便重建索引。
type EmbeddingRecord struct {
	MemoryID  string         `gorm:"primaryKey;size:64" json:"memory_id"`
	UserID    string         `gorm:"index:idx_embeddings_user;size:64;not null" json:"user_id"`
	Kind      string         `gorm:"size:16;not null" json:"kind"` // "message" | "fact" | "summary"
	Vector    datatypes.JSON `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

// SessionSummary 是会话列表接口返回的轻量视图。
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
