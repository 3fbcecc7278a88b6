package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"Aria_AI/internal/database/kafka"
)

// 后台记忆任务的种类。
const (
	TaskEmbed     = "embed"     // 为一个记忆单元生成嵌入向量
	TaskSummarize = "summarize" // 把会话的 STM 浓缩为一条 LTM 摘要
)

// 记忆单元的种类，与嵌入索引中的 kind 字段一致。
const (
	KindMessage = "message"
	KindFact    = "fact"
	KindSummary = "summary"
)

// Task 描述一个可重放的后台记忆任务。
// MemoryID 由触发方确定性生成并充当幂等键：同一个任务被消费多次时，
// 第二次起的持久化写入会撞上主键并被当作已完成。
type Task struct {
	Kind      string `json:"kind"`       // TaskEmbed | TaskSummarize
	MemoryID  string `json:"memory_id"`  // 目标记忆单元 ID（嵌入）或摘要 ID（摘要）
	MemKind   string `json:"mem_kind"`   // KindMessage | KindFact | KindSummary (仅嵌入任务)
	UserID    string `json:"user_id"`    // 记忆归属的用户
	SessionID string `json:"session_id"` // 摘要任务的来源会话
	Text      string `json:"text"`       // 嵌入任务的原文
}

// TaskQueue 是记忆任务的投递契约。
// 实现要么立即在本进程执行（同步模式），要么写入持久化队列，
// 由独立的消费循环以 at-least-once 语义执行。
type TaskQueue interface {
	Enqueue(ctx context.Context, t Task) error
}

// KafkaQueue 把任务发布到 Kafka 的记忆任务主题。
// 任务在进程重启后仍然存在；以 MemoryID 作为消息 key 保证
// 同一记忆单元的任务落在同一分区内有序。
type KafkaQueue struct {
	client *kafka.KafkaClient
}

// NewKafkaQueue 创建一个 KafkaQueue。
func NewKafkaQueue(client *kafka.KafkaClient) *KafkaQueue {
	return &KafkaQueue{client: client}
}

// Enqueue 将任务序列化后发布。
func (q *KafkaQueue) Enqueue(ctx context.Context, t Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("序列化记忆任务失败: %w", err)
	}
	if err := q.client.Publish(ctx, []byte(t.MemoryID), payload); err != nil {
		return fmt.Errorf("发布记忆任务失败: %w", err)
	}
	return nil
}

// SyncQueue 在调用方的 goroutine 里立即执行任务。
// 用于未部署 Kafka 的单机配置和测试；语义上等价于队列深度恒为零。
type SyncQueue struct {
	Runner interface {
		ProcessTask(ctx context.Context, t Task) error
	}
}

// Enqueue 直接执行任务。
func (q *SyncQueue) Enqueue(ctx context.Context, t Task) error {
	return q.Runner.ProcessTask(ctx, t)
}
