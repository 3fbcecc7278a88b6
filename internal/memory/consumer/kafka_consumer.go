package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"Aria_AI/internal/database/kafka"
	"Aria_AI/internal/memory"
	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/models"
	"Aria_AI/pkg/logger"

	kafkago "github.com/segmentio/kafka-go"
)

// Consumer 从 Kafka 拉取后台记忆任务并交给 Manager 执行。
// 提交策略是显式的 FetchMessage + CommitMessages：任务执行成功才提交位点，
// 进程崩溃后未提交的任务会被重放，由幂等的任务处理器兜底 (at-least-once)。
type Consumer struct {
	client *kafka.KafkaClient
	runner *memory.Manager
	log    *logger.Logger
}

// New 创建一个 Consumer。
func New(client *kafka.KafkaClient, runner *memory.Manager) *Consumer {
	return &Consumer{
		client: client,
		runner: runner,
		log:    logger.New("memory_consumer", "", ""),
	}
}

// Start 启动消费循环，直到 ctx 被取消。应当在独立的 goroutine 中运行。
func (c *Consumer) Start(ctx context.Context) {
	c.log.Info("记忆任务消费循环已启动")
	for {
		msg, err := c.client.Reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				c.log.Info("记忆任务消费循环已退出")
				return
			}
			c.log.WithError(models.ErrorInfo{Message: err.Error()}).Error("从 Kafka 拉取任务失败")
			time.Sleep(time.Second)
			continue
		}

		var task memory.Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			// 无法解析的消息重试也不会变好，记录后直接提交跳过。
			c.log.WithError(models.ErrorInfo{Message: err.Error()}).
				WithPayload(map[string]interface{}{"offset": msg.Offset}).
				Error("记忆任务反序列化失败，跳过该消息")
			c.commit(ctx, msg)
			continue
		}

		if err := c.runner.ProcessTask(ctx, task); err != nil {
			if errors.Is(err, store.ErrProviderUnavailable) {
				// 提供商暂时不可用：不提交位点，退避后重放该任务。
				c.log.WithUser(task.UserID).
					WithError(models.ErrorInfo{Message: err.Error(), Type: "provider_unavailable"}).
					Warn("记忆任务执行失败，稍后重放")
				time.Sleep(5 * time.Second)
				continue
			}
			// 其它错误视为该任务不可恢复，提交以免阻塞整个分区。
			c.log.WithUser(task.UserID).
				WithError(models.ErrorInfo{Message: err.Error()}).
				WithPayload(map[string]interface{}{"kind": task.Kind, "memory_id": task.MemoryID}).
				Error("记忆任务执行失败，放弃该任务")
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafkago.Message) {
	if err := c.client.Reader.CommitMessages(ctx, msg); err != nil {
		c.log.WithError(models.ErrorInfo{Message: err.Error()}).Error("提交 Kafka 位点失败")
	}
}
