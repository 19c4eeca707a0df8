// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"ollama-chat-go/internal/config"
	"ollama-chat-go/pkg/log"
	"ollama-chat-go/pkg/tasks"
)

// maxAttempts 次失败后提交 offset，放弃该消息。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ExchangeIndexTask) error
}

// Producer 发布对话交换事件。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

// PublishExchange 以对话 ID 为 key 发送，同一对话的事件进入同一分区。
func (p *Producer) PublishExchange(ctx context.Context, task tasks.ExchangeIndexTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", task.ConversationID)),
		Value: taskBytes,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func attemptsKey(m kafka.Message) string {
	return fmt.Sprintf("kafka:attempts:%s:%d:%d", m.Topic, m.Partition, m.Offset)
}

// StartConsumer 启动消费者处理交换事件，直到 ctx 取消。
// 失败次数记在 Redis 中，未达上限时不提交 offset，让 Kafka 重新投递。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}
		handleMessage(ctx, r, m, processor, rdb)
	}
}

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

func handleMessage(ctx context.Context, r committer, m kafka.Message, processor TaskProcessor, rdb *redis.Client) {
	var task tasks.ExchangeIndexTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		commit(ctx, r, m)
		return
	}

	if err := processor.Process(ctx, task); err != nil {
		log.Errorw("处理交换事件失败", "conversationId", task.ConversationID, "offset", m.Offset, "error", err)
		attempts, incErr := rdb.Incr(ctx, attemptsKey(m)).Result()
		if incErr != nil {
			// Redis 异常时不提交 offset，让 Kafka 重试
			return
		}
		_ = rdb.Expire(ctx, attemptsKey(m), 24*time.Hour).Err()
		if attempts >= maxAttempts {
			log.Errorw("交换事件多次失败，提交 offset 终止重试", "conversationId", task.ConversationID, "attempts", attempts)
			commit(ctx, r, m)
		}
		return
	}

	_ = rdb.Del(ctx, attemptsKey(m)).Err()
	commit(ctx, r, m)
}

func commit(ctx context.Context, r committer, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
