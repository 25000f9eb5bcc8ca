// Package kafka 提供了 file.ready 事件的生产者与消费者。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fastdrop-go/internal/config"
	"fastdrop-go/pkg/log"
	"fastdrop-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是同一文件任务允许的最大处理次数，达到后提交 offset 放弃该消息。
const maxAttempts = 3

// defaultRetryBackoff 是第一次重试前的等待时间，之后每次翻倍。
const defaultRetryBackoff = time.Second

// TaskProcessor 定义了处理 file.ready 任务的接口，使消费者与具体处理流程解耦。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.FileReadyTask) error
}

// Producer 向 Kafka 发布 file.ready 事件。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishFileReady 发送一个 file.ready 事件，以文件 ID 作为消息 key 保证同一文件的事件有序。
func (p *Producer) PublishFileReady(ctx context.Context, task tasks.FileReadyTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.FileID),
		Value: body,
	})
}

// Close 关闭生产者并刷新未发送的消息。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageSource 是消费者依赖的 *kafka.Reader 方法子集。
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 消费 file.ready 事件。
// 处理失败时在进程内退避重试，不会去取下一条消息；失败次数同时记录在 Redis 中，
// 进程在重试途中退出后，重新投递的消息从已记录的次数继续计数。
type Consumer struct {
	source    messageSource
	redis     *redis.Client
	processor TaskProcessor
	topic     string
	backoff   time.Duration
}

// NewConsumer 创建一个 Kafka 消费者。
func NewConsumer(cfg config.KafkaConfig, rdb *redis.Client, processor TaskProcessor) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{source: r, redis: rdb, processor: processor, topic: cfg.Topic, backoff: defaultRetryBackoff}
}

func attemptsKey(fileID string) string {
	return fmt.Sprintf("kafka:attempts:%s", fileID)
}

// Run 持续消费消息直到 ctx 结束。
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.topic)
	defer func() {
		if err := c.source.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.source.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.source.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var task tasks.FileReadyTask
	if err := json.Unmarshal(m.Value, &task); err != nil {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	key := attemptsKey(task.FileID)
	tried := 0
	for {
		err := c.processor.Process(ctx, task)
		if err == nil {
			log.Infof("文件任务处理成功: FileID=%s", task.FileID)
			_ = c.redis.Del(ctx, key).Err()
			c.commit(ctx, m)
			return
		}
		if ctx.Err() != nil {
			// 停机时不提交 offset，重启后消息会被重新投递
			return
		}

		tried++
		attempts := c.recordFailure(ctx, key, tried)
		log.Errorf("处理文件任务失败(第 %d/%d 次): FileID=%s, Error: %v", attempts, maxAttempts, task.FileID, err)
		if attempts >= maxAttempts {
			log.Errorf("文件任务多次失败(>=%d)，提交 offset 终止重试: FileID=%s", maxAttempts, task.FileID)
			c.commit(ctx, m)
			return
		}

		wait := c.backoff << (attempts - 1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// recordFailure 在 Redis 中累加失败次数并返回累计值；Redis 不可用时退回到本进程内的计数。
func (c *Consumer) recordFailure(ctx context.Context, key string, tried int) int64 {
	attempts, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		log.Warnf("记录任务失败次数失败, key: %s, error: %v", key, err)
		return int64(tried)
	}
	_ = c.redis.Expire(ctx, key, 24*time.Hour).Err()
	if attempts < int64(tried) {
		return int64(tried)
	}
	return attempts
}
