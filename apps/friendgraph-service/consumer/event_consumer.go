package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"goim-friendgraph/apps/friendgraph-service/model"
	"goim-friendgraph/pkg/kafka"
	"goim-friendgraph/pkg/logger"
)

// GraphWriter 由 service.FriendGraphService 实现
type GraphWriter interface {
	RecordInteraction(ctx context.Context, eventID string, actorID, ownerID int64) (bool, error)
	WithdrawMember(ctx context.Context, memberID int64) ([]int64, error)
}

// Topics 订阅的主题
type Topics struct {
	Interaction string
	Member      string
}

// GraphEventConsumer 消费互动事件与账号事件
// 格式错误的消息记录日志后直接确认，避免毒消息反复投递
type GraphEventConsumer struct {
	graph  GraphWriter
	topics Topics
	logger logger.Logger

	// Start 与 Close 分别在消费协程和生命周期停止钩子里调用
	mu       sync.Mutex
	consumer *kafka.Consumer
	closed   bool
}

// NewGraphEventConsumer 创建消费者
func NewGraphEventConsumer(graph GraphWriter, topics Topics, log logger.Logger) *GraphEventConsumer {
	return &GraphEventConsumer{graph: graph, topics: topics, logger: log}
}

// Start 加入消费组并阻塞消费，ctx 取消或已 Close 时返回
func (c *GraphEventConsumer) Start(ctx context.Context, brokers []string, groupID string) error {
	if c.isClosed() {
		return nil
	}

	cfg := kafka.KafkaConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topics:  []string{c.topics.Interaction, c.topics.Member},
	}
	consumer, err := kafka.InitConsumer(cfg, c, c.logger)
	if err != nil {
		return fmt.Errorf("init graph event consumer: %w", err)
	}
	if !c.attach(consumer) {
		// 初始化期间已被关闭
		return consumer.Close()
	}

	c.logger.Info(ctx, "Graph event consumer started", logger.F("groupID", groupID), logger.F("topics", cfg.Topics))
	return consumer.StartConsuming(ctx)
}

// Close 退出消费组，可重复调用
func (c *GraphEventConsumer) Close() error {
	c.mu.Lock()
	consumer := c.consumer
	c.consumer = nil
	c.closed = true
	c.mu.Unlock()

	if consumer == nil {
		return nil
	}
	return consumer.Close()
}

func (c *GraphEventConsumer) attach(consumer *kafka.Consumer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.consumer = consumer
	return true
}

func (c *GraphEventConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// HandleMessage 实现 kafka.ConsumerHandler，返回nil才提交位点
func (c *GraphEventConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, "Panic while handling graph event",
				logger.F("topic", msg.Topic),
				logger.F("offset", msg.Offset),
				logger.F("panic", fmt.Sprint(r)))
			err = nil
		}
	}()

	switch msg.Topic {
	case c.topics.Interaction:
		return c.handleInteraction(ctx, msg)
	case c.topics.Member:
		return c.handleMember(ctx, msg)
	default:
		c.logger.Warn(ctx, "Message from unexpected topic", logger.F("topic", msg.Topic))
		return nil
	}
}

func (c *GraphEventConsumer) handleInteraction(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event model.InteractionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn(ctx, "Drop malformed interaction event", logger.F("offset", msg.Offset), logger.Err(err))
		return nil
	}
	if event.EventType != model.EventTypeLike && event.EventType != model.EventTypeComment {
		return nil
	}

	// 位点作为事件ID，重复投递不会重复加分
	eventID := fmt.Sprintf("kafka:%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
	if _, err := c.graph.RecordInteraction(ctx, eventID, event.ActorID, event.OwnerID); err != nil {
		c.logger.Warn(ctx, "Drop invalid interaction event",
			logger.F("eventID", eventID),
			logger.F("actorID", event.ActorID),
			logger.F("ownerID", event.OwnerID),
			logger.Err(err))
	}
	return nil
}

func (c *GraphEventConsumer) handleMember(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event model.MemberEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn(ctx, "Drop malformed member event", logger.F("offset", msg.Offset), logger.Err(err))
		return nil
	}
	if event.EventType != model.EventTypeWithdrawn {
		return nil
	}

	_, err := c.graph.WithdrawMember(ctx, event.MemberID)
	if errors.Is(err, model.ErrInvalidMember) {
		c.logger.Warn(ctx, "Drop member event with invalid id", logger.F("memberID", event.MemberID))
		return nil
	}
	if err != nil {
		// 关系库失败不提交位点，重新分配后再次投递
		c.logger.Error(ctx, "Withdraw member failed", logger.F("memberID", event.MemberID), logger.Err(err))
		return err
	}
	return nil
}
