package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"goim-friendgraph/pkg/logger"
)

// KafkaConfig 配置
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// Producer 异步生产者
type Producer struct {
	asyncProducer sarama.AsyncProducer
	log           logger.Logger
	wg            sync.WaitGroup
}

// Consumer 消费者
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	ready   chan bool
	once    sync.Once
	log     logger.Logger
	Handler ConsumerHandler
}

// ConsumerHandler 消息处理器，返回nil才提交位点
type ConsumerHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// InitProducer 初始化生产者
func InitProducer(brokers []string, log logger.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return newProducer(producer, log), nil
}

func newProducer(ap sarama.AsyncProducer, log logger.Logger) *Producer {
	p := &Producer{asyncProducer: ap, log: log}
	// Successes/Errors 必须被消费，否则 Input 会阻塞
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for range ap.Successes() {
		}
	}()
	go func() {
		defer p.wg.Done()
		for perr := range ap.Errors() {
			p.log.Error(context.Background(), "Kafka send failed",
				logger.F("topic", perr.Msg.Topic), logger.Err(perr.Err))
		}
	}()
	return p
}

// SendMessage 发送消息
func (p *Producer) SendMessage(ctx context.Context, topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	select {
	case p.asyncProducer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendJSON 序列化后发送
func (p *Producer) SendJSON(ctx context.Context, topic, key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal kafka message: %w", err)
	}
	return p.SendMessage(ctx, topic, []byte(key), value)
}

// Close 关闭生产者
func (p *Producer) Close() error {
	err := p.asyncProducer.Close()
	p.wg.Wait()
	return err
}

// InitConsumer 初始化消费者
func InitConsumer(cfg KafkaConfig, handler ConsumerHandler, log logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		group:   group,
		topics:  cfg.Topics,
		ready:   make(chan bool),
		log:     log,
		Handler: handler,
	}
	return c, nil
}

// StartConsuming 启动消费，第一次分配到分区后返回
func (c *Consumer) StartConsuming(ctx context.Context) error {
	go func() {
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.log.Error(ctx, "Error from consumer", logger.F("topics", c.topics), logger.Err(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭消费组
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	// rebalance 后会再次调用
	c.once.Do(func() { close(c.ready) })
	return nil
}

// Cleanup sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := c.Handler.HandleMessage(sess.Context(), msg); err == nil {
			sess.MarkMessage(msg, "")
		}
	}
	return nil
}
