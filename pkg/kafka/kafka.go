package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"goim-realtime/pkg/logger"
)

// KafkaConfig 配置
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// Producer 异步生产者，成功/失败回执在后台消费
type Producer struct {
	asyncProducer sarama.AsyncProducer
	log           logger.Logger
	wg            sync.WaitGroup
}

// NewProducerConfig 生产者的sarama配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	return config
}

// InitProducer 初始化生产者
func InitProducer(brokers []string, log logger.Logger) (*Producer, error) {
	producer, err := sarama.NewAsyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, err
	}
	return NewProducer(producer, log), nil
}

// NewProducer 包装已有的AsyncProducer（测试中传入mocks）
func NewProducer(producer sarama.AsyncProducer, log logger.Logger) *Producer {
	p := &Producer{asyncProducer: producer, log: log}
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for range producer.Successes() {
		}
	}()
	go func() {
		defer p.wg.Done()
		for perr := range producer.Errors() {
			p.log.Warn(context.Background(), "Kafka produce failed",
				logger.F("topic", perr.Msg.Topic), logger.Err(perr.Err))
		}
	}()
	return p
}

// SendMessage 发送消息，同一key落在同一分区
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
		return fmt.Errorf("kafka send %s: %w", topic, ctx.Err())
	}
}

// Close 刷新缓冲并关闭生产者
func (p *Producer) Close() error {
	err := p.asyncProducer.Close()
	p.wg.Wait()
	return err
}

// ConsumerHandler 消息处理器；返回错误表示需要重投，不想重投的错误自行吞掉返回nil
type ConsumerHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// ConsumerHandlerFunc 函数适配器
type ConsumerHandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

// HandleMessage 实现 ConsumerHandler
func (f ConsumerHandlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

// Consumer 消费者组
type Consumer struct {
	group     sarama.ConsumerGroup
	topics    []string
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
	Handler   ConsumerHandler
	log       logger.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// InitConsumer 初始化消费者
func InitConsumer(cfg KafkaConfig, handler ConsumerHandler, log logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}
	return newConsumer(group, cfg.Topics, handler, log), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler ConsumerHandler, log logger.Logger) *Consumer {
	return &Consumer{
		group:        group,
		topics:       topics,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		Handler:      handler,
		log:          log,
		maxRetries:   3,
		retryBackoff: 200 * time.Millisecond,
	}
}

// StartConsuming 在后台消费，重平衡后自动重新加入；不等待分区分配
func (c *Consumer) StartConsuming(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		for err := range c.group.Errors() {
			c.log.Warn(ctx, "Kafka consumer error", logger.Err(err))
		}
	}()

	go func() {
		defer close(c.done)
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.log.Error(ctx, "Error from consumer", logger.Err(err))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

// Ready 首次分配到分区后关闭
func (c *Consumer) Ready() <-chan struct{} {
	return c.ready
}

// Close 停止消费并关闭消费者组
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.group.Close()
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// Cleanup sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
// 处理失败时按退避重试；仍失败则不提交位点并结束本次会话，重新加入后从已提交位点重投。
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handleWithRetry(sess.Context(), msg); err != nil {
				if sess.Context().Err() != nil {
					return nil
				}
				c.log.Error(sess.Context(), "Kafka message handling failed, leave uncommitted",
					logger.F("topic", msg.Topic),
					logger.F("partition", msg.Partition),
					logger.F("offset", msg.Offset),
					logger.Err(err))
				return fmt.Errorf("handle %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryBackoff * time.Duration(attempt)):
			}
		}
		if err = c.Handler.HandleMessage(ctx, msg); err == nil {
			return nil
		}
		c.log.Warn(ctx, "Kafka message handling failed",
			logger.F("topic", msg.Topic),
			logger.F("partition", msg.Partition),
			logger.F("offset", msg.Offset),
			logger.F("attempt", attempt+1),
			logger.Err(err))
	}
	return err
}
