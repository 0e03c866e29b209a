package consumer

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/pkg/config"
	"goim-realtime/pkg/kafka"
	"goim-realtime/pkg/logger"
)

// Deliverer 把外部事件投递到总线
type Deliverer interface {
	DeliverExternal(ctx context.Context, ev *model.ExternalEvent) error
}

// EventConsumer 消费外部服务写入 relay.events 的事件（chat:updated、通知等）
type EventConsumer struct {
	deliverer Deliverer
	consumer  *kafka.Consumer
	log       logger.Logger
}

// NewEventConsumer 创建外部事件消费者
func NewEventConsumer(d Deliverer, log logger.Logger) *EventConsumer {
	return &EventConsumer{deliverer: d, log: log}
}

// Start 加入消费者组并在后台消费
func (ec *EventConsumer) Start(ctx context.Context, cfg config.KafkaConfig) error {
	consumer, err := kafka.InitConsumer(kafka.KafkaConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topics:  []string{cfg.EventsTopic},
	}, ec, ec.log)
	if err != nil {
		return fmt.Errorf("init relay events consumer: %w", err)
	}
	ec.consumer = consumer

	ec.log.Info(ctx, "Relay events consumer started",
		logger.F("topic", cfg.EventsTopic), logger.F("group", cfg.GroupID))
	return consumer.StartConsuming(ctx)
}

// Stop 停止消费
func (ec *EventConsumer) Stop(ctx context.Context) error {
	if ec.consumer == nil {
		return nil
	}
	return ec.consumer.Close()
}

// HandleMessage 实现 kafka.ConsumerHandler
// 坏消息只记录不重试；存储不可用时返回错误，由消费者重试，仍失败则不提交等待重投。
func (ec *EventConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ec.log.Error(ctx, "Relay event handler panic", logger.F("panic", r), logger.F("offset", msg.Offset))
			err = nil
		}
	}()

	var ev model.ExternalEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		ec.log.Warn(ctx, "Drop malformed relay event",
			logger.F("offset", msg.Offset), logger.F("value", string(msg.Value)), logger.Err(err))
		return nil
	}

	if err := ec.deliverer.DeliverExternal(ctx, &ev); err != nil {
		re := model.AsRelayError(err)
		if !re.Retryable {
			ec.log.Warn(ctx, "Drop relay event",
				logger.F("event", ev.Event), logger.F("target", ev.Target), logger.F("id", ev.ID), logger.Err(err))
			return nil
		}
		return err
	}

	ec.log.Debug(ctx, "Relay event delivered",
		logger.F("event", ev.Event), logger.F("target", ev.Target), logger.F("id", ev.ID))
	return nil
}
