package data

import (
	"context"
	"time"

	"affiliate/internal/biz"
	"affiliate/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/segmentio/kafka-go"
)

// kafkaPublisher 将发件箱事件写入 Kafka，按事件类型选择 topic，按推广人分区
type kafkaPublisher struct {
	writer *kafka.Writer
	topics map[string]string
}

// NewEventPublisher 创建事件发布器，未配置 brokers 时只记录日志
func NewEventPublisher(c *conf.Kafka, logger log.Logger) (biz.EventPublisher, func(), error) {
	if c == nil || len(c.Brokers) == 0 {
		log.NewHelper(logger).Warn("No kafka brokers configured, outbox events will only be logged")
		return &logPublisher{logger: log.NewHelper(logger)}, func() {}, nil
	}

	p := &kafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(c.Brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
		topics: c.Topics,
	}
	cleanup := func() {
		if err := p.writer.Close(); err != nil {
			log.NewHelper(logger).Errorf("Failed to close kafka writer: %v", err)
		}
	}
	return p, cleanup, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, eventType string, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topicFor(p.topics, eventType),
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	})
}

// topicFor 未单独配置的事件类型使用事件类型本身作为 topic
func topicFor(topics map[string]string, eventType string) string {
	if topic, ok := topics[eventType]; ok && topic != "" {
		return topic
	}
	return eventType
}

type logPublisher struct {
	logger *log.Helper
}

func (p *logPublisher) Publish(ctx context.Context, eventType string, key string, payload []byte) error {
	p.logger.WithContext(ctx).Infof("Outbox event %s key=%s payload=%s", eventType, key, payload)
	return nil
}
