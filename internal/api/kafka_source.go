package api

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSource 消费 Kafka 上的 tick，每条消息一个 JSON tick，Key 为品种
type KafkaSource struct {
	brokerURL string
	topic     string
	groupID   string
	logger    *zap.Logger
}

func NewKafkaSource(brokerURL, topic, groupID string, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		brokerURL: brokerURL,
		topic:     topic,
		groupID:   groupID,
		logger:    logger,
	}
}

func (s *KafkaSource) Run(ctx context.Context, emit func(Event)) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{s.brokerURL},
		Topic:    s.topic,
		GroupID:  s.groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		// 从最新的 offset 开始消费，只关心实时行情
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		MaxAttempts:    3,
	})
	defer r.Close()

	s.logger.Info("Kafka source started", zap.String("topic", s.topic), zap.String("group_id", s.groupID))
	for {
		// ReadMessage 在消费组模式下按 CommitInterval 自动提交 offset
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Kafka read error", zap.String("topic", s.topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := kafkaEvent(m)
		if err != nil {
			s.logger.Warn("Dropping malformed kafka tick", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}
		// 阻塞投递，下游满时停止读取
		emit(ev)
	}
}

func kafkaEvent(m kafka.Message) (Event, error) {
	tick, err := DecodeTick(m.Value, string(m.Key))
	if err != nil {
		return Event{}, fmt.Errorf("partition %d: %w", m.Partition, err)
	}
	return TickEvent(tick), nil
}
