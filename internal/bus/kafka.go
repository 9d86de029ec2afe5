package bus

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"
)

// KafkaTopic Kafka 主题名不允许 ':'，统一替换为 '.'
func KafkaTopic(topic string) string {
	return strings.ReplaceAll(topic, ":", ".")
}

// topicKey 取主题第二段（品种）作为消息 Key，保证同一品种进入同一个 Partition
func topicKey(topic string) []byte {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) < 2 {
		return nil
	}
	return []byte(parts[1])
}

// KafkaPublisher 把总线消息写入 Kafka，主题按消息指定
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokerURL string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokerURL),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: KafkaTopic(topic),
		Key:   topicKey(topic),
		Value: data,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
