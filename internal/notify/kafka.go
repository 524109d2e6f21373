package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier 将进度事件以 JSON 写入 Kafka 主题，key 为执行 ID，保证同一执行内有序。
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier 构造同步写入的 Kafka 通知器。
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic required")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil
}

// Notify 同步写入一条消息，写入失败时返回错误。
func (k *KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(Stamp(ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := ev.ExecutionID
	if key == "" {
		key = ev.TaskID
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close 刷新并关闭底层 writer。
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
