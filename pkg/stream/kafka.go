// Package stream publishes exchange events to Kafka.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/tokenex/pkg/app/core"
)

// MessageWriter is the subset of *kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each exchange event as a JSON message. Events about one
// order share a key, so they land on one partition in log order.
type KafkaSink struct {
	writer MessageWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}
}

// NewKafkaSinkWithWriter wraps an existing writer
func NewKafkaSinkWithWriter(w MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

// Publish implements exchange.Sink
func (k *KafkaSink) Publish(ctx context.Context, ev core.Event) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka %s: write event %d: %w", k.topic, ev.Seq, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

// Message encodes an event. Key is "order:{id}" for order and trade
// events, "user:{address}" for transfers.
func Message(ev core.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %d: %w", ev.Seq, err)
	}
	var key string
	if id := ev.OrderID(); id != 0 {
		key = "order:" + strconv.FormatUint(id, 10)
	} else if users := ev.Users(); len(users) > 0 {
		key = "user:" + users[0].Hex()
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Kind)},
			{Key: "seq", Value: []byte(strconv.FormatUint(ev.Seq, 10))},
		},
	}, nil
}
