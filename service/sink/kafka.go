package sink

import (
	"context"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// KafkaSink publishes events to a single topic, hash-partitioned by
// conversation so per-conversation ordering survives the hop.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafka(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key controls the partition
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return &KafkaSink{producer: p, topic: topic}, nil
}

func (k *KafkaSink) Publish(ctx context.Context, key string, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err := k.producer.SendMessage(msg)
	return errors.Wrap(err, "kafka send")
}

func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
