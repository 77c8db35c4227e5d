package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
)

// KafkaTransport appends envelopes to Kafka topics. Messages are keyed by
// asset id so every attempt for one asset lands on the same partition.
type KafkaTransport struct {
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	group    string
}

// TopicName maps a stream key to a legal Kafka topic name; Kafka rejects
// the ':' separators used by the Redis stream keys.
func TopicName(stream string) string {
	return strings.ReplaceAll(stream, ":", ".")
}

// NewKafkaTransport connects to brokers. workerGroup is the consumer group the
// generation workers commit offsets with. publishTimeout bounds the broker
// acknowledgement and network round trips of a single send.
func NewKafkaTransport(brokers []string, workerGroup string, publishTimeout time.Duration) (*KafkaTransport, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka transport: at least one broker is required")
	}

	cfg := newProducerConfig(publishTimeout)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka transport: invalid config: %w", err)
	}

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka transport: create client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka transport: create producer: %w", err)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, fmt.Errorf("kafka transport: create admin: %w", err)
	}

	return &KafkaTransport{client: client, producer: producer, admin: admin, group: workerGroup}, nil
}

func newProducerConfig(publishTimeout time.Duration) *sarama.Config {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Timeout = publishTimeout
	cfg.Producer.Retry.Max = 1
	cfg.Producer.Retry.Backoff = publishTimeout / 10
	cfg.Net.MaxOpenRequests = 1
	cfg.Net.DialTimeout = publishTimeout
	cfg.Net.ReadTimeout = publishTimeout
	cfg.Net.WriteTimeout = publishTimeout
	return cfg
}

// Append sends the field map as a JSON object. The returned id is
// "partition-offset".
func (t *KafkaTransport) Append(ctx context.Context, stream string, values map[string]string) (string, error) {
	payload, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("kafka transport: marshal fields: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: TopicName(stream),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
			{Key: []byte(envelope.FieldSchemaVersion), Value: []byte(envelope.SchemaVersion)},
		},
	}
	if key := values[envelope.FieldAssetID]; key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("kafka transport: %w", err)
	}

	// SendMessage takes no context. A send abandoned at the deadline may
	// still land; the asset-id key keeps a duplicate on the same partition.
	type sent struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan sent, 1)
	go func() {
		partition, offset, err := t.producer.SendMessage(msg)
		done <- sent{partition, offset, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("kafka transport: send: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("kafka transport: send: %w", r.err)
		}
		return fmt.Sprintf("%d-%d", r.partition, r.offset), nil
	}
}

// Backlog sums, over all partitions, the distance between the newest offset
// and the worker group's committed offset.
func (t *KafkaTransport) Backlog(_ context.Context, stream string) (int64, error) {
	stream = TopicName(stream)
	partitions, err := t.client.Partitions(stream)
	if err != nil {
		return 0, fmt.Errorf("kafka transport: list partitions: %w", err)
	}

	committed, err := t.admin.ListConsumerGroupOffsets(t.group, map[string][]int32{stream: partitions})
	if err != nil {
		return 0, fmt.Errorf("kafka transport: list group offsets: %w", err)
	}

	var backlog int64
	for _, p := range partitions {
		newest, err := t.client.GetOffset(stream, p, sarama.OffsetNewest)
		if err != nil {
			return 0, fmt.Errorf("kafka transport: newest offset for partition %d: %w", p, err)
		}
		var done int64
		if block := committed.GetBlock(stream, p); block != nil && block.Offset > 0 {
			done = block.Offset
		}
		if newest > done {
			backlog += newest - done
		}
	}
	return backlog, nil
}

// Close releases the producer, admin and client.
func (t *KafkaTransport) Close() error {
	var errs []error
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.admin.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
