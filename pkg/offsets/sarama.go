package offsets

import (
	"time"

	"github.com/IBM/sarama"
)

// SaramaResolver resolves offsets through a sarama client.
type SaramaResolver struct {
	Client sarama.Client
}

// Partitions implements Resolver.
func (r SaramaResolver) Partitions(topic string) ([]int32, error) {
	return r.Client.Partitions(topic)
}

// Oldest implements Resolver.
func (r SaramaResolver) Oldest(topic string, partition int32) (int64, error) {
	return r.Client.GetOffset(topic, partition, sarama.OffsetOldest)
}

// Newest implements Resolver.
func (r SaramaResolver) Newest(topic string, partition int32) (int64, error) {
	return r.Client.GetOffset(topic, partition, sarama.OffsetNewest)
}

// OffsetForTime implements Resolver. Brokers answer -1 when no message is at
// or after t.
func (r SaramaResolver) OffsetForTime(topic string, partition int32, t time.Time) (int64, bool, error) {
	off, err := r.Client.GetOffset(topic, partition, t.UnixMilli())
	if err != nil {
		return 0, false, err
	}
	if off < 0 {
		return 0, false, nil
	}
	return off, true, nil
}
