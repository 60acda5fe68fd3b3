// Package kafka reads a bounded slice of one or more topics per run.
//
// High watermarks are snapshotted when the run starts and every unread
// partition is read up to that point, so a run never waits for new
// messages. Offsets are mirrored into state per message and checkpointed
// every batch_size messages.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/base"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/offsets"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

const defaultBatchTimeout = 3 * time.Second

// Source is the Kafka connector.
type Source struct {
	*base.BaseConnector

	brokers      []string
	topics       []string
	decoder      ValueDecoder
	batchSize    int
	batchTimeout time.Duration
	saramaConfig *sarama.Config

	connOnce sync.Once
	connErr  error
	client   sarama.Client
	resolver offsets.Resolver
	consumer sarama.Consumer
}

// NewSource creates a Kafka source for the brokers and topics properties.
// value_format selects json (default), avro or raw decoding.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	brokers := cfg.PropertyList("brokers")
	topics := cfg.PropertyList("topics")
	if len(brokers) == 0 || len(topics) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka: brokers and topics are required")
	}
	decoder, err := newDecoder(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	timeout := defaultBatchTimeout
	if v := cfg.Property("batch_timeout", ""); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "kafka: invalid batch_timeout")
		}
	}

	b, err := base.NewBaseConnector(cfg, rc, nil)
	if err != nil {
		return nil, err
	}
	return &Source{
		BaseConnector: b,
		brokers:       brokers,
		topics:        topics,
		decoder:       decoder,
		batchSize:     cfg.Performance.BatchSize,
		batchTimeout:  timeout,
		saramaConfig:  sc,
	}, nil
}

func newDecoder(cfg *config.SourceConfig) (ValueDecoder, error) {
	switch format := strings.ToLower(cfg.Property("value_format", "json")); format {
	case "json":
		return JSONDecoder{}, nil
	case "raw":
		return RawDecoder{}, nil
	case "avro":
		schema := cfg.Property("avro_schema", "")
		if schema == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "kafka: avro_schema is required for avro values")
		}
		confluent, err := cfg.PropertyBool("confluent_framing", false)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "kafka")
		}
		d, err := NewAvroDecoder(schema, confluent)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "kafka: invalid avro_schema")
		}
		return d, nil
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "kafka: unsupported value_format "+format)
	}
}

// buildSaramaConfig maps security properties onto a consumer config.
func buildSaramaConfig(cfg *config.SourceConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "nebula-connectors"
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	switch cfg.Property("security_protocol", "PLAINTEXT") {
	case "SASL_SSL", "SSL":
		insecure, err := cfg.PropertyBool("tls_insecure_skip_verify", false)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "kafka")
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{InsecureSkipVerify: insecure}
	}

	if mech := cfg.Property("sasl_mechanism", ""); mech != "" {
		if mech != "PLAIN" {
			return nil, errors.New(errors.ErrorTypeConfig, "kafka: unsupported sasl_mechanism "+mech)
		}
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = cfg.OptionalCredential("sasl_username")
		sc.Net.SASL.Password = cfg.OptionalCredential("sasl_password")
	}
	if err := sc.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "kafka: invalid client config")
	}
	return sc, nil
}

func (s *Source) connect() error {
	s.connOnce.Do(func() {
		if s.consumer != nil {
			return
		}
		client, err := sarama.NewClient(s.brokers, s.saramaConfig)
		if err != nil {
			s.connErr = errors.Wrap(err, errors.ErrorTypeConnection, "kafka: failed to connect")
			return
		}
		consumer, err := sarama.NewConsumerFromClient(client)
		if err != nil {
			_ = client.Close()
			s.connErr = errors.Wrap(err, errors.ErrorTypeConnection, "kafka: failed to create consumer")
			return
		}
		s.client = client
		s.resolver = offsets.SaramaResolver{Client: client}
		s.consumer = consumer
	})
	return s.connErr
}

// Resources implements core.Source. All topics share one resource; records
// are routed to a table per topic.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	return []*core.Resource{{
		Name:             "kafka_messages",
		PrimaryKey:       []string{"_kafka_msg_id"},
		WriteDisposition: core.Append,
		TableName: func(rec core.Record) string {
			meta, _ := rec["_kafka"].(map[string]any)
			topic, _ := meta["topic"].(string)
			return strings.NewReplacer(".", "_", "-", "_").Replace(topic)
		},
		Read: s.readMessages,
	}}, nil
}

func (s *Source) readMessages(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		if err := s.connect(); err != nil {
			yield(nil, err)
			return
		}
		tracker := offsets.NewTracker(s.resolver, bag, s.topics, s.StartDate(time.Time{}), s.Logger())
		if err := tracker.Init(ctx); err != nil {
			yield(nil, err)
			return
		}

		r := &partitionReader{src: s, tracker: tracker, yield: yield}
		topics := tracker.Topics()
		for _, topic := range topics {
			unread := tracker.Unread(topic)
			parts := make([]int32, 0, len(unread))
			for p := range unread {
				parts = append(parts, p)
			}
			sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
			for _, p := range parts {
				if !r.read(ctx, topic, p, unread[p]) {
					return
				}
			}
		}
		s.Logger().Info("kafka read complete",
			zap.Strings("topics", topics),
			zap.Int("messages", r.consumed),
			zap.Int("skipped", r.skipped))
	}
}

// partitionReader consumes partitions one at a time and stops the sequence
// when the consumer declines a record or a fatal error occurs.
type partitionReader struct {
	src      *Source
	tracker  *offsets.Tracker
	yield    func(core.Record, error) bool
	pending  int
	consumed int
	skipped  int
}

// read consumes topic/p from offset up to the snapshotted high watermark.
// It reports false when iteration must stop.
func (r *partitionReader) read(ctx context.Context, topic string, p int32, offset int64) bool {
	log := r.src.Logger().With(zap.String("topic", topic), zap.Int32("partition", p))
	pc, err := r.src.consumer.ConsumePartition(topic, p, offset)
	if err != nil {
		r.yield(nil, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("kafka: failed to consume %s/%d", topic, p)))
		return false
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.src.batchTimeout)
	defer idle.Stop()
	for {
		if po, ok := r.tracker.Get(topic, p); !ok || !po.Unread() {
			return true
		}
		select {
		case <-ctx.Done():
			r.yield(nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "kafka: read cancelled"))
			return false
		case cerr, ok := <-pc.Errors():
			if !ok {
				return true
			}
			r.yield(nil, errors.Wrap(cerr.Err, errors.ErrorTypeConnection, fmt.Sprintf("kafka: consuming %s/%d", topic, p)))
			return false
		case msg, ok := <-pc.Messages():
			if !ok {
				return true
			}
			if !r.handle(ctx, log, msg) {
				return false
			}
			idle.Reset(r.src.batchTimeout)
		case <-idle.C:
			po, _ := r.tracker.Get(topic, p)
			log.Warn("partition idle below high watermark, continuing next run",
				zap.Int64("cur", po.Cur),
				zap.Int64("max", po.Max))
			return true
		}
	}
}

func (r *partitionReader) handle(ctx context.Context, log *zap.Logger, msg *sarama.ConsumerMessage) bool {
	rec, err := r.src.record(msg)
	if err != nil {
		r.skipped++
		r.src.Metrics().Skipped(msg.Topic)
		log.Warn("skipping undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		r.tracker.Renew(msg.Topic, msg.Partition, msg.Offset)
		return true
	}
	if !r.yield(rec, nil) {
		return false
	}
	r.tracker.Renew(msg.Topic, msg.Partition, msg.Offset)
	r.consumed++
	r.src.Metrics().Records("kafka_messages", 1)

	r.pending++
	if r.batchFull() {
		r.pending = 0
		if err := r.tracker.Checkpoint(ctx); err != nil {
			r.yield(nil, errors.Wrap(err, errors.ErrorTypeState, "kafka: checkpoint failed"))
			return false
		}
	}
	return true
}

func (r *partitionReader) batchFull() bool {
	return r.src.batchSize > 0 && r.pending >= r.src.batchSize
}

// record wraps the decoded value with its Kafka coordinates.
func (s *Source) record(msg *sarama.ConsumerMessage) (core.Record, error) {
	value, err := s.decoder.Decode(msg.Value)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"key":       string(msg.Key),
	}
	if !msg.Timestamp.IsZero() {
		meta["ts"] = msg.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if len(msg.Headers) > 0 {
		headers := make(map[string]any, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				headers[string(h.Key)] = string(h.Value)
			}
		}
		meta["headers"] = headers
	}
	return core.Record{
		"_kafka":        meta,
		"_kafka_msg_id": fmt.Sprintf("%s_%d_%d", msg.Topic, msg.Partition, msg.Offset),
		"data":          value,
	}, nil
}

// Close releases the consumer and broker connections.
func (s *Source) Close() error {
	var first error
	if s.consumer != nil {
		first = s.consumer.Close()
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := s.BaseConnector.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
