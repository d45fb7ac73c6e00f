// Package kafkalog reads and writes the registration directory on a compacted
// Kafka topic.
package kafkalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"github.com/drblury/toolbridge/internal/runtime/directory"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// Offsets is the part of sarama.Client used to find the replay boundary.
type Offsets interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// Log replays every partition of Topic from the oldest offset. The high-water
// marks captured when Run starts define the end of replay.
type Log struct {
	topic    string
	offsets  Offsets
	consumer sarama.Consumer
	producer sarama.SyncProducer
	logger   logging.ServiceLogger
	closers  []func() error

	closeOnce sync.Once
}

// Config describes how to reach the directory topic.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	// CreateTopic creates Topic with cleanup.policy=compact when it is missing.
	CreateTopic       bool
	Partitions        int32
	ReplicationFactor int16
}

// Open dials the brokers and builds a Log.
func Open(cfg Config, logger logging.ServiceLogger) (*Log, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkalog: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafkalog: topic is required")
	}

	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Producer.Retry.Max = 5
	sc.Net.MaxOpenRequests = 1
	sc.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafkalog: connect: %w", err)
	}

	if cfg.CreateTopic {
		if err := ensureTopic(client, cfg); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafkalog: consumer: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafkalog: producer: %w", err)
	}

	l := New(cfg.Topic, client, consumer, producer, logger)
	l.closers = append(l.closers, client.Close)
	return l, nil
}

// New assembles a Log from existing sarama parts.
func New(topic string, offsets Offsets, consumer sarama.Consumer, producer sarama.SyncProducer, logger logging.ServiceLogger) *Log {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Log{
		topic:    topic,
		offsets:  offsets,
		consumer: consumer,
		producer: producer,
		logger:   logger.With(logging.LogFields{"component": "directory_kafka", "topic": topic}),
	}
}

func ensureTopic(client sarama.Client, cfg Config) error {
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		return fmt.Errorf("kafkalog: admin: %w", err)
	}
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	compact := "compact"
	err = admin.CreateTopic(cfg.Topic, &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: replication,
		ConfigEntries:     map[string]*string{"cleanup.policy": &compact},
	}, false)
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kafkalog: create topic %s: %w", cfg.Topic, err)
	}
	return nil
}

type boundary struct {
	partition int32
	// last is the offset of the last record present at start, or -1 when the
	// partition was empty.
	last int64
}

// Run replays the topic and then tails it until ctx ends.
func (l *Log) Run(ctx context.Context, sink directory.Sink) error {
	partitions, err := l.offsets.Partitions(l.topic)
	if err != nil {
		return fmt.Errorf("kafkalog: partitions of %s: %w", l.topic, err)
	}

	bounds := make([]boundary, 0, len(partitions))
	for _, p := range partitions {
		oldest, err := l.offsets.GetOffset(l.topic, p, sarama.OffsetOldest)
		if err != nil {
			return fmt.Errorf("kafkalog: oldest offset %s/%d: %w", l.topic, p, err)
		}
		newest, err := l.offsets.GetOffset(l.topic, p, sarama.OffsetNewest)
		if err != nil {
			return fmt.Errorf("kafkalog: newest offset %s/%d: %w", l.topic, p, err)
		}
		last := newest - 1
		if newest <= oldest {
			last = -1
		}
		bounds = append(bounds, boundary{partition: p, last: last})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make(chan *sarama.ConsumerMessage)
	var wg sync.WaitGroup
	for _, b := range bounds {
		pc, err := l.consumer.ConsumePartition(l.topic, b.partition, sarama.OffsetOldest)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("kafkalog: consume %s/%d: %w", l.topic, b.partition, err)
		}
		wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer wg.Done()
			defer pc.AsyncClose()
			l.forward(ctx, pc, records)
		}(pc)
	}
	defer wg.Wait()

	remaining := make(map[int32]int64, len(bounds))
	for _, b := range bounds {
		if b.last >= 0 {
			remaining[b.partition] = b.last
		}
	}

	replayed := 0
	live := false
	if len(remaining) == 0 {
		sink.CacheReady(0)
		live = true
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-records:
			sink.OnLogEvent(directory.LogEvent{Key: msg.Key, Value: msg.Value, Replay: !live})
			if live {
				continue
			}
			replayed++
			if last, ok := remaining[msg.Partition]; ok && msg.Offset >= last {
				delete(remaining, msg.Partition)
			}
			if len(remaining) == 0 {
				sink.CacheReady(replayed)
				live = true
			}
		}
	}
}

func (l *Log) forward(ctx context.Context, pc sarama.PartitionConsumer, out chan<- *sarama.ConsumerMessage) {
	errs := pc.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			l.logger.Error("directory partition consumer error", err, nil)
		}
	}
}

// Write produces a record keyed {"name": name}. A nil value is a tombstone.
func (l *Log) Write(_ context.Context, name string, value []byte) error {
	key, err := registration.EncodeKey(name)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: l.topic, Key: sarama.ByteEncoder(key)}
	if value != nil {
		msg.Value = sarama.ByteEncoder(value)
	}
	partition, offset, err := l.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafkalog: write %s: %w", name, err)
	}
	l.logger.Debug("directory record written", logging.LogFields{
		"registration": name,
		"partition":    partition,
		"offset":       offset,
		"tombstone":    value == nil,
	})
	return nil
}

func (l *Log) Close() error {
	var errs []error
	l.closeOnce.Do(func() {
		if l.producer != nil {
			errs = append(errs, l.producer.Close())
		}
		if l.consumer != nil {
			errs = append(errs, l.consumer.Close())
		}
		for _, c := range l.closers {
			errs = append(errs, c())
		}
	})
	return errors.Join(errs...)
}
