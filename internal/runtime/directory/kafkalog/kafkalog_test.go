package kafkalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/toolbridge/internal/runtime/directory"
)

type fakeOffsets struct {
	oldest map[int32]int64
	newest map[int32]int64
}

func (f fakeOffsets) Partitions(string) ([]int32, error) {
	out := make([]int32, 0, len(f.newest))
	for p := int32(0); int(p) < len(f.newest); p++ {
		out = append(out, p)
	}
	return out, nil
}

func (f fakeOffsets) GetOffset(_ string, p int32, t int64) (int64, error) {
	if t == sarama.OffsetOldest {
		return f.oldest[p], nil
	}
	return f.newest[p], nil
}

type fakePartition struct {
	sarama.PartitionConsumer
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
}

func (f *fakePartition) Messages() <-chan *sarama.ConsumerMessage { return f.messages }
func (f *fakePartition) Errors() <-chan *sarama.ConsumerError     { return f.errs }
func (f *fakePartition) AsyncClose()                              {}

type fakeConsumer struct {
	sarama.Consumer
	mu         sync.Mutex
	partitions map[int32]*fakePartition
}

func newFakeConsumer(n int) *fakeConsumer {
	c := &fakeConsumer{partitions: map[int32]*fakePartition{}}
	for p := int32(0); int(p) < n; p++ {
		c.partitions[p] = &fakePartition{
			messages: make(chan *sarama.ConsumerMessage, 16),
			errs:     make(chan *sarama.ConsumerError),
		}
	}
	return c
}

func (c *fakeConsumer) ConsumePartition(_ string, p int32, offset int64) (sarama.PartitionConsumer, error) {
	if offset != sarama.OffsetOldest {
		return nil, errors.New("replay must start from the oldest offset")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partitions[p], nil
}

func (c *fakeConsumer) Close() error { return nil }

func (c *fakeConsumer) yield(p int32, offset int64, key, value string) {
	msg := &sarama.ConsumerMessage{Topic: "_agent_registry", Partition: p, Offset: offset, Key: []byte(key)}
	if value != "" {
		msg.Value = []byte(value)
	}
	c.partitions[p].messages <- msg
}

type recordingSink struct {
	mu     sync.Mutex
	events []directory.LogEvent
	ready  []int
}

func (s *recordingSink) OnLogEvent(ev directory.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) CacheReady(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, n)
}

func (s *recordingSink) state() ([]directory.LogEvent, []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]directory.LogEvent(nil), s.events...), append([]int(nil), s.ready...)
}

func TestRunSignalsTailAfterHighWaterMarks(t *testing.T) {
	consumer := newFakeConsumer(2)
	offsets := fakeOffsets{
		oldest: map[int32]int64{0: 0, 1: 5},
		newest: map[int32]int64{0: 2, 1: 6},
	}
	log := New("_agent_registry", offsets, consumer, nil, nil)
	sink := &recordingSink{}

	consumer.yield(0, 0, `{"name":"A"}`, `{"name":"A"}`)
	consumer.yield(1, 5, `{"name":"B"}`, `{"name":"B"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- log.Run(ctx, sink) }()

	time.Sleep(20 * time.Millisecond)
	_, ready := sink.state()
	assert.Empty(t, ready, "partition 0 has not reached its high-water mark yet")

	consumer.yield(0, 1, `{"name":"A"}`, "")
	require.Eventually(t, func() bool {
		_, ready := sink.state()
		return len(ready) == 1
	}, time.Second, time.Millisecond)

	consumer.yield(0, 2, `{"name":"C"}`, `{"name":"C"}`)
	require.Eventually(t, func() bool {
		events, _ := sink.state()
		return len(events) == 4
	}, time.Second, time.Millisecond)

	events, ready := sink.state()
	assert.Equal(t, []int{3}, ready)
	for _, ev := range events[:3] {
		assert.True(t, ev.Replay)
	}
	assert.Nil(t, events[2].Value, "empty value is a tombstone")
	assert.False(t, events[3].Replay)

	cancel()
	assert.NoError(t, <-done)
}

func TestRunEmptyTopicIsReadyImmediately(t *testing.T) {
	consumer := newFakeConsumer(1)
	offsets := fakeOffsets{oldest: map[int32]int64{0: 3}, newest: map[int32]int64{0: 3}}
	log := New("_agent_registry", offsets, consumer, nil, nil)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- log.Run(ctx, sink) }()

	require.Eventually(t, func() bool {
		_, ready := sink.state()
		return len(ready) == 1
	}, time.Second, time.Millisecond)
	_, ready := sink.state()
	assert.Equal(t, []int{0}, ready)

	cancel()
	assert.NoError(t, <-done)
}

func TestWriteProducesKeyedRecordsAndTombstones(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != `{"name":"weather"}` {
			return errors.New("unexpected key " + string(key))
		}
		if msg.Value == nil {
			return errors.New("expected a value")
		}
		return nil
	})
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Value != nil {
			return errors.New("tombstone must have a nil value")
		}
		return nil
	})

	log := New("_agent_registry", nil, nil, producer, nil)
	require.NoError(t, log.Write(context.Background(), "weather", []byte(`{"name":"weather"}`)))
	require.NoError(t, log.Write(context.Background(), "weather", nil))
	require.NoError(t, log.Close())
}

func TestWriteSurfacesProducerErrors(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	log := New("_agent_registry", nil, nil, producer, nil)
	err := log.Write(context.Background(), "weather", []byte(`{}`))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Error(t, log.Write(context.Background(), "", nil))
	require.NoError(t, log.Close())
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(Config{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = Open(Config{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
}
