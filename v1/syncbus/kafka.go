package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka backend. Channels map to topics
// and only partition 0 is consumed, starting from the newest offset.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	subs     *fanout

	mu        sync.Mutex
	pcs       map[string]sarama.PartitionConsumer
	published atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return newKafkaBus(producer, consumer), nil
}

func newKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     newFanout(),
		pcs:      make(map[string]sarama.PartitionConsumer),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: channel, Value: sarama.ByteEncoder(payload)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, channel string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pcs[channel]; !ok {
		pc, err := b.consumer.ConsumePartition(channel, 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.pcs[channel] = pc
		go b.dispatch(channel, pc)
	}
	ch := b.subs.add(ctx, channel, func(ch chan []byte) {
		_ = b.Unsubscribe(context.Background(), channel, ch)
	})
	return ch, nil
}

func (b *KafkaBus) dispatch(channel string, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.subs.dispatch(channel, msg.Value)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, channel string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.subs.remove(channel, ch); !last {
		return nil
	}
	pc, ok := b.pcs[channel]
	if !ok {
		return nil
	}
	delete(b.pcs, channel)
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for channel, pc := range b.pcs {
		_ = pc.Close()
		delete(b.pcs, channel)
	}
	b.mu.Unlock()
	b.subs.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
