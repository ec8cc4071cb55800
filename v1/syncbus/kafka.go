package syncbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries every lock event; subscribers are matched on
// Event.Topic locally since lock topics are not valid Kafka topic names.
const DefaultKafkaTopic = "distlock-events"

// KafkaBus implements Bus using a Kafka backend.
type KafkaBus struct {
	fanout
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	startOnce sync.Once
	startErr  error
	pc        sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
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
	return NewKafkaBusFrom(producer, consumer, topic), nil
}

// NewKafkaBusFrom wraps an existing producer and consumer.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	b := &KafkaBus{producer: producer, consumer: consumer, topic: topic}
	b.init()
	return b
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	if !b.begin(ev) {
		return nil
	}
	defer b.end(ev)

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Topic),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

func (b *KafkaBus) start() error {
	b.startOnce.Do(func() {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.startErr = err
			return
		}
		b.pc = pc
		go b.dispatch(pc)
	})
	return b.startErr
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for m := range pc.Messages() {
		ev, err := decodeEvent(m.Value)
		if err != nil {
			continue
		}
		b.deliver(ev)
	}
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if err := b.start(); err != nil {
		return nil, err
	}
	ch, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	b.remove(topic, ch)
	return nil
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	var firstErr error
	if b.pc != nil {
		firstErr = b.pc.Close()
	}
	if err := b.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.consumer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	b.closeAll()
	return firstErr
}
