package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ariefcatur/go-checkout-payments/internal/orders"
	"github.com/segmentio/kafka-go"
)

// Producer writes envelopes to any topic from one background loop. Publish
// only queues; broker errors are logged by the writer's completion callback.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	log     *slog.Logger
}

var _ orders.Publisher = (*Producer)(nil)

func NewProducer(brokers []string, buf int, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	if buf <= 0 {
		buf = 1024
	}
	p := &Producer{
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		log:     log.With("component", "kafka_producer"),
	}
	p.w = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				p.log.Error("kafka write failed", "messages", len(msgs), "topic", firstTopic(msgs), "err", err)
			}
		},
	}
	return p
}

func firstTopic(msgs []kafka.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].Topic
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.flush()
				return
			case m, ok := <-p.inbox:
				if !ok {
					_ = p.w.Close()
					return
				}
				p.write(m)
			}
		}
	}()
}

// flush writes whatever is still queued, then closes the writer.
func (p *Producer) flush() {
	for {
		select {
		case m, ok := <-p.inbox:
			if !ok {
				_ = p.w.Close()
				return
			}
			p.write(m)
		default:
			_ = p.w.Close()
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		p.log.Error("kafka enqueue failed", "topic", m.Topic, "err", err)
	}
}

func message(topic string, key []byte, env orders.Envelope) (kafka.Message, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   key,
		Value: b,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(env.EventType)},
			{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
		},
	}, nil
}

// Publish queues env for topic, waiting for room until ctx is done.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, env orders.Envelope) error {
	m, err := message(topic, key, env)
	if err != nil {
		return err
	}
	inject(ctx, &m)
	select {
	case p.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer queues env only if there is room right now.
func (p *Producer) Offer(ctx context.Context, topic string, key []byte, env orders.Envelope) bool {
	m, err := message(topic, key, env)
	if err != nil {
		return false
	}
	inject(ctx, &m)
	select {
	case p.inbox <- m:
		return true
	default:
		return false
	}
}

// Close stops accepting messages; the loop flushes the rest and exits.
func (p *Producer) Close() { close(p.inbox) }

func (p *Producer) WaitClosed() { <-p.closeCh }
