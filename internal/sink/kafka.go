package sink

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopicPrefix leads every push topic unless overridden in
// PublisherConfig.
const DefaultTopicPrefix = "iot.telemetry"

// Topic routing for pushed events under the default prefix. Anything
// unlisted lands on the default topic.
const (
	TopicBirth        = DefaultTopicPrefix + ".sparkplug.birth"
	TopicData         = DefaultTopicPrefix + ".sparkplug.data"
	TopicDeath        = DefaultTopicPrefix + ".sparkplug.death"
	TopicRegistration = DefaultTopicPrefix + ".lwm2m.registration"
	TopicUpdate       = DefaultTopicPrefix + ".lwm2m.update"
	TopicDefault      = DefaultTopicPrefix + ".events"
)

// topicFor maps an event type to its Kafka topic under the given prefix.
func topicFor(prefix, eventType string) string {
	switch eventType {
	case TypeBirth:
		return prefix + ".sparkplug.birth"
	case TypeData:
		return prefix + ".sparkplug.data"
	case TypeDeath:
		return prefix + ".sparkplug.death"
	case TypeRegistration:
		return prefix + ".lwm2m.registration"
	case TypeUpdate:
		return prefix + ".lwm2m.update"
	default:
		return prefix + ".events"
	}
}

// Logger is the logging interface used by the publisher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// PublisherConfig configures the Kafka push sink.
type PublisherConfig struct {
	// Brokers is the bootstrap broker list, host:port.
	Brokers []string

	// TopicPrefix replaces DefaultTopicPrefix when set.
	TopicPrefix string

	// BatchTimeout is how long the writer coalesces messages before a
	// flush.
	BatchTimeout time.Duration

	// MaxAttempts bounds delivery retries per message.
	MaxAttempts int

	// QueueSize bounds the internal emit queue. Events beyond it are
	// dropped with a warning rather than blocking the producer.
	QueueSize int

	// WriteTimeout bounds one delivery attempt.
	WriteTimeout time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 50 * time.Millisecond
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.QueueSize < 1 {
		c.QueueSize = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// kafkaWriter is the slice of kafka.Writer the publisher uses; tests
// substitute a mock.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is the push sink: events are serialized to JSON and
// delivered to per-type Kafka topics, keyed by endpoint so one device's
// events stay ordered within a partition.
//
// Emit enqueues and returns immediately; a background goroutine drains
// the queue. Delivery uses RequireAll acks with bounded retries, so the
// overall guarantee is at-least-once with possible duplicates.
type Publisher struct {
	cfg    PublisherConfig
	writer kafkaWriter
	logger Logger

	queue chan Event
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPublisher creates a Kafka push sink and starts its delivery loop.
func NewPublisher(cfg PublisherConfig) *Publisher {
	cfg = cfg.withDefaults()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		BatchTimeout: cfg.BatchTimeout,
	}
	return newPublisher(cfg, writer)
}

func newPublisher(cfg PublisherConfig, writer kafkaWriter) *Publisher {
	p := &Publisher{
		cfg:    cfg,
		writer: writer,
		logger: nopLogger{},
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// SetLogger sets the logger for the publisher.
func (p *Publisher) SetLogger(logger Logger) {
	p.logger = logger
}

// Emit enqueues the event for delivery. A full queue drops the event;
// the pull feed remains the lossless-within-capacity surface.
func (p *Publisher) Emit(event Event) {
	select {
	case p.queue <- event:
	default:
		p.logger.Warn("kafka sink queue full, dropping event",
			"type", event.Type, "endpoint", event.Endpoint)
	}
}

// Close drains the queue, flushes the writer and stops the loop.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return p.writer.Close()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case event := <-p.queue:
			p.deliver(event)
		case <-p.done:
			// Drain whatever was enqueued before Close.
			for {
				select {
				case event := <-p.queue:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) deliver(event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("encoding sink event", "type", event.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	msg := kafka.Message{
		Topic: topicFor(p.cfg.TopicPrefix, event.Type),
		Key:   []byte(event.Endpoint),
		Value: value,
		Time:  event.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("delivering sink event",
			"topic", msg.Topic, "endpoint", event.Endpoint, "error", err)
		return
	}
	p.logger.Debug("sink event delivered", "topic", msg.Topic, "offset", event.Offset)
}
