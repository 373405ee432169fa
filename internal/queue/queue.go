// Package queue publishes ledger events and payout instructions to Kafka, or
// as JSON lines to a writer for local runs.
package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	envKafkaTLS         = "DEPOSITHOLDER_QUEUE_KAFKA_TLS"
	defaultBatchTimeout = 10 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

var (
	ErrInvalidConfig = errors.New("queue: invalid config")
	ErrMissingTopic  = errors.New("queue: topic is required")
	ErrClosed        = errors.New("queue: producer closed")
)

// Record is one message. Key selects the Kafka partition, so records that
// share a key are delivered in publish order.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer publishes queue messages.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Write(ctx context.Context, records ...Record) error
	Close() error
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	ClientID     string
	BatchTimeout time.Duration
	WriteTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

// NewProducer creates a producer for the configured driver. An empty driver
// selects Kafka.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// SplitCommaList splits a flag value such as "b1:9092, b2:9092".
func SplitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return normalizeList(strings.Split(s, ","))
}

func kafkaTLSEnabled() bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func validateRecords(records []Record) error {
	for i := range records {
		if strings.TrimSpace(records[i].Topic) == "" {
			return fmt.Errorf("%w (record %d)", ErrMissingTopic, i)
		}
	}
	return nil
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	transport := &kafka.Transport{ClientID: strings.TrimSpace(cfg.ClientID)}
	if kafkaTLSEnabled() {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireAll,
		Transport:    transport,
	}
	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.Write(ctx, Record{Topic: topic, Value: payload})
}

func (p *kafkaProducer) Write(ctx context.Context, records ...Record) error {
	if err := validateRecords(records); err != nil {
		return err
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, toKafkaMessage(r))
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func toKafkaMessage(r Record) kafka.Message {
	m := kafka.Message{
		Topic: strings.TrimSpace(r.Topic),
		Key:   r.Key,
		Value: r.Value,
	}
	for k, v := range r.Headers {
		m.Headers = append(m.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return m
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

// stdioProducer writes each payload followed by a newline. Topics, keys and
// headers are dropped.
type stdioProducer struct {
	m      sync.Mutex
	w      io.Writer
	closed bool
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.Write(ctx, Record{Topic: topic, Value: payload})
}

func (p *stdioProducer) Write(ctx context.Context, records ...Record) error {
	if err := validateRecords(records); err != nil {
		return err
	}
	p.m.Lock()
	defer p.m.Unlock()

	if p.closed {
		return ErrClosed
	}
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := make([]byte, 0, len(r.Value)+1)
		line = append(line, r.Value...)
		line = append(line, '\n')
		if _, err := p.w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func (p *stdioProducer) Close() error {
	p.m.Lock()
	defer p.m.Unlock()
	p.closed = true
	return nil
}
