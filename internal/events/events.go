// Package events is the audit/domain-event publisher: it mirrors
// lifecycle state transitions onto a Kafka topic for downstream
// billing and fraud-review consumers.
//
// Adapted from internal/message/kafka_producer.go, keeping its async
// producer plus success/error goroutines and snappy/ack configuration,
// repointed at charging-session and invoice events instead of the
// teacher's charge-point connection events.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/chargeplatform/control-plane/internal/metrics"
)

// Kind identifies a domain event emitted by the Lifecycle Engine,
// Payment Provider Adapter, or Reconciler.
type Kind string

const (
	SessionStarting Kind = "session.starting"
	SessionActive   Kind = "session.active"
	SessionStopped  Kind = "session.stopped"
	SessionFailed   Kind = "session.failed"
	SessionExpired  Kind = "session.expired"
	InvoiceCreated  Kind = "invoice.created"
	InvoiceApproved Kind = "invoice.approved"
	InvoiceExpired  Kind = "invoice.expired"
)

// Event is a single audit record. Fields besides Kind/At are filled in
// as available for the kind being emitted.
type Event struct {
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	StationID string    `json:"station_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	InvoiceID string    `json:"invoice_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
}

// Publisher emits audit events. Implementations must not block the
// caller on a slow broker; KafkaPublisher hands off to sarama's async
// producer.
type Publisher interface {
	Publish(e Event) error
	Close() error
}

// KafkaPublisher is the production Publisher, backed by sarama.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewKafkaPublisher dials brokers and starts the success/error
// consumption goroutines.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka async producer: %w", err)
	}

	p := &KafkaPublisher{producer: producer, topic: topic}
	go p.handleSuccesses()
	go p.handleErrors()
	return p, nil
}

// Publish hands e off to the async producer, partitioned by session id
// (or client id, for invoice events with no session) so that a given
// session's events land on one partition in order.
func (p *KafkaPublisher) Publish(e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := e.SessionID
	if key == "" {
		key = e.ClientID
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic:    p.topic,
		Key:      sarama.StringEncoder(key),
		Value:    sarama.ByteEncoder(data),
		Metadata: e.Kind,
	}
	return nil
}

// Close drains and closes the underlying producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

func (p *KafkaPublisher) handleSuccesses() {
	for msg := range p.producer.Successes() {
		if kind, ok := msg.Metadata.(Kind); ok {
			metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
		}
	}
}

func (p *KafkaPublisher) handleErrors() {
	for err := range p.producer.Errors() {
		log.Error().Err(err).Str("topic", err.Msg.Topic).Msg("events: publish failed")
	}
}
