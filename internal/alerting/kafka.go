package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"price-alert-engine/internal/config"
	"price-alert-engine/internal/models"
)

// KindKafka publishes notifications to a topic named by the target address.
const KindKafka = "kafka"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAdapter publishes fire notifications keyed by rule id.
type KafkaAdapter struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewKafkaAdapter creates a synchronous writer; the topic comes from each message.
func NewKafkaAdapter(cfg config.KafkaConfig, logger zerolog.Logger) (*KafkaAdapter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		// retries belong to the delivery scheduler
		MaxAttempts: 1,
		Async:       false,
	}
	return newKafkaAdapter(writer, logger), nil
}

func newKafkaAdapter(w messageWriter, logger zerolog.Logger) *KafkaAdapter {
	return &KafkaAdapter{
		writer: w,
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

func (a *KafkaAdapter) Kind() string { return KindKafka }

func (a *KafkaAdapter) Send(ctx context.Context, target models.ChannelTarget, msg Message) error {
	topic := strings.TrimSpace(target.Address)
	if topic == "" || strings.ContainsAny(topic, " /\\") {
		return Permanent(fmt.Errorf("invalid kafka topic %q", target.Address))
	}

	data, err := json.Marshal(NewNotification(msg))
	if err != nil {
		return Permanent(fmt.Errorf("marshal kafka payload: %w", err))
	}

	err = a.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(msg.Fire.RuleID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "fire_id", Value: []byte(msg.Fire.ID)},
			{Key: "channel_id", Value: []byte(target.Key())},
		},
		Time: time.Now().UTC(),
	})
	if err != nil {
		return classifyKafka(err)
	}

	a.logger.Info().
		Str("fire_id", msg.Fire.ID).
		Str("topic", topic).
		Msg("alert published")
	return nil
}

// Close flushes and closes the writer.
func (a *KafkaAdapter) Close() error {
	return a.writer.Close()
}

func classifyKafka(err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return Permanent(fmt.Errorf("publish to kafka: %w", err))
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && errors.As(e, &kerr) && !kerr.Temporary() {
				return Permanent(fmt.Errorf("publish to kafka: %w", err))
			}
		}
	}
	return Transient(fmt.Errorf("publish to kafka: %w", err))
}

var _ Adapter = (*KafkaAdapter)(nil)
