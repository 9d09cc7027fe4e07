// Package queue connects the engine to Kafka: it consumes the entity change
// stream and publishes operator alerts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/notification"
)

const handlerAttempts = 3

// ChangeHandler applies one entity change event
type ChangeHandler func(ctx context.Context, ev notification.ChangeEvent) error

// AlertProducer publishes operator alerts to Kafka. It satisfies
// dispatch.AlertPublisher.
type AlertProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// ChangeConsumer reads entity change events from Kafka
type ChangeConsumer struct {
	reader   *kafka.Reader
	validate *validator.Validate
	logger   *zap.Logger
}

// NewAlertProducer creates a new Kafka alert producer
func NewAlertProducer(cfg config.KafkaConfig, logger *zap.Logger) *AlertProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        false, // Synchronous for reliability
	}

	return &AlertProducer{writer: writer, logger: logger}
}

// NewChangeConsumer creates a new Kafka change stream consumer
func NewChangeConsumer(cfg config.KafkaConfig, logger *zap.Logger) *ChangeConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.ChangeTopic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		StartOffset: kafka.FirstOffset,
	})

	return &ChangeConsumer{reader: reader, validate: validator.New(), logger: logger}
}

// PublishAlert publishes an alert keyed by notification id
func (p *AlertProducer) PublishAlert(ctx context.Context, alert notification.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.NotificationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(alert.Kind)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
		Time: alert.At,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write alert to Kafka: %w", err)
	}

	p.logger.Info("Published alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.String("notification_id", alert.NotificationID),
	)
	return nil
}

// Consume reads change events until ctx is cancelled. Offsets are committed
// after the handler ran, so events are processed at least once; the handler
// must be idempotent.
func (c *ChangeConsumer) Consume(ctx context.Context, handler ChangeHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Error reading change event from Kafka", zap.Error(err))
			continue
		}

		ev, err := c.decode(msg.Value)
		if err != nil {
			c.logger.Warn("Dropping malformed change event",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := c.handle(ctx, handler, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Giving up on change event",
				zap.String("scope", string(ev.Scope)),
				zap.String("target_id", ev.TargetID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Failed to commit change event offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *ChangeConsumer) handle(ctx context.Context, handler ChangeHandler, ev notification.ChangeEvent) error {
	var err error
	for attempt := 1; attempt <= handlerAttempts; attempt++ {
		if err = handler(ctx, ev); err == nil {
			return nil
		}
		c.logger.Warn("Change handler failed",
			zap.String("target_id", ev.TargetID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return err
}

func (c *ChangeConsumer) decode(data []byte) (notification.ChangeEvent, error) {
	var ev notification.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if err := c.validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ev, fmt.Errorf("invalid change event: %s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return ev, err
	}
	return ev, nil
}

// Close closes the producer
func (p *AlertProducer) Close() error {
	return p.writer.Close()
}

// Close closes the consumer
func (c *ChangeConsumer) Close() error {
	return c.reader.Close()
}
