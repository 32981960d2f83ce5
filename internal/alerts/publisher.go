// Package alerts publishes flagged consumption peaks to Kafka.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"energy-metrics-monitor/internal/anomaly"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Config holds the alert publishing options
type Config struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PeakAlert is the message value published for each peak
type PeakAlert struct {
	Source    string    `json:"source"`
	DeviceID  string    `json:"device_id"`
	Index     int       `json:"index"`
	Label     string    `json:"label"`
	Field     string    `json:"field"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Detected  time.Time `json:"detected_at"`
}

// Publisher sends peak alerts. A disabled publisher drops every alert.
type Publisher struct {
	writer MessageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher builds a Kafka backed publisher from the config.
func NewPublisher(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("alerts")

	if !cfg.Enabled {
		logger.Info("peak alert publishing disabled")
		return &Publisher{logger: logger, now: time.Now}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("alerts topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one alerts broker is required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	logger.Info("peak alert publishing enabled",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return NewPublisherWithWriter(w, logger), nil
}

// NewPublisherWithWriter wires an existing writer.
func NewPublisherWithWriter(w MessageWriter, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: w, logger: logger, now: time.Now}
}

// Enabled reports whether alerts are actually sent.
func (p *Publisher) Enabled() bool {
	return p != nil && p.writer != nil
}

// Publish sends one message per peak keyed by device id. It returns the
// number of messages written.
func (p *Publisher) Publish(ctx context.Context, source string, peaks []anomaly.Peak) (int, error) {
	if !p.Enabled() || len(peaks) == 0 {
		return 0, nil
	}

	detected := p.now().UTC()
	msgs := make([]kafka.Message, 0, len(peaks))
	for _, pk := range peaks {
		value, err := json.Marshal(PeakAlert{
			Source:    source,
			DeviceID:  pk.DeviceID,
			Index:     pk.Index,
			Label:     pk.Label,
			Field:     string(pk.Field),
			Value:     pk.Value,
			Threshold: pk.Threshold,
			Detected:  detected,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to encode alert: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(pk.DeviceID),
			Value: value,
			Time:  detected,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("failed to publish peak alerts", zap.String("source", source), zap.Error(err))
		return 0, fmt.Errorf("failed to publish peak alerts: %w", err)
	}
	p.logger.Debug("published peak alerts", zap.String("source", source), zap.Int("count", len(msgs)))
	return len(msgs), nil
}

// Close releases the writer.
func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.writer.Close()
}
