// Package kafka publishes nowcasts to a Kafka topic for downstream
// consumers (dashboards, forecast archives).
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/flu-nowcast/internal/domain"
)

// Publisher produces nowcast messages to a Kafka topic.
// It implements nowcast.Publisher.
type Publisher struct {
	writer *kafkago.Writer
	runID  string
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the nowcast topic. A non-empty
// runID is attached to every message so consumers can group records by the
// update run that produced them.
func NewPublisher(brokers []string, topic, runID string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, runID: runID, logger: logger.With("component", "kafka")}
}

// PublishNowcast serializes and publishes one nowcast. The message key is the
// nowcast's deterministic ID, so compacted topics keep only the latest
// estimate per location and epiweek.
func (p *Publisher) PublishNowcast(ctx context.Context, nc domain.Nowcast) error {
	msg, err := serializeToMessage(nc, p.runID)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish nowcast %s/%s: %w", nc.Epiweek, nc.Location, err)
	}
	p.logger.Debug("published nowcast",
		"epiweek", nc.Epiweek, "location", nc.Location, "topic", p.writer.Topic)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a Nowcast into a Kafka message.
func serializeToMessage(nc domain.Nowcast, runID string) (kafkago.Message, error) {
	data, err := json.Marshal(nc)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize nowcast: %w", err)
	}
	headers := []kafkago.Header{
		{Key: "location", Value: []byte(nc.Location)},
		{Key: "epiweek", Value: []byte(nc.Epiweek.String())},
		{Key: "produced_at", Value: []byte(nc.ProducedAt.Format(time.RFC3339))},
	}
	if runID != "" {
		headers = append(headers, kafkago.Header{Key: "run_id", Value: []byte(runID)})
	}
	return kafkago.Message{
		Key:     []byte(nc.ID),
		Value:   data,
		Headers: headers,
	}, nil
}
