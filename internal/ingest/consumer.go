package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrInvalidSample = errors.New("invalid location sample")

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// SinkFunc applies one decoded sample.
type SinkFunc func(ctx context.Context, s models.LocationSample) error

// LocationConsumer reads driver samples from Kafka and hands them to a sink.
type LocationConsumer struct {
	reader     MessageReader
	sink       SinkFunc
	logger     *slog.Logger
	maxBackoff time.Duration
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

func NewLocationConsumer(reader MessageReader, sink SinkFunc, logger *slog.Logger) *LocationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationConsumer{reader: reader, sink: sink, logger: logger, maxBackoff: 30 * time.Second}
}

// Run consumes until ctx is done. Read errors back off exponentially; bad
// messages and sink failures are counted and skipped.
func (c *LocationConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = time.Second
		observability.ConsumedMessages.Inc()

		s, err := DecodeSample(m.Value)
		if err != nil {
			observability.InvalidMessages.Inc()
			c.logger.Warn("invalid location message", "error", err, "offset", m.Offset)
			continue
		}
		if err := c.sink(ctx, s); err != nil {
			observability.SinkErrors.Inc()
			c.logger.Warn("apply location failed", "driver_id", s.DriverID, "error", err)
		}
	}
}

func (c *LocationConsumer) Close() error { return c.reader.Close() }

// DecodeSample parses and validates one location record.
func DecodeSample(b []byte) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(b, &s); err != nil {
		return s, err
	}
	if s.DriverID == "" || !s.Point().Valid() {
		return s, ErrInvalidSample
	}
	return s, nil
}
