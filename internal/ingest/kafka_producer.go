package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

// RideEvent is the record written for every accepted ride transition.
type RideEvent struct {
	Ride       *models.Ride      `json:"ride"`
	Transition models.Transition `json:"transition"`
}

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations MessageWriter
	rides     MessageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic),
		rides:     newWriter(brokers, rideTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

// PublishLocation writes a driver sample keyed by driver ID so samples of one
// driver stay ordered on a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(s.DriverID), Value: b})
}

// PublishRideEvent implements lifecycle.EventSink.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ride *models.Ride, t models.Transition) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(RideEvent{Ride: ride, Transition: t})
	if err != nil {
		return err
	}
	return k.rides.WriteMessages(ctx, kafka.Message{Key: []byte(ride.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []MessageWriter{k.locations, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
