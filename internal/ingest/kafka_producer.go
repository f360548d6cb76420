package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/models"
)

// KafkaProducer publishes driver location samples so the consumer can keep
// the shared position index current.
type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	msg, err := LocationMessage(loc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

// LocationMessage keys the sample by canonical driver id so one driver's
// samples stay ordered on a single partition.
func LocationMessage(loc models.DriverLocation) (kafka.Message, error) {
	loc.DriverID = ident.Normalize(loc.DriverID).String()
	if loc.At.IsZero() {
		loc.At = time.Now().UTC()
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(loc.DriverID), Value: b, Time: loc.At}, nil
}

// ErrKeyMismatch means a sample was keyed under another driver, so it may
// have been ordered on the wrong partition.
var ErrKeyMismatch = errors.New("ingest: message key does not match driver id")

// DecodeLocation is the consumer side of LocationMessage.
func DecodeLocation(m kafka.Message) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(m.Value, &loc); err != nil {
		return models.DriverLocation{}, err
	}
	switch {
	case loc.DriverID == "":
		loc.DriverID = string(m.Key)
	case len(m.Key) > 0 && !ident.Equal(string(m.Key), loc.DriverID):
		return models.DriverLocation{}, ErrKeyMismatch
	}
	return loc, nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
