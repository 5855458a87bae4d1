// Package publish forwards stored samples to a Kafka topic so other systems
// can follow consumption as it is recorded.
package publish

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
)

const publishTimeout = 5 * time.Second

// messageWriter is the part of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the message body.
type Event struct {
	Bucket      string             `json:"bucket"`
	Measurement string             `json:"measurement"`
	Tags        map[string]string  `json:"tags"`
	Fields      map[string]float64 `json:"fields"`
	Time        time.Time          `json:"time"`
}

// Publisher implements tsdb.Observer. Publish failures are logged and never
// fail the write that triggered them.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *logging.Logger
}

// NewKafkaPublisher writes to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *logging.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Publisher{writer: w, topic: topic, logger: logger}
}

func newPublisher(w messageWriter, topic string, logger *logging.Logger) *Publisher {
	return &Publisher{writer: w, topic: topic, logger: logger}
}

// Observe publishes p keyed by bucket and tag values, so one series always
// lands on the same partition.
func (p *Publisher) Observe(ctx context.Context, bucket string, point tsdb.Point) {
	body, err := json.Marshal(Event{
		Bucket:      bucket,
		Measurement: point.Measurement,
		Tags:        point.Tags,
		Fields:      point.Fields,
		Time:        point.Time,
	})
	if err != nil {
		p.logger.Warn("publish.encode.failed", "Failed to encode sample", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := kafka.Message{Key: []byte(seriesKey(bucket, point.Tags)), Value: body, Time: point.Time}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("publish.write.failed", "Failed to publish sample", map[string]interface{}{
			"topic": p.topic,
			"error": err.Error(),
		})
	}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func seriesKey(bucket string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{bucket}
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}
