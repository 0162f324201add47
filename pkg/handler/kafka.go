package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/frontier-crawler/pkg/models"
	"github.com/Sriram-PR/frontier-crawler/pkg/session"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes one Record per result, keyed by the URL hash
type KafkaPublisher struct {
	brokers []string
	topic   string
	writer  messageWriter
	sess    *session.Context
	log     *logrus.Entry
}

// NewKafkaPublisher creates a publisher. The writer is built by Initialize.
func NewKafkaPublisher(brokers []string, topic string, log *logrus.Entry) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: brokers,
		topic:   topic,
		log:     log.WithFields(logrus.Fields{"component": "kafka", "topic": topic}),
	}
}

// NewKafkaPublisherWithWriter builds a publisher on a custom writer (tests)
func NewKafkaPublisherWithWriter(writer messageWriter, topic string, log *logrus.Entry) *KafkaPublisher {
	p := NewKafkaPublisher(nil, topic, log)
	p.writer = writer
	return p
}

func (p *KafkaPublisher) Initialize(_ context.Context, sess *session.Context) error {
	p.sess = sess
	if p.writer == nil {
		p.writer = &kafka.Writer{
			Addr:                   kafka.TCP(p.brokers...),
			Topic:                  p.topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: false,
		}
		p.log.WithField("brokers", p.brokers).Info("Publishing results to Kafka")
	}
	return nil
}

func (p *KafkaPublisher) Handle(ctx context.Context, result *models.CrawlResult) error {
	payload, err := json.Marshal(NewRecord(p.sess, result))
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(result.Task.URLID),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if p.sess != nil {
		msg.Headers = []kafka.Header{{Key: "execution_id", Value: []byte(p.sess.ExecutionID)}}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing result for %s: %w", result.Task.URL, err)
	}
	return nil
}

func (p *KafkaPublisher) Destroy() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
