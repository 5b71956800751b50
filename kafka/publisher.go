package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ed-platform/ed-graphql/broker"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// Publisher writes broker envelopes to Kafka, keyed by event type.
type Publisher struct {
	cfg    Config
	writer writerIface
}

var _ broker.Publisher = (*Publisher)(nil)

func NewPublisher(opts ...Option) (*Publisher, error) {
	cfg := newConfig(opts)

	p := &Publisher{cfg: cfg}
	if cfg.WriterFunc != nil {
		p.writer = cfg.WriterFunc()
		return p, nil
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured; set kafka.brokers in config")
	}
	p.writer = p.newWriter()
	return p, nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) Publish(ctx context.Context, channel, eventType string, payload map[string]any) error {
	data, err := broker.Encode(eventType, payload)
	if err != nil {
		return fmt.Errorf("kafka: publish: %w", err)
	}

	msg := kafka.Message{Topic: sanitizeTopic(channel), Key: []byte(eventType), Value: data}

	// Retry loop for transient errors (e.g., leader not available)
	var attempt int
	var backoff = p.cfg.PublishBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	for {
		err = p.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}

		attempt++
		if attempt > p.cfg.PublishMaxRetries || ctx.Err() != nil {
			trace("publish error (giving up): %v", err)
			return err
		}

		// jittered exponential backoff up to 5s
		backoff = time.Duration(math.Min(float64(backoff*2), float64(5*time.Second)))
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		delay := backoff/2 + jitter
		trace("publish retry %d in %s: %v", attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Publisher) newWriter() writerIface {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.cfg.Brokers...),
		Balancer:               &kafka.Murmur2Balancer{},
		AllowAutoTopicCreation: p.cfg.AllowAutoTopic,
		WriteTimeout:           p.cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
	}

	if p.cfg.UserName != "" && p.cfg.Password != "" {
		w.Transport = &kafka.Transport{
			DialTimeout: 20 * time.Second,
			IdleTimeout: 45 * time.Second,
			TLS:         &tls.Config{MinVersion: tls.VersionTLS12},
			SASL: plain.Mechanism{
				Username: p.cfg.UserName,
				Password: p.cfg.Password,
			},
		}
	}
	return w
}
