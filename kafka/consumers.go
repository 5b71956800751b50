package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/ed-platform/ed-graphql/broker"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// Subscriber consumes broker channels from Kafka, one reader per channel.
type Subscriber struct {
	cfg Config
}

var _ broker.Subscriber = (*Subscriber)(nil)

// NewSubscriber builds a subscriber. Without WithGroupID every process
// joins its own consumer group so each replica sees every message; a
// shared group id splits partitions between replicas instead.
func NewSubscriber(opts ...Option) (*Subscriber, error) {
	cfg := newConfig(opts)
	if cfg.ReaderFunc == nil && len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured; set kafka.brokers in config")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = processGroupID()
	}
	return &Subscriber{cfg: cfg}, nil
}

// GroupID is the consumer group the readers join.
func (s *Subscriber) GroupID() string { return sanitizeGroupID(s.cfg.GroupID) }

// Subscribe runs a reader for every channel in handlers. The first reader
// failure stops the others and is returned wrapping broker.ErrConnection.
func (s *Subscriber) Subscribe(ctx context.Context, handlers broker.Handlers) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	for _, channel := range handlers.Channels() {
		p.Go(func(ctx context.Context) error {
			return s.consume(ctx, channel, handlers)
		})
	}

	return p.Wait()
}

func (s *Subscriber) consume(ctx context.Context, channel string, handlers broker.Handlers) error {
	topic := sanitizeTopic(channel)
	groupID := s.GroupID()

	var reader readerIface
	if s.cfg.ReaderFunc != nil {
		reader = s.cfg.ReaderFunc(topic, groupID)
	} else {
		reader = s.newReader(topic, groupID)
	}
	defer func() {
		_ = reader.Close()
		trace("%s consumer stopped", topic)
	}()

	log := s.cfg.Logger.WithFields(logrus.Fields{"topic": topic, "group_id": groupID})
	log.Infof("consuming %s", channel)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%w: kafka fetch on %s: %v", broker.ErrConnection, topic, err)
		}

		// Deliver logs handler failures. The reader never hands the same
		// offset out again, so the message is committed either way.
		_ = handlers.Deliver(ctx, log, channel, m.Value)

		if groupID == "" {
			continue
		}

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			log.Warnf("commit failed at offset %d: %v", m.Offset, err)
		}
	}
}

func (s *Subscriber) newReader(topic, groupID string) readerIface {
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true, KeepAlive: 15 * time.Second, ClientID: s.cfg.ClientID}
	if s.cfg.UserName != "" && s.cfg.Password != "" {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		dialer.SASLMechanism = plain.Mechanism{Username: s.cfg.UserName, Password: s.cfg.Password}
	}

	rc := kafka.ReaderConfig{
		Brokers:          s.cfg.Brokers,
		GroupID:          groupID,
		Topic:            topic,
		MinBytes:         max(1, s.cfg.ReadMinBytes),
		MaxBytes:         max(1, s.cfg.ReadMaxBytes),
		MaxWait:          s.cfg.ReadMaxWait,
		Dialer:           dialer,
		JoinGroupBackoff: 5 * time.Second,
		ReadBackoffMin:   250 * time.Millisecond,
		ReadBackoffMax:   10 * time.Second,
		QueueCapacity:    100,
		MaxAttempts:      5,
	}

	if groupID != "" {
		rc.GroupBalancers = []kafka.GroupBalancer{kafka.RangeGroupBalancer{}}
		rc.StartOffset = kafka.FirstOffset
		if s.cfg.StartFromLatest {
			rc.StartOffset = kafka.LastOffset
		}
	}

	return kafka.NewReader(rc)
}
