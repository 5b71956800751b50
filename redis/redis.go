package redis

import (
	"context"
	"fmt"

	"github.com/ed-platform/ed-graphql/broker"
	redis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Event is a raw pub/sub message, as seen by Tap.
type Event struct {
	Channel string
	Payload string
}

// Service is the Redis pub/sub broker. It implements broker.Subscriber and
// broker.Publisher over a single client.
type Service struct {
	url    string
	client *redis.Client
	logger *logrus.Entry
}

type Option func(*Service)

func WithLogger(l *logrus.Entry) Option {
	return func(s *Service) { s.logger = l }
}

var (
	_ broker.Subscriber = (*Service)(nil)
	_ broker.Publisher  = (*Service)(nil)
)

// NewService parses url (redis://[:password@]host:port/db) and creates a
// client. No connection is made until first use.
func NewService(url string, opts ...Option) (*Service, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	s := &Service{
		url:    url,
		client: redis.NewClient(options),
		logger: logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "redis")

	return s, nil
}

func (s *Service) URL() string { return s.url }

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client { return s.client }

func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Service) Close() error {
	return s.client.Close()
}

// Subscribe subscribes to every channel in handlers and dispatches decoded
// messages until ctx is done.
func (s *Service) Subscribe(ctx context.Context, handlers broker.Handlers) error {
	return s.listen(ctx, handlers.Channels(), func(msg *redis.Message) {
		trace("message on %s: %s", msg.Channel, msg.Payload)
		_ = handlers.Deliver(ctx, s.logger, msg.Channel, []byte(msg.Payload))
	})
}

// Tap passes every raw message on channels to fn until ctx is done.
func (s *Service) Tap(ctx context.Context, fn func(Event), channels ...string) error {
	return s.listen(ctx, channels, func(msg *redis.Message) {
		fn(Event{Channel: msg.Channel, Payload: msg.Payload})
	})
}

func (s *Service) listen(ctx context.Context, channels []string, fn func(*redis.Message)) error {
	if len(channels) == 0 {
		<-ctx.Done()
		return nil
	}

	pubsub := s.client.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// Wait for the confirmation so an unreachable server fails here.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe %v: %v", broker.ErrConnection, channels, err)
	}

	s.logger.Infof("subscribed to %v", channels)

	// Reads do not observe ctx, closing the connection unblocks them.
	stop := context.AfterFunc(ctx, func() {
		trace("releasing subscription to %v", channels)
		_ = pubsub.Close()
	})
	defer stop()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Infof("unsubscribed from %v", channels)
				return nil
			}
			return fmt.Errorf("%w: receive on %v: %v", broker.ErrConnection, channels, err)
		}
		fn(msg)
	}
}

// Publish sends the encoded envelope to channel.
func (s *Service) Publish(ctx context.Context, channel, eventType string, payload map[string]any) error {
	data, err := broker.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, channel, data).Err()
}

func trace(format string, args ...interface{}) {
	logrus.StandardLogger().Tracef("[REDIS] "+format, args...)
}
