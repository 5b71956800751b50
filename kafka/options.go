package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// minimal interfaces for testability

type readerIface interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type writerIface interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type ReaderFunc func(topic, groupID string) readerIface

type WriterFunc func() writerIface

type Config struct {
	Brokers []string
	// GroupID empty means one group per process, see NewSubscriber.
	GroupID        string
	ClientID       string
	ReadMinBytes   int           // default: 1e3
	ReadMaxBytes   int           // default: 1e6
	ReadMaxWait    time.Duration // default: 250ms
	WriteTimeout   time.Duration // default: 5s
	AllowAutoTopic bool

	// New groups start at the tail; with false they replay the topic.
	StartFromLatest bool

	UserName string
	Password string

	// Publish retry policy
	PublishMaxRetries int
	PublishBackoff    time.Duration

	// Optional constructor hooks
	ReaderFunc ReaderFunc
	WriterFunc WriterFunc

	Logger *logrus.Entry
}

// DefaultConfig returns the settings used when no option overrides them.
func DefaultConfig() Config {
	return Config{
		ClientID:          "ed-graphql",
		ReadMinBytes:      1 << 10,
		ReadMaxBytes:      1 << 20,
		ReadMaxWait:       250 * time.Millisecond,
		WriteTimeout:      5 * time.Second,
		AllowAutoTopic:    true,
		StartFromLatest:   true,
		PublishMaxRetries: 3,
		PublishBackoff:    100 * time.Millisecond,
	}
}

type Option func(*Config)

func WithBrokers(brokers []string) Option {
	return func(cfg *Config) { cfg.Brokers = brokers }
}

func WithGroupID(groupID string) Option {
	return func(cfg *Config) { cfg.GroupID = groupID }
}

func WithClientID(clientID string) Option {
	return func(cfg *Config) { cfg.ClientID = clientID }
}

func WithReaderFunc(factory ReaderFunc) Option {
	return func(cfg *Config) { cfg.ReaderFunc = factory }
}

func WithWriterFunc(factory WriterFunc) Option {
	return func(cfg *Config) { cfg.WriterFunc = factory }
}

func WithCredentials(userName string, password string) Option {
	return func(cfg *Config) {
		cfg.UserName = userName
		cfg.Password = password
	}
}

// WithStartFromLatest chooses where a new consumer group starts reading.
func WithStartFromLatest(latest bool) Option {
	return func(cfg *Config) { cfg.StartFromLatest = latest }
}

func WithReadMaxWait(readMaxWait time.Duration) Option {
	return func(cfg *Config) { cfg.ReadMaxWait = readMaxWait }
}

func WithWriteTimeout(writeTimeout time.Duration) Option {
	return func(cfg *Config) { cfg.WriteTimeout = writeTimeout }
}

// WithPublishRetries sets the maximum number of retries for transient publish errors
func WithPublishRetries(maxRetries int) Option {
	return func(cfg *Config) { cfg.PublishMaxRetries = maxRetries }
}

// WithPublishBackoff sets the initial backoff used for publish retries
func WithPublishBackoff(backoff time.Duration) Option {
	return func(cfg *Config) { cfg.PublishBackoff = backoff }
}

func WithLogger(l *logrus.Entry) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

func newConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.Logger = cfg.Logger.WithField("component", "kafka")
	return cfg
}
