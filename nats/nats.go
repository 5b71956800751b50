package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/ed-platform/ed-graphql/broker"
	nats "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const pendingMessages = 256

type subscribeFunc func(subject string, ch chan *nats.Msg) (unsubscribe func(), err error)

// Bus is the NATS broker. Channel names are used as subjects unchanged.
type Bus struct {
	nc        *nats.Conn
	subscribe subscribeFunc
	publish   func(subject string, data []byte) error
	closed    <-chan struct{}
	logger    *logrus.Entry
}

var (
	_ broker.Subscriber = (*Bus)(nil)
	_ broker.Publisher  = (*Bus)(nil)
)

// Connect dials url. A failed dial wraps broker.ErrConnection. The
// connection reconnects on its own, a subscription only fails once the
// client gives up and closes.
func Connect(url string, logger *logrus.Entry) (*Bus, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "nats")

	closed := make(chan struct{})
	nc, err := nats.Connect(url,
		nats.Name("ed-graphql"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect %s: %v", broker.ErrConnection, url, err)
	}

	return &Bus{
		nc: nc,
		subscribe: func(subject string, ch chan *nats.Msg) (func(), error) {
			sub, err := nc.ChanSubscribe(subject, ch)
			if err != nil {
				return nil, err
			}
			return func() { _ = sub.Unsubscribe() }, nil
		},
		publish: nc.Publish,
		closed:  closed,
		logger:  logger,
	}, nil
}

// Subscribe subscribes to every channel in handlers and dispatches decoded
// messages until ctx is done or the connection closes.
func (b *Bus) Subscribe(ctx context.Context, handlers broker.Handlers) error {
	ch := make(chan *nats.Msg, pendingMessages)

	var unsubscribes []func()
	defer func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}()

	for _, channel := range handlers.Channels() {
		unsubscribe, err := b.subscribe(channel, ch)
		if err != nil {
			return fmt.Errorf("%w: nats subscribe %s: %v", broker.ErrConnection, channel, err)
		}
		unsubscribes = append(unsubscribes, unsubscribe)
	}

	b.logger.Infof("subscribed to %v", handlers.Channels())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return fmt.Errorf("%w: nats connection closed", broker.ErrConnection)
		case msg := <-ch:
			_ = handlers.Deliver(ctx, b.logger, msg.Subject, msg.Data)
		}
	}
}

func (b *Bus) Publish(_ context.Context, channel, eventType string, payload map[string]any) error {
	data, err := broker.Encode(eventType, payload)
	if err != nil {
		return err
	}
	return b.publish(channel, data)
}

func (b *Bus) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Flush(); err != nil {
		b.logger.Debugf("flush on close: %v", err)
	}
	b.nc.Close()
	return nil
}
