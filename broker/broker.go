package broker

import (
	"context"
	"errors"
	"sort"

	"github.com/sirupsen/logrus"
)

// Wildcard is the event type key that receives every message on a channel
// without a more specific handler.
const Wildcard = "*"

// ErrConnection marks a failure to establish or keep a broker subscription.
// It is fatal for the task that owns the subscription.
var ErrConnection = errors.New("broker connection failed")

// Message is a decoded broker message.
type Message struct {
	Channel   string
	EventType string
	Payload   map[string]any
	Raw       []byte
}

type Handler func(ctx context.Context, msg Message) error

// Handlers routes messages by channel, then by normalized event type.
type Handlers map[string]map[string]Handler

// Channels returns the subscribed channel names in a stable order.
func (h Handlers) Channels() []string {
	out := make([]string, 0, len(h))
	for ch := range h {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the handler for the message's event type, falling back to
// the channel's wildcard handler.
func (h Handlers) Lookup(channel, eventType string) (Handler, bool) {
	byType, ok := h[channel]
	if !ok {
		return nil, false
	}
	if fn, ok := byType[eventType]; ok && fn != nil {
		return fn, true
	}
	if fn, ok := byType[Wildcard]; ok && fn != nil {
		return fn, true
	}
	return nil, false
}

// Dispatch runs the matching handler. Messages nobody handles are dropped.
func (h Handlers) Dispatch(ctx context.Context, msg Message) error {
	fn, ok := h.Lookup(msg.Channel, msg.EventType)
	if !ok {
		return nil
	}
	return fn(ctx, msg)
}

// Deliver decodes raw and dispatches it. Undecodable payloads and handler
// errors are logged and returned, they never end the subscription.
func (h Handlers) Deliver(ctx context.Context, log *logrus.Entry, channel string, raw []byte) error {
	msg, err := Decode(channel, raw)
	if err != nil {
		log.WithField("channel", channel).Warnf("dropping undecodable message: %v", err)
		return err
	}

	if err := h.Dispatch(ctx, msg); err != nil {
		log.WithFields(logrus.Fields{
			"channel":    channel,
			"event_type": msg.EventType,
		}).Errorf("handler failed: %v", err)
		return err
	}
	return nil
}

// Subscriber consumes broker channels. Subscribe blocks until ctx is done,
// returning nil, or until the connection fails, returning an error that
// wraps ErrConnection. Broker resources are released before it returns.
type Subscriber interface {
	Subscribe(ctx context.Context, handlers Handlers) error
}

type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, payload map[string]any) error
}

// IsConnection reports whether err is a broker connection failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}
