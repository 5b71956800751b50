package bridge

import (
	"context"

	"github.com/ed-platform/ed-graphql/broker"
	"github.com/ed-platform/ed-graphql/eventbus"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/metrics"
)

// UserChanges forwards every user:changes message to the bus topic named
// by its normalized event type.
type UserChanges struct {
	base
	bus *eventbus.Bus[events.UserChange]
}

func NewUserChanges(sub broker.Subscriber, bus *eventbus.Bus[events.UserChange], opts ...Option) *UserChanges {
	return &UserChanges{
		base: newBase("user_changes", events.ChannelUserChanges, sub, opts),
		bus:  bus,
	}
}

func (t *UserChanges) Handlers() broker.Handlers {
	byType := map[string]broker.Handler{broker.Wildcard: t.forward}
	for _, topic := range events.UserTopics {
		byType[string(topic)] = t.forward
	}
	return broker.Handlers{t.channel: byType}
}

func (t *UserChanges) Run(ctx context.Context) error {
	return t.subscribe(ctx, t.Handlers())
}

func (t *UserChanges) forward(_ context.Context, msg broker.Message) error {
	ev, err := events.ParseUserChange(msg)
	if err != nil {
		t.malformed(err, msg.Payload)
		return nil
	}

	t.bus.Publish(string(ev.Topic()), ev)
	t.metrics.BridgeMessage(t.channel, metrics.OutcomeForwarded)
	t.logger.Infof("forwarded event=%s", ev.Topic())
	return nil
}
