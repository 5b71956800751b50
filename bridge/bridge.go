package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ed-platform/ed-graphql/broker"
	"github.com/ed-platform/ed-graphql/metrics"
	"github.com/ed-platform/ed-graphql/workers"
	"github.com/sirupsen/logrus"
)

// CodePubSub is reported to clients and logs when a bridge loses its broker.
const CodePubSub = "PUBSUB_ERROR"

// ErrUnavailable is matched by every bridge failure.
var ErrUnavailable = errors.New("pubsub unavailable")

// Error is the fatal error a bridge task returns to its supervisor.
type Error struct {
	Task    string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s]: %s: %v", e.Task, e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrUnavailable }

type Option func(*options)

type options struct {
	logger  *logrus.Entry
	metrics metrics.Recorder
	now     func() time.Time
}

func WithLogger(l *logrus.Entry) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m metrics.Recorder) Option { return func(o *options) { o.metrics = m } }

// WithClock overrides the receive time stamped on events without one.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// base holds what every bridge task shares: its broker subscription and the
// ambient logger and metrics.
type base struct {
	name    string
	channel string
	sub     broker.Subscriber

	logger  *logrus.Entry
	metrics metrics.Recorder
	now     func() time.Time
}

func newBase(name, channel string, sub broker.Subscriber, opts []Option) base {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}

	return base{
		name:    name,
		channel: channel,
		sub:     sub,
		logger:  o.logger.WithFields(logrus.Fields{"component": "bridge", "bridge": name, "channel": channel}),
		metrics: o.metrics,
		now:     o.now,
	}
}

func (b *base) Name() string    { return b.name }
func (b *base) Channel() string { return b.channel }

// subscribe blocks on the broker subscription. Cancellation is a clean
// return; anything else is fatal.
func (b *base) subscribe(ctx context.Context, handlers broker.Handlers) error {
	b.logger.Infof("starting subscription on %s", b.channel)

	err := b.sub.Subscribe(ctx, handlers)
	if err == nil || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		b.logger.Infof("subscription on %s released", b.channel)
		return nil
	}

	msg := "unexpected subscriber failure"
	if broker.IsConnection(err) {
		msg = "subscriber connection failed"
	}

	b.logger.Errorf("%s: %v", msg, err)
	return &Error{Task: b.name, Code: CodePubSub, Message: msg, Err: err}
}

func (b *base) malformed(err error, payload map[string]any) {
	b.logger.WithField("payload", payload).Warnf("dropping message: %v", err)
	b.metrics.BridgeMessage(b.channel, metrics.OutcomeMalformed)
}

// Runner is implemented by every bridge task.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Task adapts a bridge for a workers.Supervisor.
func Task(r Runner) workers.Task {
	return workers.Task{Name: r.Name(), Run: r.Run}
}
