package eventbus

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/ed-platform/ed-graphql/metrics"
	"github.com/sirupsen/logrus"
)

// Bus is an in-process publish/subscribe hub keyed by topic name. Every
// Subscribe call gets its own bounded queue, so each subscriber sees every
// message published after it subscribed. Publish never blocks: a slow
// subscriber loses its oldest buffered messages instead of throttling the
// publisher.
type Bus[T any] struct {
	mu     sync.RWMutex
	topics map[string]*topic[T]

	capacity int
	logger   *logrus.Entry
	metrics  metrics.Recorder
}

type topic[T any] struct {
	mu   sync.RWMutex
	subs []*Subscription[T]
}

type Option func(*options)

type options struct {
	capacity int
	logger   *logrus.Entry
	metrics  metrics.Recorder
}

// WithCapacity sets the per-subscriber queue capacity.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// New creates an empty bus. The bus has no background goroutines and needs
// no teardown beyond closing outstanding subscriptions.
func New[T any](opts ...Option) *Bus[T] {
	o := options{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}

	return &Bus[T]{
		topics:   make(map[string]*topic[T]),
		capacity: o.capacity,
		logger:   o.logger.WithField("component", "eventbus"),
		metrics:  o.metrics,
	}
}

// topicFor returns the entry for name, creating it on first use. Entries
// live as long as the bus; topic cardinality is small and fixed.
func (b *Bus[T]) topicFor(name string) *topic[T] {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok = b.topics[name]; !ok {
		t = &topic[T]{}
		b.topics[name] = t
	}
	return t
}

// Publish delivers msg to every current subscriber of name. It never blocks
// and never fails.
func (b *Bus[T]) Publish(name string, msg T) {
	t := b.topicFor(name)

	t.mu.RLock()
	subs := append([]*Subscription[T](nil), t.subs...)
	t.mu.RUnlock()

	b.metrics.Published(name)

	for _, s := range subs {
		if s.queue.Push(msg) {
			b.metrics.Dropped(name)
			b.logger.WithField("topic", name).Trace("subscriber queue full, dropped oldest message")
		}
	}
}

// Subscribe returns a new subscription observing messages published to name
// from now on. Callers must Close it when done.
func (b *Bus[T]) Subscribe(name string) *Subscription[T] {
	t := b.topicFor(name)

	s := &Subscription[T]{
		topic: name,
		queue: NewQueue[T](b.capacity),
		owner: t,
	}

	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()

	return s
}

// Topics returns the names of every topic seen so far.
func (b *Bus[T]) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}

// Subscribers returns the number of open subscriptions on name.
func (b *Bus[T]) Subscribers(name string) int {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Subscription is one subscriber's view of a topic. It is not safe for
// concurrent consumers.
type Subscription[T any] struct {
	topic string
	queue *Queue[T]
	owner *topic[T]
	once  sync.Once
}

func (s *Subscription[T]) Topic() string { return s.topic }

// Queue exposes the backing queue, mainly for fan-in.
func (s *Subscription[T]) Queue() *Queue[T] { return s.queue }

// Next waits for the next message.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	return s.queue.Pop(ctx)
}

// All yields messages until ctx is done or the subscription is closed. The
// sequence is not restartable.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			msg, err := s.queue.Pop(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Close detaches the subscription from its topic. Messages still buffered
// remain readable. Close is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		for i, sub := range s.owner.subs {
			if sub == s {
				s.owner.subs = append(s.owner.subs[:i], s.owner.subs[i+1:]...)
				break
			}
		}
		s.owner.mu.Unlock()

		s.queue.Close()
	})
}

// IsDone reports whether err ends a subscription normally (closed queue or
// cancelled context) rather than signalling a failure.
func IsDone(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
