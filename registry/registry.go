package registry

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/ed-platform/ed-graphql/eventbus"
	"github.com/ed-platform/ed-graphql/metrics"
	"github.com/sirupsen/logrus"
)

const (
	defaultShards   = 16
	DefaultCapacity = 256
)

// Registry maps an entity id (a datastore, say) to the delivery queues of the
// clients currently streaming it. Unlike the topic bus the key space is
// large and dynamic, so an entry is removed as soon as its last queue is
// unregistered.
type Registry[T any] struct {
	name     string
	shards   []*shard[T]
	capacity int

	logger  *logrus.Entry
	metrics metrics.Recorder
}

type shard[T any] struct {
	mu      sync.Mutex
	entries map[string][]*eventbus.Queue[T]
}

type Option func(*options)

type options struct {
	shards   int
	capacity int
	logger   *logrus.Entry
	metrics  metrics.Recorder
}

// WithShards sets how many independently locked shards the key space is
// spread over.
func WithShards(n int) Option { return func(o *options) { o.shards = n } }

// WithCapacity sets the queue capacity used by Subscribe.
func WithCapacity(n int) Option { return func(o *options) { o.capacity = n } }

func WithLogger(l *logrus.Entry) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m metrics.Recorder) Option { return func(o *options) { o.metrics = m } }

// New creates an empty registry. name labels logs and metrics.
func New[T any](name string, opts ...Option) *Registry[T] {
	o := options{shards: defaultShards, capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards <= 0 {
		o.shards = defaultShards
	}
	if o.logger == nil {
		o.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.metrics == nil {
		o.metrics = metrics.Nop{}
	}

	r := &Registry[T]{
		name:     name,
		shards:   make([]*shard[T], o.shards),
		capacity: o.capacity,
		logger:   o.logger.WithFields(logrus.Fields{"component": "registry", "registry": name}),
		metrics:  o.metrics,
	}
	for i := range r.shards {
		r.shards[i] = &shard[T]{entries: make(map[string][]*eventbus.Queue[T])}
	}
	return r
}

func (r *Registry[T]) Name() string { return r.name }

func (r *Registry[T]) shardFor(entityID string) *shard[T] {
	return r.shards[xxhash.Sum64String(entityID)%uint64(len(r.shards))]
}

// Register adds q under entityID. The same queue must not be registered
// twice.
func (r *Registry[T]) Register(entityID string, q *eventbus.Queue[T]) {
	s := r.shardFor(entityID)

	s.mu.Lock()
	s.entries[entityID] = append(s.entries[entityID], q)
	s.mu.Unlock()

	r.metrics.SubscriberDelta(r.name, 1)
}

// Unregister removes q from entityID, dropping the entry when it becomes
// empty. Unknown queues are ignored.
func (r *Registry[T]) Unregister(entityID string, q *eventbus.Queue[T]) {
	s := r.shardFor(entityID)

	s.mu.Lock()
	defer s.mu.Unlock()

	queues, ok := s.entries[entityID]
	if !ok {
		return
	}

	for i, existing := range queues {
		if existing != q {
			continue
		}

		queues = append(queues[:i], queues[i+1:]...)
		if len(queues) == 0 {
			delete(s.entries, entityID)
		} else {
			s.entries[entityID] = queues
		}

		r.metrics.SubscriberDelta(r.name, -1)
		return
	}
}

// Push enqueues ev into every queue registered under entityID and returns
// how many queues received it. With no subscribers it is a map lookup.
func (r *Registry[T]) Push(entityID string, ev T) int {
	s := r.shardFor(entityID)

	s.mu.Lock()
	queues := s.entries[entityID]
	if len(queues) == 0 {
		s.mu.Unlock()
		return 0
	}
	queues = append([]*eventbus.Queue[T](nil), queues...)
	s.mu.Unlock()

	for _, q := range queues {
		if q.Push(ev) {
			r.logger.WithField("entity_id", entityID).Trace("subscriber queue full, dropped oldest event")
		}
	}

	r.logger.WithField("entity_id", entityID).Debugf("pushed event to %d subscribers", len(queues))
	r.metrics.RegistryPushed(r.name, len(queues))

	return len(queues)
}

// Len returns the number of queues registered under entityID.
func (r *Registry[T]) Len(entityID string) int {
	s := r.shardFor(entityID)

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[entityID])
}

// Count returns the total number of registered queues.
func (r *Registry[T]) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, queues := range s.entries {
			total += len(queues)
		}
		s.mu.Unlock()
	}
	return total
}

// Keys returns every entity id with at least one registered queue.
func (r *Registry[T]) Keys() []string {
	var keys []string
	for _, s := range r.shards {
		s.mu.Lock()
		for k := range s.entries {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}

// Subscribe creates a queue, registers it under entityID and wraps both in a
// Handle. The caller owns the handle and must Close it.
func (r *Registry[T]) Subscribe(entityID string) *Handle[T] {
	h := &Handle[T]{
		entityID: entityID,
		queue:    eventbus.NewQueue[T](r.capacity),
		registry: r,
	}
	r.Register(entityID, h.queue)
	return h
}

// Handle is one client's registration: the entity id it is filed under and
// its private queue.
type Handle[T any] struct {
	entityID string
	queue    *eventbus.Queue[T]
	registry *Registry[T]
	once     sync.Once
}

func (h *Handle[T]) EntityID() string { return h.entityID }

func (h *Handle[T]) Queue() *eventbus.Queue[T] { return h.queue }

// Next waits for the next event pushed to this handle.
func (h *Handle[T]) Next(ctx context.Context) (T, error) {
	return h.queue.Pop(ctx)
}

// Close unregisters the handle and closes its queue. Safe to call more than
// once.
func (h *Handle[T]) Close() {
	h.once.Do(func() {
		h.registry.Unregister(h.entityID, h.queue)
		h.queue.Close()
	})
}
