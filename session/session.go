package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ed-platform/ed-graphql/eventbus"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/registry"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by snapshot fetchers when the entity is absent or
// inactive. It ends only the session that hit it.
var ErrNotFound = errors.New("not found")

type State int32

const (
	Init State = iota
	Snapshot
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Snapshot:
		return "SNAPSHOT"
	case Streaming:
		return "STREAMING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SnapshotFunc loads the current state of an entity, returning an error
// wrapping ErrNotFound when there is nothing to stream.
type SnapshotFunc[S any] func(ctx context.Context, entityID string) (S, error)

// Config describes one client stream.
type Config[S any, E events.Event] struct {
	EntityID string
	// CorrelationID, when set, drops events whose CorrelationID differs.
	CorrelationID string
	Registry      *registry.Registry[E]
	// Snapshot, when set, is fetched and delivered before streaming.
	Snapshot SnapshotFunc[S]
	// Deliver maps an event to the item sent to the client. Nil sends the
	// event itself. An error is sent to the client and closes the session.
	Deliver func(ctx context.Context, ev E) (any, error)
	Logger  *logrus.Entry
}

// Session is one client's stream over a registry entry.
type Session[S any, E events.Event] struct {
	cfg     Config[S, E]
	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
}

func New[S any, E events.Event](cfg Config[S, E]) *Session[S, E] {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.Logger = cfg.Logger.WithFields(logrus.Fields{
		"component": "session",
		"registry":  cfg.Registry.Name(),
		"entity_id": cfg.EntityID,
	})

	return &Session[S, E]{cfg: cfg, done: make(chan struct{})}
}

func (s *Session[S, E]) State() State { return State(s.state.Load()) }

// Done is closed once the session reached CLOSED and released its handle.
func (s *Session[S, E]) Done() <-chan struct{} { return s.done }

// Start fetches the snapshot, if any, and starts streaming into the
// returned channel. A failed snapshot fetch is returned here and the session
// never streams. The channel is closed when ctx is done or delivery fails.
func (s *Session[S, E]) Start(ctx context.Context) (<-chan any, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("session already started")
	}

	var (
		snapshot S
		has      bool
	)
	if s.cfg.Snapshot != nil {
		s.state.Store(int32(Snapshot))

		var err error
		snapshot, err = s.cfg.Snapshot(ctx, s.cfg.EntityID)
		if err != nil {
			s.close()
			s.cfg.Logger.Debugf("snapshot failed: %v", err)
			return nil, err
		}
		has = true
	}

	out := make(chan any)
	go s.stream(ctx, out, snapshot, has)
	return out, nil
}

func (s *Session[S, E]) stream(ctx context.Context, out chan<- any, snapshot S, has bool) {
	defer close(out)
	defer s.close()

	if has && !send(ctx, out, any(snapshot)) {
		return
	}

	handle := s.cfg.Registry.Subscribe(s.cfg.EntityID)
	defer handle.Close()

	s.state.Store(int32(Streaming))
	s.cfg.Logger.Debug("streaming")

	for {
		ev, err := handle.Next(ctx)
		if err != nil {
			if !eventbus.IsDone(err) {
				s.cfg.Logger.Warnf("stream ended: %v", err)
			}
			return
		}

		if s.cfg.CorrelationID != "" && ev.CorrelationID() != s.cfg.CorrelationID {
			continue
		}

		var item any = ev
		if s.cfg.Deliver != nil {
			item, err = s.cfg.Deliver(ctx, ev)
			if err != nil {
				s.cfg.Logger.Infof("closing stream: %v", err)
				send(ctx, out, err)
				return
			}
		}

		if !send(ctx, out, item) {
			return
		}
	}
}

func (s *Session[S, E]) close() {
	if State(s.state.Swap(int32(Closed))) == Closed {
		return
	}
	close(s.done)
}

func send(ctx context.Context, out chan<- any, v any) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
