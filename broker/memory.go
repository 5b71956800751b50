package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const memoryBuffer = 64

// Memory is an in-process broker. Messages go through Encode and Decode so
// handlers see exactly what a network broker would deliver.
type Memory struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub
	failed error
	logger *logrus.Entry
}

type memorySub struct {
	msgs chan []byte
	fail chan error
	once sync.Once
}

func NewMemory(logger *logrus.Entry) *Memory {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Memory{
		subs:   make(map[string][]*memorySub),
		logger: logger.WithField("component", "broker.memory"),
	}
}

var (
	_ Subscriber = (*Memory)(nil)
	_ Publisher  = (*Memory)(nil)
)

func (m *Memory) Subscribe(ctx context.Context, handlers Handlers) error {
	channels := handlers.Channels()

	m.mu.Lock()
	if m.failed != nil {
		err := m.failed
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	subs := make(map[string]*memorySub, len(channels))
	for _, ch := range channels {
		s := &memorySub{msgs: make(chan []byte, memoryBuffer), fail: make(chan error, 1)}
		subs[ch] = s
		m.subs[ch] = append(m.subs[ch], s)
	}
	m.mu.Unlock()

	defer m.detach(subs)

	cases := make(chan delivery)
	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		wg.Wait()
	}()

	for ch, s := range subs {
		wg.Add(1)
		go func(ch string, s *memorySub) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				case err := <-s.fail:
					select {
					case cases <- delivery{err: err}:
					case <-done:
					}
					return
				case raw := <-s.msgs:
					select {
					case cases <- delivery{channel: ch, raw: raw}:
					case <-done:
						return
					}
				}
			}
		}(ch, s)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-cases:
			if d.err != nil {
				return fmt.Errorf("%w: %v", ErrConnection, d.err)
			}
			_ = handlers.Deliver(ctx, m.logger, d.channel, d.raw)
		}
	}
}

type delivery struct {
	channel string
	raw     []byte
	err     error
}

func (m *Memory) detach(subs map[string]*memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ch, s := range subs {
		list := m.subs[ch]
		for i, existing := range list {
			if existing == s {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(m.subs, ch)
		} else {
			m.subs[ch] = list
		}
	}
}

// Publish delivers an encoded message to every current subscriber of
// channel. It blocks while a subscriber's buffer is full.
func (m *Memory) Publish(ctx context.Context, channel, eventType string, payload map[string]any) error {
	raw, err := Encode(eventType, payload)
	if err != nil {
		return err
	}
	return m.PublishRaw(ctx, channel, raw)
}

// PublishRaw delivers raw bytes unchanged, for exercising malformed input.
func (m *Memory) PublishRaw(ctx context.Context, channel string, raw []byte) error {
	m.mu.Lock()
	if m.failed != nil {
		err := m.failed
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	subs := append([]*memorySub(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.msgs <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Fail breaks every active subscription with err and makes later Subscribe
// and Publish calls fail. Fail(nil) restores the broker.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failed = err
	if err == nil {
		return
	}
	for _, list := range m.subs {
		for _, s := range list {
			s.once.Do(func() { s.fail <- err })
		}
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}
