package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ed-platform/ed-graphql/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewService("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func waitSubscribed(t *testing.T, s *Service, channel string, want int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		n, err := s.Client().PubSubNumSub(context.Background(), channel).Result()
		return err == nil && n[channel] == want
	}, 2*time.Second, 10*time.Millisecond)
}

type received struct {
	mu   sync.Mutex
	msgs []broker.Message
}

func (r *received) handle(_ context.Context, msg broker.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *received) snapshot() []broker.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.Message(nil), r.msgs...)
}

func TestNewService_BadURL(t *testing.T) {
	_, err := NewService("not-a-url")
	assert.Error(t, err)
}

func TestService_Ping(t *testing.T) {
	s, mr := newTestService(t)
	assert.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestService_SubscribeDispatchesAndReleases(t *testing.T) {
	s, _ := newTestService(t)
	rec := &received{}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Subscribe(ctx, broker.Handlers{
			"user:changes": {"user_created": rec.handle},
		})
	}()

	waitSubscribed(t, s, "user:changes", 1)

	bg := context.Background()
	require.NoError(t, s.Publish(bg, "user:changes", "created", map[string]any{"id": "u1"}))
	require.NoError(t, s.Client().Publish(bg, "user:changes", "{broken").Err())
	require.NoError(t, s.Client().Publish(bg, "user:changes", `{"operation":"created","id":"u2"}`).Err())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	msgs := rec.snapshot()
	assert.Equal(t, "user_created", msgs[0].EventType)
	assert.Equal(t, "u1", msgs[0].Payload["id"])
	assert.Equal(t, "u2", msgs[1].Payload["id"])

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}

	waitSubscribed(t, s, "user:changes", 0)
}

func TestService_SubscribeUnreachableIsConnectionError(t *testing.T) {
	s, mr := newTestService(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Subscribe(ctx, broker.Handlers{"file:status": {broker.Wildcard: func(context.Context, broker.Message) error { return nil }}})
	assert.ErrorIs(t, err, broker.ErrConnection)
}

func TestService_ServerLossIsConnectionError(t *testing.T) {
	s, mr := newTestService(t)

	errc := make(chan error, 1)
	go func() {
		errc <- s.Subscribe(context.Background(), broker.Handlers{
			"file:status": {broker.Wildcard: func(context.Context, broker.Message) error { return nil }},
		})
	}()

	waitSubscribed(t, s, "file:status", 1)
	mr.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, broker.ErrConnection)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not fail after server loss")
	}
}

func TestService_Tap(t *testing.T) {
	s, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	go func() {
		_ = s.Tap(ctx, func(ev Event) { got <- ev }, "user:changes")
	}()

	waitSubscribed(t, s, "user:changes", 1)
	require.NoError(t, s.Client().Publish(context.Background(), "user:changes", "raw bytes").Err())

	select {
	case ev := <-got:
		assert.Equal(t, "user:changes", ev.Channel)
		assert.Equal(t, "raw bytes", ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("tap received nothing")
	}
}
