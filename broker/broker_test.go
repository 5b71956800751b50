package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		channel   string
		raw       string
		eventType string
		payload   map[string]any
	}{
		{
			name:      "envelope",
			channel:   "user:changes",
			raw:       `{"event_type":"USER_CREATED","payload":{"id":"u1"}}`,
			eventType: "user_created",
			payload:   map[string]any{"id": "u1"},
		},
		{
			name:      "envelope with bare operation",
			channel:   "user:changes",
			raw:       `{"event_type":"updated","payload":{"id":"u1"}}`,
			eventType: "user_updated",
			payload:   map[string]any{"id": "u1"},
		},
		{
			name:      "bare object with operation",
			channel:   "user:changes",
			raw:       `{"operation":"deleted","id":"u1"}`,
			eventType: "user_deleted",
			payload:   map[string]any{"operation": "deleted", "id": "u1"},
		},
		{
			name:      "bare object without type",
			channel:   "file:status",
			raw:       `{"file_id":"f1","datastore_id":"d1"}`,
			eventType: "",
			payload:   map[string]any{"file_id": "f1", "datastore_id": "d1"},
		},
		{
			name:      "bare object type field is payload data",
			channel:   "file:status",
			raw:       `{"type":"pdf","file_id":"f1"}`,
			eventType: "",
			payload:   map[string]any{"type": "pdf", "file_id": "f1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode(tt.channel, []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.channel, msg.Channel)
			assert.Equal(t, tt.eventType, msg.EventType)
			assert.Equal(t, tt.payload, msg.Payload)
			assert.Equal(t, tt.raw, string(msg.Raw))
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	for _, raw := range []string{`not json`, `null`, `[1,2]`, `"str"`} {
		_, err := Decode("user:changes", []byte(raw))
		assert.ErrorIs(t, err, ErrUndecodable, raw)
	}
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	raw, err := Encode("user_created", map[string]any{"id": "u1"})
	require.NoError(t, err)

	msg, err := Decode("user:changes", raw)
	require.NoError(t, err)
	assert.Equal(t, "user_created", msg.EventType)
	assert.Equal(t, "u1", msg.Payload["id"])
}

func TestNormalizeEventType(t *testing.T) {
	assert.Equal(t, "user_created", NormalizeEventType("user:changes", " Created "))
	assert.Equal(t, "user_created", NormalizeEventType("user:changes", "user_created"))
	assert.Equal(t, "ready", NormalizeEventType("nochannel", "READY"))
	assert.Equal(t, "", NormalizeEventType("user:changes", ""))
}

func TestHandlers_DispatchPrefersExactThenWildcard(t *testing.T) {
	var got []string
	record := func(tag string) Handler {
		return func(_ context.Context, msg Message) error {
			got = append(got, tag+":"+msg.EventType)
			return nil
		}
	}

	h := Handlers{
		"user:changes": {
			"user_created": record("exact"),
			Wildcard:       record("any"),
		},
		"file:status": {
			"file_updated": record("file"),
		},
	}

	ctx := context.Background()
	require.NoError(t, h.Dispatch(ctx, Message{Channel: "user:changes", EventType: "user_created"}))
	require.NoError(t, h.Dispatch(ctx, Message{Channel: "user:changes", EventType: "user_renamed"}))
	require.NoError(t, h.Dispatch(ctx, Message{Channel: "file:status", EventType: "other"}))
	require.NoError(t, h.Dispatch(ctx, Message{Channel: "unknown", EventType: "x"}))

	assert.Equal(t, []string{"exact:user_created", "any:user_renamed"}, got)
	assert.Equal(t, []string{"file:status", "user:changes"}, h.Channels())
}

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func startMemory(t *testing.T, m *Memory, h Handlers, channel string) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Subscribe(ctx, h) }()

	require.Eventually(t, func() bool { return m.Subscribers(channel) == 1 }, time.Second, 5*time.Millisecond)
	return cancel, errc
}

func TestMemory_DeliversAndReleasesOnCancel(t *testing.T) {
	m := NewMemory(nil)
	c := &collector{}

	cancel, errc := startMemory(t, m, Handlers{"user:changes": {Wildcard: c.handle}}, "user:changes")

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, "user:changes", "created", map[string]any{"id": "u1"}))
	require.NoError(t, m.PublishRaw(ctx, "user:changes", []byte("garbage")))
	require.NoError(t, m.Publish(ctx, "user:changes", "deleted", map[string]any{"id": "u1"}))

	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "user_created", c.msgs[0].EventType)
	assert.Equal(t, "user_deleted", c.msgs[1].EventType)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
	assert.Equal(t, 0, m.Subscribers("user:changes"))
}

func TestMemory_FailIsConnectionError(t *testing.T) {
	m := NewMemory(nil)
	c := &collector{}

	cancel, errc := startMemory(t, m, Handlers{"file:status": {Wildcard: c.handle}}, "file:status")
	defer cancel()

	m.Fail(errors.New("socket closed"))

	select {
	case err := <-errc:
		assert.True(t, IsConnection(err))
		assert.Contains(t, err.Error(), "socket closed")
	case <-time.After(time.Second):
		t.Fatal("subscribe did not fail")
	}

	err := m.Subscribe(context.Background(), Handlers{"file:status": {Wildcard: c.handle}})
	assert.ErrorIs(t, err, ErrConnection)

	m.Fail(nil)
	assert.NoError(t, m.Publish(context.Background(), "file:status", "", nil))
}
