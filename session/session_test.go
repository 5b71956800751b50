package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type snapshotMock struct{ mock.Mock }

func (m *snapshotMock) Fetch(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func strptr(s string) *string { return &s }

func receive(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("nothing received")
		return nil
	}
}

func waitStreaming[S any, E events.Event](t *testing.T, s *Session[S, E]) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == Streaming }, time.Second, time.Millisecond)
}

func TestSession_SnapshotThenEvents(t *testing.T) {
	reg := registry.New[events.DatastoreUpdated]("datastore")
	fetch := &snapshotMock{}
	fetch.On("Fetch", mock.Anything, "d1").Return("snapshot-1", nil).Once()
	fetch.On("Fetch", mock.Anything, "d1").Return("snapshot-2", nil).Once()

	s := New(Config[string, events.DatastoreUpdated]{
		EntityID: "d1",
		Registry: reg,
		Snapshot: fetch.Fetch,
		Deliver: func(ctx context.Context, ev events.DatastoreUpdated) (any, error) {
			return fetch.Fetch(ctx, ev.DatastoreID)
		},
	})
	assert.Equal(t, Init, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := s.Start(ctx)
	require.NoError(t, err)

	assert.Equal(t, "snapshot-1", receive(t, out))
	waitStreaming(t, s)

	reg.Push("d1", events.DatastoreUpdated{DatastoreID: "d1", Status: "ready"})
	assert.Equal(t, "snapshot-2", receive(t, out))

	fetch.AssertExpectations(t)
}

func TestSession_NotFoundNeverStreams(t *testing.T) {
	reg := registry.New[events.DatastoreUpdated]("datastore")
	fetch := &snapshotMock{}
	fetch.On("Fetch", mock.Anything, "gone").Return("", fmt.Errorf("datastore gone: %w", ErrNotFound))

	s := New(Config[string, events.DatastoreUpdated]{EntityID: "gone", Registry: reg, Snapshot: fetch.Fetch})

	out, err := s.Start(context.Background())
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, reg.Count())

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestSession_CorrelationFilter(t *testing.T) {
	reg := registry.New[events.FileStatus]("file_status")

	s := New(Config[struct{}, events.FileStatus]{
		EntityID:      "d1",
		CorrelationID: "A",
		Registry:      reg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := s.Start(ctx)
	require.NoError(t, err)
	waitStreaming(t, s)

	reg.Push("d1", events.FileStatus{FileID: "b1", DatastoreID: "d1", UploadSessionID: strptr("B")})
	reg.Push("d1", events.FileStatus{FileID: "none", DatastoreID: "d1"})
	reg.Push("d1", events.FileStatus{FileID: "a1", DatastoreID: "d1", UploadSessionID: strptr("A")})
	reg.Push("d1", events.FileStatus{FileID: "b2", DatastoreID: "d1", UploadSessionID: strptr("B")})
	reg.Push("d1", events.FileStatus{FileID: "a2", DatastoreID: "d1", UploadSessionID: strptr("A")})

	first := receive(t, out).(events.FileStatus)
	second := receive(t, out).(events.FileStatus)
	assert.Equal(t, "a1", first.FileID)
	assert.Equal(t, "a2", second.FileID)
}

func TestSession_NoFilterYieldsEverything(t *testing.T) {
	reg := registry.New[events.FileStatus]("file_status")
	s := New(Config[struct{}, events.FileStatus]{EntityID: "d1", Registry: reg})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := s.Start(ctx)
	require.NoError(t, err)
	waitStreaming(t, s)

	reg.Push("d1", events.FileStatus{FileID: "f1", DatastoreID: "d1", UploadSessionID: strptr("B")})
	reg.Push("d1", events.FileStatus{FileID: "f2", DatastoreID: "d1"})

	assert.Equal(t, "f1", receive(t, out).(events.FileStatus).FileID)
	assert.Equal(t, "f2", receive(t, out).(events.FileStatus).FileID)
}

func TestSession_CancelDeregisters(t *testing.T) {
	reg := registry.New[events.FileStatus]("file_status")
	other := reg.Subscribe("d1")
	defer other.Close()

	before := reg.Count()

	for _, pending := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("pending=%d", pending), func(t *testing.T) {
			s := New(Config[struct{}, events.FileStatus]{EntityID: "d1", Registry: reg})

			ctx, cancel := context.WithCancel(context.Background())
			out, err := s.Start(ctx)
			require.NoError(t, err)
			waitStreaming(t, s)
			assert.Equal(t, before+1, reg.Count())

			for i := 0; i < pending; i++ {
				reg.Push("d1", events.FileStatus{FileID: fmt.Sprint(i), DatastoreID: "d1"})
			}

			cancel()

			select {
			case <-s.Done():
			case <-time.After(time.Second):
				t.Fatal("session did not close")
			}

			assert.Equal(t, Closed, s.State())
			assert.Equal(t, before, reg.Count())
			for range out {
			}
		})
	}
}

func TestSession_DeliveryErrorClosesStream(t *testing.T) {
	reg := registry.New[events.DatastoreUpdated]("datastore")
	deactivated := fmt.Errorf("datastore d1: %w", ErrNotFound)

	s := New(Config[string, events.DatastoreUpdated]{
		EntityID: "d1",
		Registry: reg,
		Deliver: func(context.Context, events.DatastoreUpdated) (any, error) {
			return nil, deactivated
		},
	})

	out, err := s.Start(context.Background())
	require.NoError(t, err)
	waitStreaming(t, s)

	reg.Push("d1", events.DatastoreUpdated{DatastoreID: "d1"})

	got := receive(t, out)
	gotErr, ok := got.(error)
	require.True(t, ok)
	assert.True(t, errors.Is(gotErr, ErrNotFound))

	_, open := <-out
	assert.False(t, open)
	<-s.Done()
	assert.Equal(t, 0, reg.Count())
}

func TestSession_StartTwice(t *testing.T) {
	reg := registry.New[events.FileStatus]("file_status")
	s := New(Config[struct{}, events.FileStatus]{EntityID: "d1", Registry: reg})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Start(ctx)
	require.NoError(t, err)
	_, err = s.Start(ctx)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "INIT", Init.String())
	assert.Equal(t, "STREAMING", Streaming.String())
	assert.Equal(t, "State(9)", State(9).String())
}
