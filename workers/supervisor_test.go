package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockingTask(name string, released *atomic.Int32) Task {
	return Task{Name: name, Run: func(ctx context.Context) error {
		<-ctx.Done()
		released.Add(1)
		return nil
	}}
}

func TestSupervisor_StopCancelsAndWaits(t *testing.T) {
	var released atomic.Int32

	s := NewSupervisor("bridges", nil)
	require.NoError(t, s.Add(blockingTask("a", &released), blockingTask("b", &released)))
	require.NoError(t, s.Start(context.Background()))

	assert.NoError(t, s.Stop())
	assert.Equal(t, int32(2), released.Load(), "Stop returns after every task released")

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed after Stop")
	}
}

func TestSupervisor_FirstFailureCancelsSiblings(t *testing.T) {
	var released atomic.Int32
	boom := errors.New("connection refused")

	s := NewSupervisor("bridges", nil)
	require.NoError(t, s.Add(
		blockingTask("healthy", &released),
		Task{Name: "broken", Run: func(context.Context) error { return boom }},
	))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after a failure")
	}

	err := s.Wait()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "task broken")
	assert.Equal(t, int32(1), released.Load())
}

func TestSupervisor_PanicBecomesError(t *testing.T) {
	s := NewSupervisor("bridges", nil)
	require.NoError(t, s.Add(Task{Name: "crashy", Run: func(context.Context) error { panic("nil map") }}))
	require.NoError(t, s.Start(context.Background()))

	err := s.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestSupervisor_ParentCancelIsClean(t *testing.T) {
	var released atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	s := NewSupervisor("bridges", nil)
	require.NoError(t, s.Add(
		blockingTask("a", &released),
		Task{Name: "ctx-err", Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	))
	require.NoError(t, s.Start(ctx))

	cancel()
	assert.NoError(t, s.Wait())
	assert.Equal(t, int32(1), released.Load())
}

func TestSupervisor_Lifecycle(t *testing.T) {
	s := NewSupervisor("bridges", nil)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Add(Task{Name: "late"}), ErrStopped)
	assert.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)

	idle := NewSupervisor("idle", nil)
	assert.NoError(t, idle.Stop(), "stopping a supervisor that never started")
}
