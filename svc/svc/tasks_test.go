package svc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsTasks(t *testing.T) {
	d := NewDispatcher(2, 10)
	var ran int32
	for i := 0; i < 5; i++ {
		require.True(t, d.Submit("count", func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}))
	}
	d.Shutdown(time.Second)
	assert.EqualValues(t, 5, atomic.LoadInt32(&ran))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1)
	defer d.Shutdown(time.Second)
	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, d.Submit("block", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.True(t, d.Submit("queued", func(ctx context.Context) error { return nil }))
	assert.False(t, d.Submit("dropped", func(ctx context.Context) error { return nil }))
	close(release)
}

func TestDispatcherSurvivesPanicsAndErrors(t *testing.T) {
	d := NewDispatcher(1, 10)
	var after int32
	d.Submit("panics", func(ctx context.Context) error { panic("boom") })
	d.Submit("fails", func(ctx context.Context) error { return errors.New("nope") })
	d.Submit("after", func(ctx context.Context) error {
		atomic.StoreInt32(&after, 1)
		return nil
	})
	d.Shutdown(time.Second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&after))
}

func TestDispatcherRejectsAfterShutdown(t *testing.T) {
	d := NewDispatcher(1, 10)
	d.Shutdown(time.Second)
	d.Shutdown(time.Second)
	assert.False(t, d.Submit("late", func(ctx context.Context) error { return nil }))
}

func TestDispatcherCancelsStragglers(t *testing.T) {
	d := NewDispatcher(1, 10)
	cancelled := make(chan struct{})
	d.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	d.Shutdown(20 * time.Millisecond)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("straggler not cancelled")
	}
}

func TestDispatcherShutdownIgnoresStuckTask(t *testing.T) {
	d := NewDispatcher(1, 10)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.True(t, d.Submit("stuck", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	begin := time.Now()
	d.Shutdown(20 * time.Millisecond)
	assert.Less(t, time.Since(begin), time.Second)
}
