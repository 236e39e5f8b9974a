package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsJobUntilCancelled(t *testing.T) {
	s := New(zerolog.Nop())
	fired := make(chan struct{}, 8)
	var calls atomic.Int32
	require.NoError(t, s.Add("tick", "* * * * * *", func(ctx context.Context) error {
		calls.Add(1)
		fired <- struct{}{}
		return errors.New("logged, not fatal")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Add("sync", "every six hours", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync")

	err = s.Add("sync", "0 0 * * *", func(context.Context) error { return nil })
	assert.Error(t, err, "five-field specs are rejected when seconds are required")
}
