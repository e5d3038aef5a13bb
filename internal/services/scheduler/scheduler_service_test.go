package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestRegisterJob_Validation(t *testing.T) {
	s := NewService(arbor.NewLogger())

	require.NoError(t, s.RegisterJob("poll", "@every 1m", func(ctx context.Context) error { return nil }))
	assert.ErrorContains(t, s.RegisterJob("poll", "@every 1m", func(ctx context.Context) error { return nil }), "already registered")
	assert.ErrorContains(t, s.RegisterJob("bad", "not a schedule", func(ctx context.Context) error { return nil }), "invalid schedule")
}

func TestTriggerJob_RecordsStatus(t *testing.T) {
	s := NewService(arbor.NewLogger())
	var calls atomic.Int32

	require.NoError(t, s.RegisterJob("poll", "@every 1h", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("mailbox unavailable")
		}
		return nil
	}))

	require.NoError(t, s.TriggerJob("poll"))
	require.Eventually(t, func() bool {
		status, err := s.GetJobStatus("poll")
		return err == nil && status.LastRun != nil && !status.IsRunning
	}, time.Second, 5*time.Millisecond)

	status, err := s.GetJobStatus("poll")
	require.NoError(t, err)
	assert.Equal(t, "mailbox unavailable", status.LastError)

	require.NoError(t, s.TriggerJob("poll"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		status, _ := s.GetJobStatus("poll")
		return status.LastError == "" && !status.IsRunning
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, s.TriggerJob("missing"))
	_, err = s.GetJobStatus("missing")
	assert.Error(t, err)
}

func TestTriggerJob_PanicIsContained(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("report", "@every 1h", func(ctx context.Context) error {
		panic("boom")
	}))

	require.NoError(t, s.TriggerJob("report"))
	require.Eventually(t, func() bool {
		status, _ := s.GetJobStatus("report")
		return status.LastRun != nil && !status.IsRunning
	}, time.Second, 5*time.Millisecond)

	status, _ := s.GetJobStatus("report")
	assert.Equal(t, "panic: boom", status.LastError)
}

func TestStartStop_Lifecycle(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("poll", "@every 1h", func(ctx context.Context) error { return nil }))

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	status, err := s.GetJobStatus("poll")
	require.NoError(t, err)
	require.NotNil(t, status.NextRun)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *status.NextRun, time.Minute)
	assert.Len(t, s.GetAllJobStatuses(), 1)

	require.NoError(t, s.Stop(time.Second))
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Start(), "a stopped scheduler cannot be restarted")
}

func TestStop_CancelsRunningJobs(t *testing.T) {
	s := NewService(arbor.NewLogger())
	started := make(chan struct{})
	var cancelled atomic.Bool

	require.NoError(t, s.RegisterJob("automation", "@every 1h", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))
	require.NoError(t, s.Start())

	require.NoError(t, s.TriggerJob("automation"))
	<-started

	require.NoError(t, s.Stop(20*time.Millisecond))
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}
