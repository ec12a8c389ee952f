package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventLockSerializesSameEventDistinctOthers(t *testing.T) {
	s := New(context.Background(), 4)
	defer s.Stop()

	lockA1 := s.EventLock("event-a")
	lockA2 := s.EventLock("event-a")
	require.Same(t, lockA1, lockA2, "the same event id always returns the same mutex")

	lockB := s.EventLock("event-b")
	require.NotSame(t, lockA1, lockB, "different event ids never share a mutex")
}

func TestAddJobRunsAndToleratesErrors(t *testing.T) {
	s := New(context.Background(), 4)

	var ran int32
	s.AddJob("ok", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	s.AddJob("fails", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return context.DeadlineExceeded
	})
	s.Stop()

	require.EqualValues(t, 2, atomic.LoadInt32(&ran), "a failing job must not prevent others from running")
}

func TestAddCronFiresOnInterval(t *testing.T) {
	s := New(context.Background(), 4)

	var ticks int32
	s.AddCron(CronJob{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&ticks, 1)
			return nil
		},
	})

	time.Sleep(55 * time.Millisecond)
	s.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(3))
}
