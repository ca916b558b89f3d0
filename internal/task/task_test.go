package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-link/logger"
	"github.com/stretchr/testify/require"
)

func TestManagerStart(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.GetLogger())

	var runs atomic.Int32
	var exited atomic.Bool
	err := mgr.Start("counter", func() bool {
		return runs.Add(1) < 3
	}, func() { exited.Store(true) })
	require.NoError(err)

	require.Eventually(func() bool { return exited.Load() }, time.Second, 5*time.Millisecond)
	require.Equal(int32(3), runs.Load())
	require.Zero(mgr.TaskCount())
}

func TestManagerStopAndReuse(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.GetLogger())

	err := mgr.Start("spin", func() bool {
		time.Sleep(time.Millisecond)
		return true
	}, nil)
	require.NoError(err)
	require.Equal(1, mgr.TaskCount())

	mgr.Stop()
	mgr.Wait()
	require.Zero(mgr.TaskCount())

	// the manager is re-armed after Wait
	var ran atomic.Bool
	require.NoError(mgr.Start("again", func() bool {
		ran.Store(true)
		return false
	}, nil))
	require.Eventually(ran.Load, time.Second, 5*time.Millisecond)
}

func TestManagerStartInterval(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.GetLogger())

	require.Error(mgr.StartInterval("bad", func() bool { return true }, 0, false))

	var ticks atomic.Int32
	require.NoError(mgr.StartInterval("tick", func() bool {
		ticks.Add(1)
		return true
	}, 10*time.Millisecond, true))
	require.Equal(int32(1), ticks.Load(), "runNow executes synchronously")

	require.Error(mgr.StartInterval("tick", func() bool { return true }, time.Second, false))

	require.Eventually(func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	mgr.Stop()
	mgr.Wait()
	stopped := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(stopped, ticks.Load())

	// the name is free again once the task exited
	require.NoError(mgr.StartInterval("tick", func() bool { return false }, 10*time.Millisecond, true))
}

func TestManagerRecoversPanic(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.GetLogger())

	var calls atomic.Int32
	require.NoError(mgr.StartInterval("panicky", func() bool {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return false
	}, 5*time.Millisecond, false))

	require.Eventually(func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	mgr.Stop()
	mgr.Wait()
}

func TestManagerStartAfterStop(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())
	mgr.Stop()

	require.Error(t, mgr.Start("late", func() bool { return false }, nil))
}
