package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub000/orm"
)

func countingRunner(runs *atomic.Int64) Runner {
	return func(ctx context.Context, o orm.ORM, cfg map[string]any) (Result, error) {
		runs.Add(1)
		return Result{Cleaned: 1}, nil
	}
}

func TestRegisterTask_Validation(t *testing.T) {
	s := NewScheduler(nil)
	runner := func(ctx context.Context, o orm.ORM, cfg map[string]any) (Result, error) {
		return Result{}, nil
	}

	assert.Error(t, s.RegisterTask(Task{Runner: runner, Interval: time.Second}))
	assert.Error(t, s.RegisterTask(Task{Name: "t", Interval: time.Second}))
	assert.Error(t, s.RegisterTask(Task{Name: "t", Runner: runner}))

	require.NoError(t, s.RegisterTask(Task{Name: "t", Runner: runner, Interval: time.Second}))
	assert.Error(t, s.RegisterTask(Task{Name: "t", Runner: runner, Interval: time.Second}))

	assert.Len(t, s.Tasks(), 1)
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(nil)
	var runs atomic.Int64
	require.NoError(t, s.RegisterTask(Task{
		Name:     "ticking",
		Interval: 10 * time.Millisecond,
		Enabled:  true,
		Runner:   countingRunner(&runs),
	}))

	assert.False(t, s.IsRunning())
	s.Start()
	assert.True(t, s.IsRunning())
	s.Start() // second Start is a no-op

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop() // second Stop is a no-op

	settled := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())
}

func TestScheduler_DisabledTaskNeverRuns(t *testing.T) {
	s := NewScheduler(nil)
	var runs atomic.Int64
	require.NoError(t, s.RegisterTask(Task{
		Name:     "disabled",
		Interval: 5 * time.Millisecond,
		Enabled:  false,
		Runner:   countingRunner(&runs),
	}))

	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	assert.Zero(t, runs.Load())
}

func TestScheduler_FailingTaskIsolated(t *testing.T) {
	s := NewScheduler(nil)
	var healthyRuns atomic.Int64

	require.NoError(t, s.RegisterTask(Task{
		Name:     "failing",
		Interval: 5 * time.Millisecond,
		Enabled:  true,
		Runner: func(ctx context.Context, o orm.ORM, cfg map[string]any) (Result, error) {
			return Result{}, errors.New("db unavailable")
		},
	}))
	require.NoError(t, s.RegisterTask(Task{
		Name:     "panicking",
		Interval: 5 * time.Millisecond,
		Enabled:  true,
		Runner: func(ctx context.Context, o orm.ORM, cfg map[string]any) (Result, error) {
			panic("boom")
		},
	}))
	require.NoError(t, s.RegisterTask(Task{
		Name:     "healthy",
		Interval: 5 * time.Millisecond,
		Enabled:  true,
		Runner:   countingRunner(&healthyRuns),
	}))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return healthyRuns.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_OverlappingRunsSkipped(t *testing.T) {
	s := NewScheduler(nil)
	var inFlight atomic.Int64
	var maxInFlight atomic.Int64

	require.NoError(t, s.RegisterTask(Task{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Enabled:  true,
		Runner: func(ctx context.Context, o orm.ORM, cfg map[string]any) (Result, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			time.Sleep(25 * time.Millisecond)
			return Result{}, nil
		},
	}))

	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestRunTaskNow(t *testing.T) {
	s := NewScheduler(nil)
	var seenConfig map[string]any
	require.NoError(t, s.RegisterTask(Task{
		Name:       "manual",
		PluginName: "demo",
		Interval:   time.Hour,
		Runner: func(ctx context.Context, o orm.ORM, cfg map[string]any) (Result, error) {
			seenConfig = cfg
			return Result{Cleaned: 7}, nil
		},
	}))
	s.SetPluginConfig("demo", map[string]any{"retention": "24h"})

	res, err := s.RunTaskNow(context.Background(), "manual")
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.Cleaned)
	assert.Equal(t, "24h", seenConfig["retention"])

	_, err = s.RunTaskNow(context.Background(), "missing")
	assert.Error(t, err)
}
