package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitor_RunsTickPeriodically(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(5*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, zap.NewNop())

	require.True(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, m.Running())
}

func TestMonitor_StartTwiceIsNoop(t *testing.T) {
	m := NewMonitor(time.Hour, nil, zap.NewNop())

	assert.True(t, m.Start(context.Background()))
	assert.False(t, m.Start(context.Background()))
	m.Stop()
	assert.False(t, m.Running())
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	m := NewMonitor(time.Hour, nil, zap.NewNop())
	assert.NotPanics(t, m.Stop)
	assert.NotPanics(t, m.Stop)
}

func TestMonitor_ContinuesAfterErrorAndPanic(t *testing.T) {
	var calls atomic.Int32
	m := NewMonitor(time.Millisecond, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("probe failed")
		case 2:
			panic("boom")
		}
		return nil
	}, zap.NewNop())

	require.True(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, m.Failures(), int64(2))
}

func TestMonitor_IterationHookSeesEachResult(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var results []error
	m := NewMonitor(time.Millisecond, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("probe failed")
		case 2:
			panic("boom")
		}
		return nil
	}, zap.NewNop(), WithIterationHook(func(err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	}))

	require.True(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.Iterations() >= 3 }, time.Second, time.Millisecond)
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, int(m.Iterations()))
	assert.EqualError(t, results[0], "probe failed")
	assert.ErrorContains(t, results[1], "panicked")
	assert.NoError(t, results[2])

	var failed int64
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	assert.Equal(t, m.Failures(), failed)
}

func TestMonitor_StopWaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once

	m := NewMonitor(time.Millisecond, func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}, zap.NewNop())

	require.True(t, m.Start(context.Background()))
	<-started

	m.Stop()
	assert.True(t, finished.Load(), "Stop returned before the running iteration completed")
}

func TestMonitor_IterationsDoNotOverlap(t *testing.T) {
	var active, overlaps atomic.Int32
	var calls atomic.Int32
	m := NewMonitor(time.Millisecond, func(context.Context) error {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(3 * time.Millisecond)
		active.Add(-1)
		calls.Add(1)
		return nil
	}, zap.NewNop())

	require.True(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return calls.Load() >= 5 }, time.Second, time.Millisecond)
	m.Stop()

	assert.Zero(t, overlaps.Load())
}

func TestMonitor_ParentContextCancelStopsLoop(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMonitor(time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, zap.NewNop())

	require.True(t, m.Start(ctx))
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	m.Stop()

	n := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}

func TestMonitor_RestartAfterStop(t *testing.T) {
	m := NewMonitor(time.Hour, nil, zap.NewNop())
	require.True(t, m.Start(context.Background()))
	m.Stop()
	require.True(t, m.Start(context.Background()))
	m.Stop()
}
