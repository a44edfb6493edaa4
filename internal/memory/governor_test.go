package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openneuro-tools/transfer/internal/testutil"
	"github.com/openneuro-tools/transfer/transfertypes"
)

func TestNewDefaults(t *testing.T) {
	g := New(Config{})

	assert.Equal(t, int64(DefaultBaseline), g.NextChunkSize())
}

func TestFloorNeverExceedsBaseline(t *testing.T) {
	g := New(Config{Baseline: 1 << 20, Floor: 4 << 20})

	assert.Equal(t, int64(1<<20), g.NextChunkSize())
}

func TestNextChunkSizeShrinksAboveWatermark(t *testing.T) {
	ceiling := int64(100 << 20)
	g := New(Config{Ceiling: ceiling, Baseline: 8 << 20, Floor: 1 << 20})

	require.NoError(t, g.Acquire(context.Background(), 85<<20))
	defer g.Release(85 << 20)

	size := g.NextChunkSize()
	assert.Less(t, size, int64(8<<20))
	assert.GreaterOrEqual(t, size, int64(1<<20))
}

func TestNextChunkSizeNeverBelowFloor(t *testing.T) {
	ceiling := int64(16 << 20)
	g := New(Config{Ceiling: ceiling, Baseline: 8 << 20, Floor: 1 << 20})

	// Leave less than a floor's worth of room.
	require.NoError(t, g.Acquire(context.Background(), ceiling-512))
	defer g.Release(ceiling - 512)

	for i := 0; i < 10; i++ {
		assert.GreaterOrEqual(t, g.NextChunkSize(), int64(1<<20))
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	g := New(Config{Ceiling: 1 << 20, Baseline: 1 << 20, Floor: 1 << 10})

	require.NoError(t, g.Acquire(context.Background(), 1<<20))

	acquired := make(chan struct{})
	go func() {
		if err := g.Acquire(context.Background(), 1<<20); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the ceiling is full")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release(1 << 20)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after release")
	}
	assert.Equal(t, int64(1<<20), g.InUse())
}

func TestAcquireRespectsContextCancel(t *testing.T) {
	g := New(Config{Ceiling: 1 << 20, Baseline: 1 << 20, Floor: 1 << 10})
	require.NoError(t, g.Acquire(context.Background(), 1<<20))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Acquire(ctx, 1<<20)
	}()

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
	assert.Equal(t, int64(1<<20), g.InUse())
}

func TestLedgerNeverExceedsCeiling(t *testing.T) {
	ceiling := int64(4 << 10)
	g := New(Config{Ceiling: ceiling, Baseline: 1 << 10, Floor: 256})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n := int64(1 << 10)
				if err := g.Acquire(context.Background(), n); err != nil {
					return
				}
				assert.LessOrEqual(t, g.InUse(), ceiling)
				g.Release(n)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), g.InUse())
}

func TestReleaseClampsAtZero(t *testing.T) {
	g := New(Config{})

	g.Release(1 << 20)

	assert.Equal(t, int64(0), g.InUse())
}

func TestActiveTransferCounting(t *testing.T) {
	g := New(Config{})

	g.TransferStarted()
	g.TransferStarted()
	assert.Equal(t, 2, g.ActiveTransfers())

	g.TransferDone()
	assert.Equal(t, 1, g.ActiveTransfers())

	g.TransferDone()
	g.TransferDone()
	assert.Equal(t, 0, g.ActiveTransfers())
}

func TestPatternShiftEmittedUnderPressure(t *testing.T) {
	sink := &testutil.RecordingSink{}
	ceiling := int64(100 << 20)
	g := New(Config{
		Ceiling:  ceiling,
		Baseline: 8 << 20,
		Floor:    1 << 20,
		Dataset:  "ds000001",
		Metrics:  sink,
	})

	// No pressure, stable sizes: no shift events.
	for i := 0; i < 5; i++ {
		g.NextChunkSize()
	}
	assert.Empty(t, sink.EventsOfType(transfertypes.EventPatternShift))

	require.NoError(t, g.Acquire(context.Background(), 85<<20))
	defer g.Release(85 << 20)
	g.NextChunkSize()

	events := sink.EventsOfType(transfertypes.EventPatternShift)
	require.NotEmpty(t, events)
	assert.Equal(t, "ds000001", events[0].Context.Dataset)
	assert.Greater(t, events[0].Metrics.MemoryMB, 0.0)
}
