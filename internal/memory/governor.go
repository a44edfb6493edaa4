// Package memory tracks aggregate in-flight chunk bytes across all concurrent
// transfers and advises chunk sizes. The governor is the only state mutated by
// multiple transfer tasks; all mutation goes through the Acquire/Release pair.
package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/openneuro-tools/transfer/transfertypes"
)

const (
	// DefaultCeiling bounds aggregate buffered bytes (1GiB).
	DefaultCeiling = 1 << 30
	// DefaultBaseline is the advised chunk size under low pressure (8MiB).
	DefaultBaseline = 8 << 20
	// DefaultFloor is the smallest advised chunk size (1MiB).
	DefaultFloor = 1 << 20

	// historySize is the number of recent chunk sizes kept for
	// usage-pattern analysis.
	historySize = 100

	// watermarkPercent is the usage level above which chunk sizes shrink.
	watermarkPercent = 80

	// shiftStdDevPercent is the stddev-to-mean ratio above which a pattern
	// shift is reported.
	shiftStdDevPercent = 20
)

// Config configures a Governor. Zero fields take defaults.
type Config struct {
	Ceiling  int64
	Baseline int64
	Floor    int64
	Dataset  string
	Metrics  transfertypes.MetricsSink
}

// Governor mediates chunk memory. It owns the process-wide ledger of bytes
// currently buffered and a bounded ring of recent chunk sizes.
type Governor struct {
	mu   sync.Mutex
	cond *sync.Cond

	ceiling  int64
	baseline int64
	floor    int64
	inUse    int64

	history [historySize]int64
	histIdx int
	histLen int

	active  int // transfers currently holding at least one chunk
	dataset string
	metrics transfertypes.MetricsSink
}

// New creates a Governor with the given configuration.
func New(cfg Config) *Governor {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = DefaultBaseline
	}
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultFloor
	}
	if cfg.Floor > cfg.Baseline {
		cfg.Floor = cfg.Baseline
	}
	g := &Governor{
		ceiling:  cfg.Ceiling,
		baseline: cfg.Baseline,
		floor:    cfg.Floor,
		dataset:  cfg.Dataset,
		metrics:  cfg.Metrics,
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// NextChunkSize advises the size of the next chunk. The returned size is
// always within [floor, ceiling]; while ledger usage is above the high
// watermark the advised size halves from the baseline down to the floor.
func (g *Governor) NextChunkSize() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	size := g.baseline
	watermark := g.ceiling * watermarkPercent / 100
	for g.inUse > watermark && size > g.floor {
		size /= 2
	}
	if size < g.floor {
		size = g.floor
	}

	// Never advise more than the room left under the ceiling, so a
	// subsequent Acquire cannot overshoot. The floor still wins: Acquire
	// blocks until room exists rather than returning a sub-floor size.
	if room := g.ceiling - g.inUse; room > 0 && size > room {
		size = room
		if size < g.floor {
			size = g.floor
		}
	}

	g.record(size)
	return size
}

// Acquire reserves n ledger bytes before a chunk is buffered. It blocks
// until the reservation fits under the ceiling or ctx is done.
func (g *Governor) Acquire(ctx context.Context, n int64) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.cond.Broadcast()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.inUse+n > g.ceiling {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	g.inUse += n
	return nil
}

// Release returns n ledger bytes after a chunk is forwarded. Callers must
// pair every Acquire with exactly one Release on every exit path.
func (g *Governor) Release(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse -= n
	if g.inUse < 0 {
		// An unmatched release would silently grow the budget; pin the
		// ledger at zero so the ceiling invariant still holds.
		g.inUse = 0
	}
	g.cond.Broadcast()
}

// InUse returns the bytes currently buffered across all in-flight chunks.
func (g *Governor) InUse() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// TransferStarted and TransferDone bracket one entry's transfer so pattern
// shift events can report the number of concurrently active transfers.
func (g *Governor) TransferStarted() {
	g.mu.Lock()
	g.active++
	g.mu.Unlock()
}

// TransferDone marks the end of one entry's transfer.
func (g *Governor) TransferDone() {
	g.mu.Lock()
	if g.active > 0 {
		g.active--
	}
	g.mu.Unlock()
}

// ActiveTransfers returns the number of transfers currently in flight.
func (g *Governor) ActiveTransfers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// record appends a chunk size to the history ring and reports a pattern
// shift when the recent sizes vary widely or usage is above the watermark.
// Observability only; the size decision is already made.
func (g *Governor) record(size int64) {
	g.history[g.histIdx] = size
	g.histIdx = (g.histIdx + 1) % historySize
	if g.histLen < historySize {
		g.histLen++
	}

	watermark := g.ceiling * watermarkPercent / 100
	aboveWatermark := g.inUse > watermark
	mean, stddev := g.historyStats()
	volatile := g.histLen >= 2 && mean > 0 && stddev/mean*100 > shiftStdDevPercent

	if (aboveWatermark || volatile) && g.metrics != nil {
		g.metrics.Record(transfertypes.MetricEvent{
			Timestamp: time.Now(),
			Type:      transfertypes.EventPatternShift,
			Context:   transfertypes.EventContext{Dataset: g.dataset},
			Metrics: transfertypes.EventMetrics{
				MemoryMB:        float64(g.inUse) / (1 << 20),
				ActiveTransfers: g.active,
			},
		})
	}
}

// historyStats returns the mean and standard deviation of the recorded
// chunk sizes. Caller holds g.mu.
func (g *Governor) historyStats() (mean, stddev float64) {
	if g.histLen == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < g.histLen; i++ {
		sum += float64(g.history[i])
	}
	mean = sum / float64(g.histLen)

	var sq float64
	for i := 0; i < g.histLen; i++ {
		d := float64(g.history[i]) - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(g.histLen))
	return mean, stddev
}
