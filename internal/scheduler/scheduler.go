// Package scheduler orders a dataset manifest into priority classes and runs
// each class under its own concurrency cap. The metadata class is fully
// serialized; subject data runs in barrier-synchronized batches sized by the
// available memory budget; derivatives run last at half the subject
// concurrency. No entry of class N starts while class N-1 is not yet durable.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	transfererrors "github.com/openneuro-tools/transfer/errors"
	"github.com/openneuro-tools/transfer/internal/manifest"
	"github.com/openneuro-tools/transfer/transfertypes"
)

const (
	// DefaultSubjectConcurrency caps concurrent subject-class transfers.
	DefaultSubjectConcurrency = 5
	// DefaultMaxAttempts bounds transient failures per entry.
	DefaultMaxAttempts = 3
	// DefaultPerSubjectAllowance is the memory budget assumed per subject
	// when computing batch sizes (256MiB).
	DefaultPerSubjectAllowance = 256 << 20
)

// TransferFunc moves one entry end to end and returns the bytes moved.
// Failures are classified through the errors package sentinels: network
// failures are retried here, integrity failures are fatal immediately.
type TransferFunc func(ctx context.Context, entry transfertypes.ManifestEntry) (int64, error)

// ClassHook runs after a priority class completes and before the next class
// is admitted. A non-nil error aborts the run.
type ClassHook func(ctx context.Context, class transfertypes.PriorityClass) error

// Config configures a Scheduler. Zero fields take defaults.
type Config struct {
	SubjectConcurrency  int
	MaxAttempts         int
	MemoryBudget        int64
	PerSubjectAllowance int64

	// BackoffInitial seeds the exponential retry backoff. Kept short in
	// tests.
	BackoffInitial time.Duration
}

// Scheduler runs one dataset manifest. It owns the per-entry transfer
// state; state records live for the duration of a run and are discarded
// with the scheduler.
type Scheduler struct {
	cfg      Config
	transfer TransferFunc
	hook     ClassHook
	metrics  transfertypes.MetricsSink

	mu     sync.Mutex
	states map[string]*entryState
}

// entryState is the mutable per-entry transfer record. Guarded by the
// scheduler mutex; transitions are forward-only.
type entryState struct {
	status   transfertypes.TransferStatus
	attempts int
	bytes    int64
	err      error
}

// New creates a Scheduler that moves entries with the given transfer
// function.
func New(cfg Config, transfer TransferFunc, metrics transfertypes.MetricsSink) *Scheduler {
	if cfg.SubjectConcurrency <= 0 {
		cfg.SubjectConcurrency = DefaultSubjectConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PerSubjectAllowance <= 0 {
		cfg.PerSubjectAllowance = DefaultPerSubjectAllowance
	}
	if cfg.MemoryBudget <= 0 {
		cfg.MemoryBudget = cfg.PerSubjectAllowance * int64(cfg.SubjectConcurrency)
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	return &Scheduler{
		cfg:      cfg,
		transfer: transfer,
		metrics:  metrics,
		states:   make(map[string]*entryState),
	}
}

// OnClassComplete registers a hook invoked between priority classes.
func (s *Scheduler) OnClassComplete(hook ClassHook) {
	s.hook = hook
}

// Run processes the manifest class by class and returns the per-entry
// outcomes. The returned error is non-nil when the run aborted: a fatal
// entry blocked a class, a class hook rejected progression, or the context
// was cancelled. Per-entry failures are reported in the result either way.
func (s *Scheduler) Run(ctx context.Context, m *transfertypes.Manifest) (*transfertypes.RunResult, error) {
	start := time.Now()

	s.mu.Lock()
	for _, e := range m.Entries {
		s.states[e.Path] = &entryState{status: transfertypes.StatusPending}
	}
	s.mu.Unlock()

	var runErr error
	for _, class := range transfertypes.Classes {
		entries := m.ByClass(class)

		if err := s.runClass(ctx, m, class, entries); err != nil {
			runErr = err
			break
		}
		if fatal := s.firstFatal(entries); fatal != "" {
			runErr = transfererrors.NewError("schedule", transfererrors.ErrClassAborted).
				WithDataset(m.Dataset).
				WithMessage(fmt.Sprintf("class %s blocked by fatal entry %s", class, fatal))
			break
		}
		if s.hook != nil {
			if err := s.hook(ctx, class); err != nil {
				runErr = err
				break
			}
		}
	}

	return s.result(m, time.Since(start)), runErr
}

// runClass executes one priority class under its concurrency model.
func (s *Scheduler) runClass(
	ctx context.Context,
	m *transfertypes.Manifest,
	class transfertypes.PriorityClass,
	entries []transfertypes.ManifestEntry,
) error {
	switch class {
	case transfertypes.ClassMetadata, transfertypes.ClassTaskMeta:
		// Fully serialized.
		return s.runPool(ctx, m.Dataset, entries, 1)
	case transfertypes.ClassSubject:
		return s.runSubjectBatches(ctx, m, entries)
	default:
		half := s.cfg.SubjectConcurrency / 2
		if half < 1 {
			half = 1
		}
		return s.runPool(ctx, m.Dataset, entries, half)
	}
}

// runSubjectBatches runs subject entries in barrier-synchronized batches.
// Batch size is the memory budget divided by the per-subject allowance, and
// subjects are ordered smallest total size first so small subjects complete
// early and free budget. A fatal entry lets its batch finish but stops
// admission of further batches.
func (s *Scheduler) runSubjectBatches(
	ctx context.Context,
	m *transfertypes.Manifest,
	entries []transfertypes.ManifestEntry,
) error {
	sizes := manifest.SubjectSizes(m)
	subjects := make([]string, 0, len(sizes))
	for sub := range sizes {
		subjects = append(subjects, sub)
	}
	sort.Slice(subjects, func(i, j int) bool {
		if sizes[subjects[i]] != sizes[subjects[j]] {
			return sizes[subjects[i]] < sizes[subjects[j]]
		}
		return subjects[i] < subjects[j]
	})

	bySubject := make(map[string][]transfertypes.ManifestEntry, len(subjects))
	for _, e := range entries {
		sub := manifest.SubjectOf(e.Path)
		bySubject[sub] = append(bySubject[sub], e)
	}

	batchSize := int(s.cfg.MemoryBudget / s.cfg.PerSubjectAllowance)
	if batchSize < 1 {
		batchSize = 1
	}

	for i := 0; i < len(subjects); i += batchSize {
		end := i + batchSize
		if end > len(subjects) {
			end = len(subjects)
		}
		var batch []transfertypes.ManifestEntry
		for _, sub := range subjects[i:end] {
			batch = append(batch, bySubject[sub]...)
		}
		if err := s.runPool(ctx, m.Dataset, batch, s.cfg.SubjectConcurrency); err != nil {
			return err
		}
		if s.firstFatal(batch) != "" {
			break
		}
	}
	return nil
}

// runPool runs entries through a bounded worker pool and waits for all of
// them (the barrier). Entry failures are recorded in the transfer state,
// not returned; only context cancellation surfaces as an error.
func (s *Scheduler) runPool(
	ctx context.Context,
	dataset string,
	entries []transfertypes.ManifestEntry,
	concurrency int,
) error {
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		entry := e
		g.Go(func() error {
			s.runEntry(ctx, dataset, entry)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("waiting for class pool: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run cancelled: %w", err)
	}
	return nil
}

// runEntry drives one entry through its attempt loop. Network failures are
// retried with exponential backoff until the attempt budget is exhausted;
// integrity failures are fatal on the spot.
func (s *Scheduler) runEntry(ctx context.Context, dataset string, entry transfertypes.ManifestEntry) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffInitial

	s.emit(dataset, entry, transfertypes.EventTransferStart, 0, 0)

	for {
		s.transition(entry.Path, transfertypes.StatusInFlight)
		start := time.Now()
		n, err := s.transfer(ctx, entry)

		s.mu.Lock()
		st := s.states[entry.Path]
		st.attempts++
		s.mu.Unlock()

		if err == nil {
			s.mu.Lock()
			st.bytes = n
			s.mu.Unlock()
			s.transition(entry.Path, transfertypes.StatusSucceeded)
			s.emit(dataset, entry, transfertypes.EventTransferComplete, n, time.Since(start))
			return
		}

		s.mu.Lock()
		st.err = err
		failures := st.attempts
		s.mu.Unlock()

		if !transfererrors.Retryable(err) || failures > s.cfg.MaxAttempts {
			s.transition(entry.Path, transfertypes.StatusFailedFatal)
			s.emit(dataset, entry, transfertypes.EventTransferFailed, n, time.Since(start))
			return
		}

		s.transition(entry.Path, transfertypes.StatusFailedRetryable)
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			s.mu.Lock()
			st.err = ctx.Err()
			s.mu.Unlock()
			s.transition(entry.Path, transfertypes.StatusFailedFatal)
			return
		}
	}
}

// transition moves an entry's status forward. Backward or out-of-order
// transitions are ignored; terminal states never change.
func (s *Scheduler) transition(path string, to transfertypes.TransferStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[path]
	if !ok || st.status.Terminal() {
		return
	}
	if allowedTransition(st.status, to) {
		st.status = to
	}
}

func allowedTransition(from, to transfertypes.TransferStatus) bool {
	switch from {
	case transfertypes.StatusPending:
		return to == transfertypes.StatusInFlight
	case transfertypes.StatusInFlight:
		return to == transfertypes.StatusSucceeded ||
			to == transfertypes.StatusFailedRetryable ||
			to == transfertypes.StatusFailedFatal
	case transfertypes.StatusFailedRetryable:
		return to == transfertypes.StatusInFlight ||
			to == transfertypes.StatusFailedFatal
	default:
		return false
	}
}

// State reports the current status and attempt count of an entry.
func (s *Scheduler) State(path string) (transfertypes.TransferStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[path]
	if !ok {
		return transfertypes.StatusPending, 0
	}
	return st.status, st.attempts
}

// firstFatal returns the path of the first fatally failed entry among the
// given entries, or "".
func (s *Scheduler) firstFatal(entries []transfertypes.ManifestEntry) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if st, ok := s.states[e.Path]; ok && st.status == transfertypes.StatusFailedFatal {
			return e.Path
		}
	}
	return ""
}

// result assembles the per-entry outcomes in manifest order.
func (s *Scheduler) result(m *transfertypes.Manifest, elapsed time.Duration) *transfertypes.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &transfertypes.RunResult{
		Dataset:  m.Dataset,
		Duration: elapsed,
		Entries:  make([]transfertypes.EntryResult, 0, len(m.Entries)),
	}
	for _, e := range m.Entries {
		st := s.states[e.Path]
		res.Entries = append(res.Entries, transfertypes.EntryResult{
			Path:             e.Path,
			Class:            e.Class,
			Status:           st.status,
			BytesTransferred: st.bytes,
			Attempts:         st.attempts,
			Err:              st.err,
		})
		res.BytesTransferred += st.bytes
	}
	return res
}

// emit sends a per-entry metric event. Fire and forget.
func (s *Scheduler) emit(
	dataset string,
	entry transfertypes.ManifestEntry,
	eventType string,
	bytes int64,
	elapsed time.Duration,
) {
	if s.metrics == nil {
		return
	}
	var speed float64
	if elapsed > 0 {
		speed = float64(bytes) * 8 / elapsed.Seconds() / 1e6
	}
	s.metrics.Record(transfertypes.MetricEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		Context: transfertypes.EventContext{
			Dataset:  dataset,
			Subject:  manifest.SubjectOf(entry.Path),
			Modality: manifest.ModalityOf(entry.Path),
			Task:     manifest.TaskOf(entry.Path),
		},
		Metrics: transfertypes.EventMetrics{
			SpeedMbps: speed,
		},
	})
}
