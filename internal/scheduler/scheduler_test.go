package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transfererrors "github.com/openneuro-tools/transfer/errors"
	"github.com/openneuro-tools/transfer/internal/manifest"
	"github.com/openneuro-tools/transfer/internal/testutil"
	"github.com/openneuro-tools/transfer/transfertypes"
)

func testManifest() *transfertypes.Manifest {
	return manifest.Build("ds000001", []transfertypes.ManifestEntry{
		{Path: "dataset_description.json", DeclaredSize: 1},
		{Path: "participants.tsv", DeclaredSize: 2},
		{Path: "task-rest_bold.json", DeclaredSize: 3},
		{Path: "sub-01/anat/sub-01_T1w.nii.gz", DeclaredSize: 100},
		{Path: "sub-01/func/sub-01_task-rest_bold.nii.gz", DeclaredSize: 200},
		{Path: "sub-02/anat/sub-02_T1w.nii.gz", DeclaredSize: 100},
		{Path: "derivatives/fmriprep/sub-01/report.html", DeclaredSize: 10},
	})
}

// recordingTransfer tracks transfer invocations in order and delegates
// outcomes to a per-path script.
type recordingTransfer struct {
	mu    sync.Mutex
	order []string
	fails map[string][]error // consumed front to back
}

func (r *recordingTransfer) fn(_ context.Context, entry transfertypes.ManifestEntry) (int64, error) {
	r.mu.Lock()
	r.order = append(r.order, entry.Path)
	var err error
	if q := r.fails[entry.Path]; len(q) > 0 {
		err = q[0]
		r.fails[entry.Path] = q[1:]
	}
	r.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return entry.DeclaredSize, nil
}

func (r *recordingTransfer) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newTestScheduler(tr TransferFunc) *Scheduler {
	return New(Config{BackoffInitial: time.Millisecond}, tr, nil)
}

func TestRunTransfersEverything(t *testing.T) {
	tr := &recordingTransfer{}
	s := newTestScheduler(tr.fn)
	m := testManifest()

	result, err := s.Run(context.Background(), m)

	require.NoError(t, err)
	require.Len(t, result.Entries, len(m.Entries))
	for _, e := range result.Entries {
		assert.Equal(t, transfertypes.StatusSucceeded, e.Status, e.Path)
		assert.Equal(t, 1, e.Attempts, e.Path)
	}
	assert.Equal(t, int64(416), result.BytesTransferred)
	assert.False(t, result.HasFatal())
}

func TestClassBarrierOrdering(t *testing.T) {
	tr := &recordingTransfer{}
	s := newTestScheduler(tr.fn)
	m := testManifest()

	_, err := s.Run(context.Background(), m)
	require.NoError(t, err)

	calls := tr.calls()
	require.Len(t, calls, len(m.Entries))

	classAt := make([]transfertypes.PriorityClass, len(calls))
	for i, p := range calls {
		classAt[i] = manifest.Classify(p)
	}
	for i := 1; i < len(classAt); i++ {
		assert.LessOrEqual(t, classAt[i-1], classAt[i],
			"no entry may start before an earlier class finished: %v", calls)
	}
}

func TestMetadataClassIsSerialized(t *testing.T) {
	var current, peak atomic.Int32
	tr := func(_ context.Context, entry transfertypes.ManifestEntry) (int64, error) {
		if entry.Class == transfertypes.ClassMetadata {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}
		return entry.DeclaredSize, nil
	}

	s := newTestScheduler(tr)
	_, err := s.Run(context.Background(), testManifest())

	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load(), "metadata entries must move one at a time")
}

func TestSubjectConcurrencyCap(t *testing.T) {
	entries := []transfertypes.ManifestEntry{
		{Path: "dataset_description.json", DeclaredSize: 1},
	}
	for _, sub := range []string{"sub-01", "sub-02", "sub-03", "sub-04", "sub-05", "sub-06"} {
		entries = append(entries,
			transfertypes.ManifestEntry{Path: sub + "/anat/" + sub + "_T1w.nii.gz", DeclaredSize: 10},
			transfertypes.ManifestEntry{Path: sub + "/func/" + sub + "_bold.nii.gz", DeclaredSize: 10},
		)
	}
	m := manifest.Build("ds000001", entries)

	var current, peak atomic.Int32
	tr := func(_ context.Context, entry transfertypes.ManifestEntry) (int64, error) {
		if entry.Class == transfertypes.ClassSubject {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}
		return entry.DeclaredSize, nil
	}

	s := New(Config{SubjectConcurrency: 2, BackoffInitial: time.Millisecond}, tr, nil)
	_, err := s.Run(context.Background(), m)

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSubjectBatchesBoundedByMemoryBudget(t *testing.T) {
	// Budget allows 2 subjects per batch; 4 subjects means at least two
	// barrier-separated batches, smallest subjects first.
	entries := []transfertypes.ManifestEntry{
		{Path: "sub-01/anat/a.nii.gz", DeclaredSize: 400},
		{Path: "sub-02/anat/b.nii.gz", DeclaredSize: 300},
		{Path: "sub-03/anat/c.nii.gz", DeclaredSize: 200},
		{Path: "sub-04/anat/d.nii.gz", DeclaredSize: 100},
	}
	m := manifest.Build("ds000001", entries)

	tr := &recordingTransfer{}
	s := New(Config{
		SubjectConcurrency:  4,
		MemoryBudget:        512,
		PerSubjectAllowance: 256,
		BackoffInitial:      time.Millisecond,
	}, tr.fn, nil)

	_, err := s.Run(context.Background(), m)
	require.NoError(t, err)

	calls := tr.calls()
	require.Len(t, calls, 4)
	// Smallest-first ordering: batch one is sub-04 and sub-03 in some
	// order, batch two is sub-02 and sub-01.
	firstBatch := map[string]bool{calls[0]: true, calls[1]: true}
	assert.True(t, firstBatch["sub-04/anat/d.nii.gz"])
	assert.True(t, firstBatch["sub-03/anat/c.nii.gz"])
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	netErr := transfererrors.NewError("stream", transfererrors.ErrNetwork)
	tr := &recordingTransfer{fails: map[string][]error{
		"sub-01/anat/sub-01_T1w.nii.gz": {netErr, netErr},
	}}
	s := newTestScheduler(tr.fn)
	m := testManifest()

	result, err := s.Run(context.Background(), m)

	require.NoError(t, err)
	for _, e := range result.Entries {
		if e.Path == "sub-01/anat/sub-01_T1w.nii.gz" {
			assert.Equal(t, transfertypes.StatusSucceeded, e.Status)
			assert.Equal(t, 3, e.Attempts, "two failures then one success")
			assert.Equal(t, int64(100), e.BytesTransferred)
		}
	}
}

func TestExhaustedRetriesBecomeFatal(t *testing.T) {
	netErr := transfererrors.NewError("stream", transfererrors.ErrNetwork)
	tr := &recordingTransfer{fails: map[string][]error{
		"sub-01/anat/sub-01_T1w.nii.gz": {netErr, netErr, netErr, netErr},
	}}
	s := New(Config{MaxAttempts: 3, BackoffInitial: time.Millisecond}, tr.fn, nil)
	m := testManifest()

	result, err := s.Run(context.Background(), m)

	require.Error(t, err)
	assert.ErrorIs(t, err, transfererrors.ErrClassAborted)
	assert.True(t, result.HasFatal())

	status, attempts := s.State("sub-01/anat/sub-01_T1w.nii.gz")
	assert.Equal(t, transfertypes.StatusFailedFatal, status)
	assert.Equal(t, 4, attempts, "initial attempt plus three retries")
}

func TestIntegrityFailureIsImmediatelyFatal(t *testing.T) {
	intErr := transfererrors.NewError("stream", transfererrors.ErrIntegrity)
	tr := &recordingTransfer{fails: map[string][]error{
		"sub-01/anat/sub-01_T1w.nii.gz": {intErr},
	}}
	s := newTestScheduler(tr.fn)
	m := testManifest()

	result, err := s.Run(context.Background(), m)

	require.Error(t, err)
	assert.ErrorIs(t, err, transfererrors.ErrClassAborted)

	status, attempts := s.State("sub-01/anat/sub-01_T1w.nii.gz")
	assert.Equal(t, transfertypes.StatusFailedFatal, status)
	assert.Equal(t, 1, attempts, "integrity failures are never retried")

	// The derivative class must not have been admitted.
	for _, e := range result.Entries {
		if e.Class == transfertypes.ClassDerivative {
			assert.Equal(t, transfertypes.StatusPending, e.Status)
		}
	}
}

func TestFatalEntryLetsBatchFinish(t *testing.T) {
	intErr := transfererrors.NewError("stream", transfererrors.ErrIntegrity)
	tr := &recordingTransfer{fails: map[string][]error{
		"sub-01/anat/sub-01_T1w.nii.gz": {intErr},
	}}
	s := newTestScheduler(tr.fn)
	m := testManifest()

	result, err := s.Run(context.Background(), m)
	require.Error(t, err)

	// The sibling subject entries in the same batch still completed.
	for _, e := range result.Entries {
		switch e.Path {
		case "sub-01/func/sub-01_task-rest_bold.nii.gz", "sub-02/anat/sub-02_T1w.nii.gz":
			assert.Equal(t, transfertypes.StatusSucceeded, e.Status, e.Path)
		}
	}
}

func TestClassHookRunsBetweenClasses(t *testing.T) {
	tr := &recordingTransfer{}
	s := newTestScheduler(tr.fn)
	m := testManifest()

	var mu sync.Mutex
	var hooks []transfertypes.PriorityClass
	s.OnClassComplete(func(_ context.Context, class transfertypes.PriorityClass) error {
		mu.Lock()
		hooks = append(hooks, class)
		mu.Unlock()
		return nil
	})

	_, err := s.Run(context.Background(), m)

	require.NoError(t, err)
	assert.Equal(t, transfertypes.Classes, hooks, "hook runs once per class, in order")
}

func TestClassHookErrorAbortsRun(t *testing.T) {
	tr := &recordingTransfer{}
	s := newTestScheduler(tr.fn)
	m := testManifest()

	hookErr := transfererrors.NewError("validate", transfererrors.ErrMetadataMissing)
	s.OnClassComplete(func(_ context.Context, class transfertypes.PriorityClass) error {
		if class == transfertypes.ClassMetadata {
			return hookErr
		}
		return nil
	})

	result, err := s.Run(context.Background(), m)

	require.Error(t, err)
	assert.ErrorIs(t, err, transfererrors.ErrMetadataMissing)
	for _, e := range result.Entries {
		if e.Class != transfertypes.ClassMetadata {
			assert.Equal(t, transfertypes.StatusPending, e.Status, e.Path)
		}
	}
}

func TestCancelledContextStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := &recordingTransfer{}
	s := newTestScheduler(tr.fn)

	_, err := s.Run(ctx, testManifest())

	require.Error(t, err)
}

func TestEmitsTransferEvents(t *testing.T) {
	sink := &testutil.RecordingSink{}
	tr := &recordingTransfer{}
	s := New(Config{BackoffInitial: time.Millisecond}, tr.fn, sink)
	m := testManifest()

	_, err := s.Run(context.Background(), m)
	require.NoError(t, err)

	starts := sink.EventsOfType(transfertypes.EventTransferStart)
	completes := sink.EventsOfType(transfertypes.EventTransferComplete)
	assert.Len(t, starts, len(m.Entries))
	assert.Len(t, completes, len(m.Entries))

	var sawSubject bool
	for _, e := range completes {
		if e.Context.Subject == "sub-01" && e.Context.Modality == "func" {
			sawSubject = true
			assert.Equal(t, "task-rest", e.Context.Task)
		}
	}
	assert.True(t, sawSubject, "events carry subject and modality context")
}

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		from, to transfertypes.TransferStatus
		ok       bool
	}{
		{transfertypes.StatusPending, transfertypes.StatusInFlight, true},
		{transfertypes.StatusPending, transfertypes.StatusSucceeded, false},
		{transfertypes.StatusInFlight, transfertypes.StatusSucceeded, true},
		{transfertypes.StatusInFlight, transfertypes.StatusFailedRetryable, true},
		{transfertypes.StatusInFlight, transfertypes.StatusFailedFatal, true},
		{transfertypes.StatusFailedRetryable, transfertypes.StatusInFlight, true},
		{transfertypes.StatusFailedRetryable, transfertypes.StatusFailedFatal, true},
		{transfertypes.StatusSucceeded, transfertypes.StatusInFlight, false},
		{transfertypes.StatusFailedFatal, transfertypes.StatusInFlight, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, allowedTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}
