package transfer

import (
	"bytes"
	"context"
	"path"
	"time"

	"github.com/input-output-hk/catalyst-forge-libs/fs"

	"github.com/openneuro-tools/transfer/errors"
	"github.com/openneuro-tools/transfer/internal/chunk"
	"github.com/openneuro-tools/transfer/internal/manifest"
	"github.com/openneuro-tools/transfer/internal/memory"
	"github.com/openneuro-tools/transfer/internal/openneuro"
	"github.com/openneuro-tools/transfer/internal/recovery"
	"github.com/openneuro-tools/transfer/internal/scheduler"
	"github.com/openneuro-tools/transfer/internal/validate"
	"github.com/openneuro-tools/transfer/transfertypes"
)

// TransferDataset moves one dataset into the destination bucket and
// validates the result. Entries move in priority-class order: metadata
// first, then task definitions, then subject data in batches sized against
// the memory ceiling, then derivatives. Per-entry failures are recorded in
// the returned result; the returned error is non-nil when the run as a
// whole aborted or validation could not be repaired.
func (c *Client) TransferDataset(
	ctx context.Context,
	datasetID string,
) (*transfertypes.RunResult, error) {
	const op = "TransferDataset"

	if err := validate.DatasetID(datasetID); err != nil {
		return nil, err
	}
	if err := c.store.Ping(ctx); err != nil {
		return nil, errors.NewError(op, errors.ErrNetwork).
			WithDataset(datasetID).
			WithMessage(err.Error())
	}

	files, err := c.source.ListFiles(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	entries := make([]transfertypes.ManifestEntry, 0, len(files))
	for _, f := range files {
		// Listings are remote input; a path that fails validation is
		// dropped rather than turned into a destination key.
		if err := validate.EntryPath(f.Filename); err != nil {
			continue
		}
		entries = append(entries, transfertypes.ManifestEntry{
			Path:         f.Filename,
			DeclaredSize: f.Size,
			URL:          openneuro.PickURL(f),
		})
	}
	m := manifest.Build(datasetID, entries)
	if len(m.Entries) == 0 {
		return nil, errors.NewError(op, errors.ErrInvalidInput).
			WithDataset(datasetID).
			WithMessage("dataset has no files")
	}

	governor := memory.New(memory.Config{
		Ceiling:  c.cfg.MemoryCeiling,
		Baseline: c.cfg.BaselineChunkSize,
		Floor:    c.cfg.ChunkFloor,
		Dataset:  datasetID,
		Metrics:  c.metrics,
	})

	stagePath := path.Join(c.cfg.StageDir, datasetID)
	transferFn := c.transferFunc(governor, datasetID, stagePath)

	engine := recovery.New(recovery.Config{
		FS:          c.fs,
		Validator:   c.cfg.Validator,
		Refetcher:   &manifestRefetcher{manifest: m, transfer: transferFn},
		Metrics:     c.metrics,
		MaxAttempts: c.cfg.MaxRecoveryAttempts,
		Dataset:     datasetID,
	})

	sched := scheduler.New(scheduler.Config{
		SubjectConcurrency:  c.cfg.SubjectConcurrency,
		MaxAttempts:         c.cfg.MaxAttempts,
		MemoryBudget:        c.cfg.MemoryCeiling,
		PerSubjectAllowance: c.cfg.PerSubjectAllowance,
	}, transferFn, c.metrics)
	sched.OnClassComplete(func(_ context.Context, class transfertypes.PriorityClass) error {
		switch class {
		case transfertypes.ClassMetadata:
			return engine.CheckMetadata(stagePath)
		case transfertypes.ClassSubject:
			return engine.CheckSubjects(m)
		}
		return nil
	})

	result, runErr := sched.Run(ctx, m)

	if runErr == nil && !result.HasFatal() && c.cfg.Validator != nil {
		outcome, verr := engine.ValidateDataset(ctx, stagePath, m)
		result.Validation = outcome
		if verr != nil {
			runErr = verr
		}
	} else {
		result.Validation = &transfertypes.ValidationOutcome{State: engine.State()}
	}

	c.emitRunComplete(result)
	return result, runErr
}

// transferFunc builds the per-entry transfer used by both the scheduler
// and validation recovery. One invocation is one attempt: open the source,
// create the destination sink, and stream chunks under the governor's
// memory ledger. Metadata-class entries are additionally mirrored to the
// staging area so the validator can inspect them.
func (c *Client) transferFunc(
	governor *memory.Governor,
	datasetID, stagePath string,
) scheduler.TransferFunc {
	return func(ctx context.Context, entry transfertypes.ManifestEntry) (int64, error) {
		if c.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
			defer cancel()
		}

		src, err := c.source.Open(ctx, entry)
		if err != nil {
			return 0, err
		}
		defer src.Close()

		dst, err := c.store.Create(ctx, path.Join(datasetID, entry.Path), entry.DeclaredSize)
		if err != nil {
			return 0, errors.NewError("create sink", errors.ErrNetwork).
				WithDataset(datasetID).
				WithPath(entry.Path).
				WithMessage(err.Error())
		}
		if staged(entry.Class) {
			dst = &stagedSink{
				Sink: dst,
				fs:   c.fs,
				path: path.Join(stagePath, entry.Path),
			}
		}

		governor.TransferStarted()
		defer governor.TransferDone()

		n, err := chunk.Stream(ctx, src, dst, governor, nil)
		if err != nil {
			_ = dst.Abort(ctx)
			return n, err
		}
		if err := dst.Close(ctx); err != nil {
			return n, errors.NewError("finalize object", errors.ErrNetwork).
				WithDataset(datasetID).
				WithPath(entry.Path).
				WithMessage(err.Error())
		}
		return n, nil
	}
}

// staged reports whether a class is mirrored to the local staging area.
// Metadata and task definitions are small and the validator needs them on
// disk; bulk subject data stays in object storage only.
func staged(class transfertypes.PriorityClass) bool {
	return class == transfertypes.ClassMetadata || class == transfertypes.ClassTaskMeta
}

// stagedSink tees an object's bytes into the staging filesystem. The stage
// copy is written only after the destination sink closes cleanly.
type stagedSink struct {
	transfertypes.Sink
	fs   fs.Filesystem
	path string
	buf  bytes.Buffer
}

func (s *stagedSink) WriteChunk(ctx context.Context, p []byte) error {
	if err := s.Sink.WriteChunk(ctx, p); err != nil {
		return err
	}
	s.buf.Write(p)
	return nil
}

func (s *stagedSink) Close(ctx context.Context) error {
	if err := s.Sink.Close(ctx); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(s.path), 0o755); err != nil {
		return err
	}
	return s.fs.WriteFile(s.path, s.buf.Bytes(), 0o644)
}

// manifestRefetcher re-runs single-entry transfers for recovery actions.
type manifestRefetcher struct {
	manifest *transfertypes.Manifest
	transfer scheduler.TransferFunc
}

func (r *manifestRefetcher) Refetch(ctx context.Context, paths []string) error {
	byPath := make(map[string]transfertypes.ManifestEntry, len(r.manifest.Entries))
	for _, e := range r.manifest.Entries {
		byPath[e.Path] = e
	}
	for _, p := range paths {
		entry, ok := byPath[p]
		if !ok {
			continue
		}
		if _, err := r.transfer(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) emitRunComplete(result *transfertypes.RunResult) {
	status := "succeeded"
	if result.HasFatal() {
		status = "failed"
	}
	event := transfertypes.MetricEvent{
		Timestamp:  time.Now(),
		Type:       transfertypes.EventRunComplete,
		Context:    transfertypes.EventContext{Dataset: result.Dataset},
		Validation: transfertypes.EventValidation{Status: status},
	}
	if result.Duration > 0 {
		seconds := result.Duration.Seconds()
		event.Metrics.SpeedMbps = float64(result.BytesTransferred) * 8 / (1e6 * seconds)
	}
	if result.Validation != nil {
		event.Validation.Status = result.Validation.State.String()
	}
	c.metrics.Record(event)
}
