// Package transfertypes defines the public types shared across the transfer
// module: manifest and priority-class types, per-entry transfer state,
// validation report types, metric events, and the collaborator interfaces
// consumed by the core (metrics sink, structural validator, source, sink).
package transfertypes

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/input-output-hk/catalyst-forge-libs/fs"
)

// PriorityClass is the processing phase an entry belongs to. Classes are
// processed strictly in ascending order; no entry of a class starts before
// the previous class is fully durable.
type PriorityClass int

const (
	// ClassMetadata covers top-level dataset metadata (dataset_description.json,
	// participants.*, README, CHANGES). Transferred first, fully serialized.
	ClassMetadata PriorityClass = iota

	// ClassTaskMeta covers top-level task definition files (task-*_bold.json etc).
	ClassTaskMeta

	// ClassSubject covers sub-*/ data, transferred in barrier-synchronized batches.
	ClassSubject

	// ClassDerivative covers derivatives/, transferred last.
	ClassDerivative

	// ClassUnclassified is anything the prefix table does not match.
	// Lowest priority.
	ClassUnclassified
)

// Classes lists all priority classes in processing order.
var Classes = []PriorityClass{
	ClassMetadata,
	ClassTaskMeta,
	ClassSubject,
	ClassDerivative,
	ClassUnclassified,
}

func (c PriorityClass) String() string {
	switch c {
	case ClassMetadata:
		return "metadata"
	case ClassTaskMeta:
		return "taskmeta"
	case ClassSubject:
		return "subject"
	case ClassDerivative:
		return "derivative"
	default:
		return "unclassified"
	}
}

// ManifestEntry describes one file of a dataset. Immutable once listed.
type ManifestEntry struct {
	// Path is the file path relative to the dataset root. It doubles as the
	// destination object key (under the configured prefix).
	Path string

	// DeclaredSize is the total length declared by the content source.
	// The transfer fails with an integrity error if the received byte count
	// differs.
	DeclaredSize int64

	// Class is the priority class assigned by the classifier.
	Class PriorityClass

	// URL is the remote location the entry's bytes are fetched from.
	URL string
}

// Manifest is the ordered, path-deduplicated set of entries for one dataset.
// Built once per run and read-only thereafter.
type Manifest struct {
	Dataset string
	Entries []ManifestEntry
}

// ByClass returns the entries belonging to the given priority class.
// Entries keep their manifest order (sorted by path within a class).
func (m *Manifest) ByClass(c PriorityClass) []ManifestEntry {
	var out []ManifestEntry
	for _, e := range m.Entries {
		if e.Class == c {
			out = append(out, e)
		}
	}
	return out
}

// TotalBytes returns the sum of declared sizes across all entries.
func (m *Manifest) TotalBytes() int64 {
	var n int64
	for _, e := range m.Entries {
		n += e.DeclaredSize
	}
	return n
}

// TransferStatus is the lifecycle state of one entry's transfer.
// Transitions are forward-only:
//
//	Pending → InFlight → {Succeeded | FailedRetryable → InFlight | FailedFatal}
//
// Succeeded and FailedFatal are terminal.
type TransferStatus int

const (
	StatusPending TransferStatus = iota
	StatusInFlight
	StatusSucceeded
	StatusFailedRetryable
	StatusFailedFatal
)

func (s TransferStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "inflight"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailedRetryable:
		return "failed-retryable"
	case StatusFailedFatal:
		return "failed-fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s TransferStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedFatal
}

// EntryResult is the final per-entry outcome of a run.
type EntryResult struct {
	Path             string
	Class            PriorityClass
	Status           TransferStatus
	BytesTransferred int64

	// Attempts is the number of transfer attempts made, including the
	// successful one.
	Attempts int

	// Err is the last error observed for failed entries.
	Err error
}

// RunResult aggregates the outcome of one dataset run.
type RunResult struct {
	Dataset          string
	Entries          []EntryResult
	BytesTransferred int64
	Duration         time.Duration

	// Validation is the outcome of the final structural validation pass,
	// nil when the run aborted before validation.
	Validation *ValidationOutcome
}

// Failed returns the entries that ended in a fatal state.
func (r *RunResult) Failed() []EntryResult {
	var out []EntryResult
	for _, e := range r.Entries {
		if e.Status == StatusFailedFatal {
			out = append(out, e)
		}
	}
	return out
}

// HasFatal reports whether any entry ended in a fatal state.
func (r *RunResult) HasFatal() bool {
	for _, e := range r.Entries {
		if e.Status == StatusFailedFatal {
			return true
		}
	}
	return false
}

// TypedError is one structural error reported by the external validator.
type TypedError struct {
	// ID uniquely identifies the error within a report, so that other
	// errors can reference it as a cause.
	ID string

	// Code is the validator's error classification (e.g. "MISSING_METADATA").
	Code string

	// Path is the dataset-relative path the error applies to.
	Path string

	// CauseRefs holds IDs of other errors this one is a consequence of.
	CauseRefs []string
}

// ValidationReport is the external validator's verdict on a dataset.
// Produced fresh on each pass.
type ValidationReport struct {
	Valid  bool
	Errors []TypedError
}

// ValidationState is the validation engine's position in its state machine.
type ValidationState int

const (
	StateNotValidated ValidationState = iota
	StateMetadataValidated
	StateSubjectsValidated
	StateFullyValidated
	StateRecovering
	StateFailed
)

func (s ValidationState) String() string {
	switch s {
	case StateNotValidated:
		return "not-validated"
	case StateMetadataValidated:
		return "metadata-validated"
	case StateSubjectsValidated:
		return "subjects-validated"
	case StateFullyValidated:
		return "fully-validated"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RepairKind is the closed taxonomy of automated repairs the recovery
// protocol may apply. Dispatch over kinds is a fixed switch, not a runtime
// mapping.
type RepairKind int

const (
	// RepairRefetch re-transfers the affected entries from the source.
	// Common fix.
	RepairRefetch RepairKind = iota

	// RepairRemoveEmpty removes empty directories left on the stage.
	// Common fix.
	RepairRemoveEmpty

	// RepairRefetchSubtree re-transfers every entry under the affected
	// path prefix. Aggressive fix.
	RepairRefetchSubtree

	// RepairRemoveOrphan deletes staged files that no manifest entry
	// accounts for. Aggressive fix.
	RepairRemoveOrphan
)

func (k RepairKind) String() string {
	switch k {
	case RepairRefetch:
		return "refetch"
	case RepairRemoveEmpty:
		return "remove-empty"
	case RepairRefetchSubtree:
		return "refetch-subtree"
	case RepairRemoveOrphan:
		return "remove-orphan"
	default:
		return "unknown"
	}
}

// Aggressive reports whether the repair is only admitted after the first
// two recovery attempts have failed.
func (k RepairKind) Aggressive() bool {
	return k == RepairRefetchSubtree || k == RepairRemoveOrphan
}

// RepairAction is one step of a recovery plan.
type RepairAction struct {
	Kind  RepairKind
	Code  string
	Paths []string
}

// RecoveryPlan is an ordered sequence of repair actions derived from one
// grouped-error pass. Consumed once, then discarded.
type RecoveryPlan struct {
	Actions []RepairAction
}

// ErrorGroup is a set of validator errors sharing a code, annotated with
// the cascade/relatedness analysis of one validation pass.
type ErrorGroup struct {
	Code   string
	Errors []TypedError

	// Cascaded counts errors in the group whose declared cause was already
	// observed earlier in the same pass.
	Cascaded int
}

// ValidationOutcome is the diagnostic summary of a validation run: the final
// state, the grouped error patterns of the last failing pass, and every
// repair action attempted, in order.
type ValidationOutcome struct {
	State            ValidationState
	RecoveryAttempts int
	Patterns         []ErrorGroup
	ActionsAttempted []RepairAction
}

// StructuralValidator is the external contract producing pass/fail reports
// over a staged dataset. The core treats the report as authoritative and
// does not reimplement structural rules.
type StructuralValidator interface {
	Validate(ctx context.Context, datasetPath string) (*ValidationReport, error)
}

// Event types emitted to the metrics sink.
const (
	EventTransferStart    = "transfer_start"
	EventTransferComplete = "transfer_complete"
	EventTransferFailed   = "transfer_failed"
	EventPatternShift     = "pattern_shift"
	EventValidationFailed = "validation_failed"
	EventRecoveryAttempt  = "recovery_attempt"
	EventRunComplete      = "run_complete"
)

// EventContext identifies what a metric event is about.
type EventContext struct {
	Dataset  string
	Subject  string
	Modality string
	Task     string
}

// EventMetrics carries the transfer measurements of an event. Fields are
// zero when not applicable.
type EventMetrics struct {
	SpeedMbps       float64
	MemoryMB        float64
	ActiveTransfers int
	ChunkNumber     int
	TotalChunks     int
}

// EventValidation carries validation context of an event.
type EventValidation struct {
	Errors []string
	Status string
}

// MetricEvent is one structured observability record. Rendering, transport
// and storage of events are external concerns.
type MetricEvent struct {
	Timestamp  time.Time
	Type       string
	Context    EventContext
	Metrics    EventMetrics
	Validation EventValidation
}

// MetricsSink receives metric events. Implementations must not block;
// the core never waits on the outcome of a Record call.
type MetricsSink interface {
	Record(event MetricEvent)
}

// Source is one remote resource being streamed. Reads are sequential; the
// declared length is the byte count the remote end committed to.
type Source interface {
	io.ReadCloser

	// Length returns the declared total length of the resource.
	Length() int64
}

// Sink accepts sequential byte ranges of one destination object without
// requiring the whole payload in memory.
type Sink interface {
	// WriteChunk appends one chunk to the object. Implementations must
	// not retain p after returning; the buffer is reused.
	WriteChunk(ctx context.Context, p []byte) error

	// Close finalizes the object. The object is durable only after Close
	// returns nil.
	Close(ctx context.Context) error

	// Abort discards any partially written state. Safe to call after a
	// failed WriteChunk.
	Abort(ctx context.Context) error
}

// ObjectStore creates destination sinks keyed by object path.
type ObjectStore interface {
	Create(ctx context.Context, key string, size int64) (Sink, error)
}

// ClientConfig holds the client-level configuration assembled by functional
// options.
type ClientConfig struct {
	Region         string
	Bucket         string
	Prefix         string
	Endpoint       string
	ForcePathStyle bool

	// MemoryCeiling bounds the aggregate bytes buffered across all
	// in-flight chunks. Default 1GiB.
	MemoryCeiling int64

	// BaselineChunkSize is the advised chunk size under low memory
	// pressure. Default 8MiB.
	BaselineChunkSize int64

	// ChunkFloor is the smallest chunk size the governor will advise.
	// Default 1MiB.
	ChunkFloor int64

	// SubjectConcurrency caps concurrent subject-class transfers.
	// Default 5. Derivative-class transfers run at half this value.
	SubjectConcurrency int

	// PerSubjectAllowance is the memory budget assumed per subject when
	// computing batch sizes. Default 256MiB.
	PerSubjectAllowance int64

	// MaxAttempts bounds transient (network) failures per entry. An entry
	// failing MaxAttempts+1 times is marked fatal. Default 3.
	MaxAttempts int

	// MaxRecoveryAttempts bounds validation recovery cycles. Default 3.
	MaxRecoveryAttempts int

	// AttemptTimeout is the per-attempt network timeout. Zero means no
	// timeout.
	AttemptTimeout time.Duration

	// StageDir is the local directory metadata-class files are mirrored to
	// for validation. Default "stage".
	StageDir string

	// OpenNeuroEndpoint overrides the GraphQL endpoint used for manifest
	// listing.
	OpenNeuroEndpoint string

	Metrics    MetricsSink
	Validator  StructuralValidator
	Filesystem fs.Filesystem

	// CustomAWSConfig overrides the default AWS credential chain.
	CustomAWSConfig *aws.Config
}

// Option mutates the client configuration.
type Option func(*ClientConfig)
