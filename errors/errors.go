// Package errors provides the error taxonomy for dataset transfer operations.
// It wraps underlying failures with operation, dataset and path context, and
// exposes the sentinel classes the scheduler and validation engine dispatch on.
package errors

import (
	"errors"
	"fmt"
)

// Error represents a transfer operation error with context about what failed.
type Error struct {
	// Op is the operation that failed (e.g. "stream", "schedule", "validate")
	Op string

	// Dataset is the dataset identifier (if applicable)
	Dataset string

	// Path is the dataset-relative file path (if applicable)
	Path string

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	if e.Dataset != "" && e.Path != "" {
		return fmt.Sprintf("transfer.%s %s/%s: %v", e.Op, e.Dataset, e.Path, e.Err)
	}
	if e.Dataset != "" {
		return fmt.Sprintf("transfer.%s dataset %s: %v", e.Op, e.Dataset, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("transfer.%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("transfer.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDataset adds dataset context to an existing error.
func (e *Error) WithDataset(dataset string) *Error {
	e.Dataset = dataset
	return e
}

// WithPath adds file path context to an existing error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// Sentinel errors forming the failure taxonomy. Use errors.Is to classify.
var (
	// ErrNetwork marks transient transport failures (connection reset,
	// timeout). Retried locally up to the configured attempt budget.
	ErrNetwork = errors.New("transfer: network error")

	// ErrIntegrity marks a received byte count that differs from the
	// declared length, or a corrupt chunk. Fatal for the entry; never
	// retried at the transfer layer.
	ErrIntegrity = errors.New("transfer: integrity error")

	// ErrMetadataMissing marks absent or unparseable required dataset
	// metadata. Blocks progression past the metadata class.
	ErrMetadataMissing = errors.New("transfer: dataset metadata missing or invalid")

	// ErrSubjectStructure marks a structural violation within a subject's
	// layout.
	ErrSubjectStructure = errors.New("transfer: subject structure violation")

	// ErrRecoveryExhausted marks a validation recovery loop that ran out of
	// attempts without reaching validity. Terminal.
	ErrRecoveryExhausted = errors.New("transfer: recovery attempts exhausted")

	// ErrClassAborted marks a priority class that could not complete
	// because an entry in it failed fatally.
	ErrClassAborted = errors.New("transfer: priority class aborted")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("transfer: invalid input")
)

// IsNetwork checks if an error is a transient network failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsIntegrity checks if an error is a length/corruption integrity failure.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

// IsRecoveryExhausted checks if an error marks an exhausted recovery loop.
func IsRecoveryExhausted(err error) bool {
	return errors.Is(err, ErrRecoveryExhausted)
}

// Retryable reports whether the scheduler may retry the entry that
// produced err. Only network-class failures are retryable.
func Retryable(err error) bool {
	return IsNetwork(err)
}
