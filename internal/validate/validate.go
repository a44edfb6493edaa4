// Package validate provides centralized input validation logic.
// This includes dataset ID validation, entry path validation, and bucket
// name checks.
//
// All user inputs are validated before any network call is made, so bad
// input fails fast instead of surfacing as a confusing remote error.
package validate

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/openneuro-tools/transfer/errors"
)

// datasetIDPattern matches OpenNeuro accession numbers (ds followed by
// six digits).
var datasetIDPattern = regexp.MustCompile(`^ds[0-9]{6}$`)

// DatasetID validates an OpenNeuro dataset accession number.
func DatasetID(id string) error {
	if id == "" {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithMessage("dataset ID cannot be empty")
	}
	if !datasetIDPattern.MatchString(id) {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithDataset(id).
			WithMessage("dataset ID must match ds followed by six digits")
	}
	return nil
}

// EntryPath validates a dataset-relative file path. Paths come from a
// remote listing, so traversal sequences and control characters are
// rejected before the path is used as a destination key.
func EntryPath(path string) error {
	if path == "" {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithMessage("entry path cannot be empty")
	}
	if len(path) > 1024 {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithPath(path[:64] + "...").
			WithMessage("entry path exceeds 1024 characters")
	}
	if strings.HasPrefix(path, "/") {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithPath(path).
			WithMessage("entry path must be dataset-relative")
	}
	if hasPathTraversal(path) {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithPath(path).
			WithMessage("entry path cannot contain traversal sequences")
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return errors.NewError("validate", errors.ErrInvalidInput).
				WithPath(path).
				WithMessage("entry path cannot contain control characters")
		}
	}
	return nil
}

// BucketName validates that a bucket name is DNS-compliant according to
// AWS S3 rules. The full rule set is larger; this catches the mistakes
// that actually happen.
func BucketName(bucket string) error {
	if len(bucket) < 3 || len(bucket) > 63 {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithMessage("bucket name must be between 3 and 63 characters")
	}
	for _, r := range bucket {
		if !(r == '-' || r == '.' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return errors.NewError("validate", errors.ErrInvalidInput).
				WithMessage("bucket name may only contain lowercase letters, digits, hyphens and dots")
		}
	}
	if strings.HasPrefix(bucket, "-") || strings.HasSuffix(bucket, "-") ||
		strings.HasPrefix(bucket, ".") || strings.HasSuffix(bucket, ".") {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithMessage("bucket name cannot start or end with a hyphen or dot")
	}
	if strings.Contains(bucket, "..") {
		return errors.NewError("validate", errors.ErrInvalidInput).
			WithMessage("bucket name cannot contain consecutive dots")
	}
	return nil
}

func hasPathTraversal(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." || seg == "." {
			return true
		}
	}
	return strings.Contains(path, "\\")
}
