package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openneuro-tools/transfer/errors"
)

func TestDatasetID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ds000001", true},
		{"ds004776", true},
		{"", false},
		{"ds1", false},
		{"DS000001", false},
		{"ds0000001", false},
		{"openneuro", false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := DatasetID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrInvalidInput)
			}
		})
	}
}

func TestEntryPath(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		valid bool
	}{
		{"normal subject file", "sub-01/anat/sub-01_T1w.nii.gz", true},
		{"top-level metadata", "dataset_description.json", true},
		{"empty", "", false},
		{"absolute", "/etc/passwd", false},
		{"traversal", "sub-01/../../etc/passwd", false},
		{"dot segment", "./dataset_description.json", false},
		{"backslash", "sub-01\\anat\\file", false},
		{"control character", "sub-01/file\x00name", false},
		{"overlong", strings.Repeat("a/", 600) + "f", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := EntryPath(tt.path)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestBucketName(t *testing.T) {
	tests := []struct {
		name   string
		bucket string
		valid  bool
	}{
		{"simple", "my-datasets", true},
		{"with dots", "data.openneuro.mirror", true},
		{"too short", "ab", false},
		{"too long", strings.Repeat("a", 64), false},
		{"uppercase", "MyBucket", false},
		{"leading hyphen", "-bucket", false},
		{"trailing dot", "bucket.", false},
		{"double dot", "buck..et", false},
		{"underscore", "my_bucket", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := BucketName(tt.bucket)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
