package transfer

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/input-output-hk/catalyst-forge-libs/fs"

	"github.com/openneuro-tools/transfer/transfertypes"
)

// WithRegion sets the AWS region for the destination bucket.
func WithRegion(region string) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.Region = region
	}
}

// WithBucket sets the destination bucket.
func WithBucket(bucket string) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.Bucket = bucket
	}
}

// WithPrefix sets a key prefix prepended to every destination object.
func WithPrefix(prefix string) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.Prefix = prefix
	}
}

// WithEndpoint sets a custom S3 endpoint (LocalStack, MinIO).
func WithEndpoint(endpoint string) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.Endpoint = endpoint
	}
}

// WithForcePathStyle enables path-style S3 addressing. Required by most
// S3-compatible local stacks.
func WithForcePathStyle(force bool) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.ForcePathStyle = force
	}
}

// WithMemoryCeiling caps the total bytes of chunk buffers in flight.
func WithMemoryCeiling(bytes int64) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.MemoryCeiling = bytes
	}
}

// WithBaselineChunkSize sets the chunk size used under normal memory
// pressure.
func WithBaselineChunkSize(bytes int64) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.BaselineChunkSize = bytes
	}
}

// WithChunkFloor sets the minimum chunk size adaptive sizing may reach.
func WithChunkFloor(bytes int64) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.ChunkFloor = bytes
	}
}

// WithSubjectConcurrency sets how many subject-class entries may move at
// once.
func WithSubjectConcurrency(n int) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.SubjectConcurrency = n
	}
}

// WithPerSubjectAllowance sets the declared-size budget used when batching
// subjects against the memory ceiling.
func WithPerSubjectAllowance(bytes int64) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.PerSubjectAllowance = bytes
	}
}

// WithMaxAttempts bounds retries of transient per-entry failures.
func WithMaxAttempts(n int) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.MaxAttempts = n
	}
}

// WithMaxRecoveryAttempts bounds validation recovery cycles.
func WithMaxRecoveryAttempts(n int) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.MaxRecoveryAttempts = n
	}
}

// WithAttemptTimeout bounds the wall time of one transfer attempt.
func WithAttemptTimeout(d time.Duration) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.AttemptTimeout = d
	}
}

// WithStageDir sets the local directory where metadata files are staged
// for validation.
func WithStageDir(dir string) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.StageDir = dir
	}
}

// WithOpenNeuroEndpoint overrides the OpenNeuro GraphQL endpoint.
func WithOpenNeuroEndpoint(endpoint string) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.OpenNeuroEndpoint = endpoint
	}
}

// WithMetrics sets the sink receiving transfer and validation events.
func WithMetrics(sink transfertypes.MetricsSink) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.Metrics = sink
	}
}

// WithValidator sets the structural validator run after transfer.
func WithValidator(v transfertypes.StructuralValidator) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.Validator = v
	}
}

// WithFilesystem sets the filesystem used for the staging area. Tests use
// an in-memory implementation.
func WithFilesystem(filesystem fs.Filesystem) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.Filesystem = filesystem
	}
}

// WithAWSConfig supplies a pre-built AWS configuration, bypassing the
// default credential chain.
func WithAWSConfig(config *aws.Config) transfertypes.Option {
	return func(c *transfertypes.ClientConfig) {
		c.CustomAWSConfig = config
	}
}
