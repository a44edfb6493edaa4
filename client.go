// Package transfer moves OpenNeuro datasets into object storage.
//
// The Client lists a dataset's files through the OpenNeuro API, classifies
// them into priority classes, and streams them into S3 under a bounded
// memory budget, with structural validation and automated recovery after
// the transfer completes.
package transfer

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/input-output-hk/catalyst-forge-libs/fs"
	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"

	"github.com/openneuro-tools/transfer/errors"
	"github.com/openneuro-tools/transfer/internal/openneuro"
	"github.com/openneuro-tools/transfer/internal/s3api"
	"github.com/openneuro-tools/transfer/internal/sink"
	"github.com/openneuro-tools/transfer/internal/validate"
	"github.com/openneuro-tools/transfer/metrics"
	"github.com/openneuro-tools/transfer/transfertypes"
)

// Client transfers datasets from OpenNeuro to S3. It is safe for
// concurrent use; each TransferDataset call runs with its own scheduler
// and validation state.
type Client struct {
	// cfg holds the resolved configuration
	cfg transfertypes.ClientConfig

	// s3Client is the underlying AWS SDK S3 client
	s3Client s3api.S3API

	// store creates destination sinks in the target bucket
	store *sink.Store

	// source lists and downloads dataset files
	source *openneuro.Client

	// fs is the filesystem abstraction backing the staging area
	fs fs.Filesystem

	// metrics receives transfer and validation events
	metrics transfertypes.MetricsSink
}

// New creates a Client with the provided options. AWS credentials are
// resolved through the default credential chain unless WithAWSConfig
// supplies a configuration.
//
// Example:
//
//	client, err := transfer.New(
//	    transfer.WithBucket("my-datasets"),
//	    transfer.WithRegion("us-west-2"),
//	)
func New(opts ...transfertypes.Option) (*Client, error) {
	clientCfg := defaultConfig()
	for _, opt := range opts {
		opt(&clientCfg)
	}
	if err := validate.BucketName(clientCfg.Bucket); err != nil {
		return nil, err
	}

	var cfg aws.Config
	var err error
	if clientCfg.CustomAWSConfig != nil {
		cfg = *clientCfg.CustomAWSConfig
	} else {
		cfg, err = config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, errors.NewError("client initialization", err)
		}
	}
	if clientCfg.Region != "" {
		cfg.Region = clientCfg.Region
	} else if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if clientCfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(clientCfg.Endpoint)
		})
	}
	if clientCfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newClient(clientCfg, s3.NewFromConfig(cfg, s3Opts...)), nil
}

// NewWithClient creates a Client over a custom S3API implementation. This
// is primarily used for testing with mocked clients.
func NewWithClient(s3Client s3api.S3API, opts ...transfertypes.Option) *Client {
	clientCfg := defaultConfig()
	for _, opt := range opts {
		opt(&clientCfg)
	}
	return newClient(clientCfg, s3Client)
}

func newClient(cfg transfertypes.ClientConfig, s3Client s3api.S3API) *Client {
	filesystem := cfg.Filesystem
	if filesystem == nil {
		filesystem = billy.NewOSFS("/")
	}
	sinkMetrics := cfg.Metrics
	if sinkMetrics == nil {
		sinkMetrics = metrics.Nop()
	}
	return &Client{
		cfg:      cfg,
		s3Client: s3Client,
		store:    sink.NewStore(s3Client, cfg.Bucket, cfg.Prefix),
		source:   openneuro.New(cfg.OpenNeuroEndpoint, nil),
		fs:       filesystem,
		metrics:  sinkMetrics,
	}
}

func defaultConfig() transfertypes.ClientConfig {
	return transfertypes.ClientConfig{
		MemoryCeiling:       1 << 30,
		BaselineChunkSize:   8 << 20,
		ChunkFloor:          1 << 20,
		SubjectConcurrency:  5,
		PerSubjectAllowance: 256 << 20,
		MaxAttempts:         3,
		MaxRecoveryAttempts: 3,
		StageDir:            "stage",
	}
}

// Close releases any resources held by the client.
// Currently a no-op but included for future extensibility.
func (c *Client) Close() error {
	return nil
}
