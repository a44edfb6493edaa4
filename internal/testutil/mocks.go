// Package testutil provides mocks for transfer tests. This package is
// internal and should only be used for testing within this module.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openneuro-tools/transfer/transfertypes"
)

// MockS3Client is a mock implementation of the S3API interface for testing.
// It allows customization of each S3 operation through function fields.
type MockS3Client struct {
	PutObjectFunc               func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucketFunc              func(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUploadFunc   func(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartFunc              func(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUploadFunc func(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadFunc    func(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// PutObject mocks the S3 PutObject operation.
func (m *MockS3Client) PutObject(
	ctx context.Context,
	params *s3.PutObjectInput,
	optFns ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	if m.PutObjectFunc != nil {
		return m.PutObjectFunc(ctx, params, optFns...)
	}
	return &s3.PutObjectOutput{}, nil
}

// HeadBucket mocks the S3 HeadBucket operation.
func (m *MockS3Client) HeadBucket(
	ctx context.Context,
	params *s3.HeadBucketInput,
	optFns ...func(*s3.Options),
) (*s3.HeadBucketOutput, error) {
	if m.HeadBucketFunc != nil {
		return m.HeadBucketFunc(ctx, params, optFns...)
	}
	return &s3.HeadBucketOutput{}, nil
}

// CreateMultipartUpload mocks the S3 CreateMultipartUpload operation.
func (m *MockS3Client) CreateMultipartUpload(
	ctx context.Context,
	params *s3.CreateMultipartUploadInput,
	optFns ...func(*s3.Options),
) (*s3.CreateMultipartUploadOutput, error) {
	if m.CreateMultipartUploadFunc != nil {
		return m.CreateMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("test-upload-id")}, nil
}

// UploadPart mocks the S3 UploadPart operation.
func (m *MockS3Client) UploadPart(
	ctx context.Context,
	params *s3.UploadPartInput,
	optFns ...func(*s3.Options),
) (*s3.UploadPartOutput, error) {
	if m.UploadPartFunc != nil {
		return m.UploadPartFunc(ctx, params, optFns...)
	}
	etag := fmt.Sprintf("etag-%d", aws.ToInt32(params.PartNumber))
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

// CompleteMultipartUpload mocks the S3 CompleteMultipartUpload operation.
func (m *MockS3Client) CompleteMultipartUpload(
	ctx context.Context,
	params *s3.CompleteMultipartUploadInput,
	optFns ...func(*s3.Options),
) (*s3.CompleteMultipartUploadOutput, error) {
	if m.CompleteMultipartUploadFunc != nil {
		return m.CompleteMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

// AbortMultipartUpload mocks the S3 AbortMultipartUpload operation.
func (m *MockS3Client) AbortMultipartUpload(
	ctx context.Context,
	params *s3.AbortMultipartUploadInput,
	optFns ...func(*s3.Options),
) (*s3.AbortMultipartUploadOutput, error) {
	if m.AbortMultipartUploadFunc != nil {
		return m.AbortMultipartUploadFunc(ctx, params, optFns...)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

// MemorySink collects written chunks in memory and records lifecycle calls.
type MemorySink struct {
	mu      sync.Mutex
	data    bytes.Buffer
	closed  bool
	aborted bool

	WriteErr error
	CloseErr error
}

// WriteChunk appends p to the sink's buffer.
func (s *MemorySink) WriteChunk(_ context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.data.Write(p)
	return nil
}

// Close marks the sink finalized.
func (s *MemorySink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseErr != nil {
		return s.CloseErr
	}
	s.closed = true
	return nil
}

// Abort marks the sink aborted.
func (s *MemorySink) Abort(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

// Bytes returns everything written so far.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data.Bytes()...)
}

// Closed reports whether Close succeeded.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Aborted reports whether Abort was called.
func (s *MemorySink) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// MemoryStore hands out MemorySinks keyed by object key.
type MemoryStore struct {
	mu    sync.Mutex
	sinks map[string]*MemorySink

	CreateErr error
}

// Create returns a fresh in-memory sink for key.
func (s *MemoryStore) Create(_ context.Context, key string, _ int64) (transfertypes.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	if s.sinks == nil {
		s.sinks = make(map[string]*MemorySink)
	}
	sink := &MemorySink{}
	s.sinks[key] = sink
	return sink, nil
}

// Sink returns the sink created for key, or nil.
func (s *MemoryStore) Sink(key string) *MemorySink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[key]
}

// BytesSource is an in-memory transfertypes.Source over a fixed payload.
type BytesSource struct {
	*bytes.Reader
	length int64
}

// NewBytesSource creates a source whose declared length matches the payload.
func NewBytesSource(payload []byte) *BytesSource {
	return &BytesSource{Reader: bytes.NewReader(payload), length: int64(len(payload))}
}

// NewShortSource creates a source that declares more bytes than it holds.
func NewShortSource(payload []byte, declared int64) *BytesSource {
	return &BytesSource{Reader: bytes.NewReader(payload), length: declared}
}

// Length returns the declared byte count.
func (s *BytesSource) Length() int64 { return s.length }

// Close is a no-op.
func (s *BytesSource) Close() error { return nil }

// FailingSource returns err after serving a prefix of the payload.
type FailingSource struct {
	reader io.Reader
	length int64
	err    error
}

// NewFailingSource serves serveFirst bytes of payload then fails with err.
func NewFailingSource(payload []byte, serveFirst int, err error) *FailingSource {
	return &FailingSource{
		reader: io.MultiReader(
			bytes.NewReader(payload[:serveFirst]),
			&errReader{err: err},
		),
		length: int64(len(payload)),
		err:    err,
	}
}

// Read delegates to the underlying prefix-then-fail reader.
func (s *FailingSource) Read(p []byte) (int, error) { return s.reader.Read(p) }

// Length returns the declared byte count.
func (s *FailingSource) Length() int64 { return s.length }

// Close is a no-op.
func (s *FailingSource) Close() error { return nil }

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

// RecordingSink is a MetricsSink that stores every event it receives.
type RecordingSink struct {
	mu     sync.Mutex
	events []transfertypes.MetricEvent
}

// Record stores the event.
func (s *RecordingSink) Record(event transfertypes.MetricEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of everything recorded so far.
func (s *RecordingSink) Events() []transfertypes.MetricEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transfertypes.MetricEvent(nil), s.events...)
}

// EventsOfType returns recorded events matching the given type.
func (s *RecordingSink) EventsOfType(eventType string) []transfertypes.MetricEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []transfertypes.MetricEvent
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
