// Package sink writes destination objects to S3 as streamed multipart
// uploads. Incoming chunks accumulate until a part fills and then upload;
// objects smaller than one part go up as a plain PutObject, and failures
// abort the multipart upload. Nothing here buffers a whole file, but each
// open object holds up to one part of resident memory that is not counted
// against the chunk ledger, so peak process usage can exceed the ledger
// ceiling by the part size times the number of active transfers.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/openneuro-tools/transfer/internal/s3api"
	"github.com/openneuro-tools/transfer/transfertypes"
)

const (
	// minPartSize is the S3 lower bound for non-final multipart parts.
	minPartSize = 5 * 1024 * 1024

	// DefaultPartSize is the multipart part size used for large objects.
	DefaultPartSize = 8 * 1024 * 1024

	// defaultContentType is used when sniffing and extension lookup both fail.
	defaultContentType = "application/octet-stream"
)

// Store creates S3-backed sinks under a bucket and key prefix.
type Store struct {
	client   s3api.S3API
	bucket   string
	prefix   string
	partSize int64
}

// NewStore creates a Store writing into bucket under prefix.
func NewStore(client s3api.S3API, bucket, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		partSize: DefaultPartSize,
	}
}

// Ping verifies the destination bucket exists and is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s not reachable: %w", s.bucket, err)
	}
	return nil
}

// Create returns a sink for one destination object. The key is the
// dataset-relative path; the store prepends its prefix.
func (s *Store) Create(_ context.Context, key string, size int64) (transfertypes.Sink, error) {
	if key == "" {
		return nil, fmt.Errorf("object key cannot be empty")
	}
	return &objectSink{
		store:    s,
		key:      s.prefix + key,
		declared: size,
	}, nil
}

// objectSink accumulates chunks into parts of the configured size and
// uploads them as they fill. Objects that never fill a single part are
// written with one PutObject on Close.
type objectSink struct {
	store    *Store
	key      string
	declared int64

	buf         bytes.Buffer
	uploadID    string
	parts       []awstypes.CompletedPart
	partNumber  int32
	contentType string
}

// WriteChunk appends one chunk, flushing full parts to S3. The first chunk
// is sniffed for the object's content type.
func (o *objectSink) WriteChunk(ctx context.Context, p []byte) error {
	if o.contentType == "" {
		o.contentType = detectContentType(o.key, p)
	}
	o.buf.Write(p)
	for int64(o.buf.Len()) >= o.store.partSize {
		if err := o.flushPart(ctx, int(o.store.partSize)); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the remainder and finalizes the object. Only after Close
// returns nil is the object durable.
func (o *objectSink) Close(ctx context.Context) error {
	if o.uploadID == "" {
		// Whole object fits below one part: single PUT.
		return o.put(ctx)
	}
	if o.buf.Len() > 0 {
		// Final part may be smaller than the 5MiB minimum.
		if err := o.flushPart(ctx, o.buf.Len()); err != nil {
			return err
		}
	}
	_, err := o.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(o.store.bucket),
		Key:      aws.String(o.key),
		UploadId: aws.String(o.uploadID),
		MultipartUpload: &awstypes.CompletedMultipartUpload{
			Parts: o.parts,
		},
	})
	if err != nil {
		o.abort(ctx)
		return fmt.Errorf("completing multipart upload of %s: %w", o.key, err)
	}
	return nil
}

// Abort discards any partially uploaded state.
func (o *objectSink) Abort(ctx context.Context) error {
	o.buf.Reset()
	o.abort(ctx)
	return nil
}

// flushPart uploads exactly n buffered bytes as the next part, starting the
// multipart upload on first flush.
func (o *objectSink) flushPart(ctx context.Context, n int) error {
	if o.uploadID == "" {
		if err := o.begin(ctx); err != nil {
			return err
		}
	}

	o.partNumber++
	out, err := o.store.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(o.store.bucket),
		Key:        aws.String(o.key),
		UploadId:   aws.String(o.uploadID),
		PartNumber: aws.Int32(o.partNumber),
		Body:       bytes.NewReader(o.buf.Next(n)),
	})
	if err != nil {
		return fmt.Errorf("uploading part %d of %s: %w", o.partNumber, o.key, err)
	}
	o.parts = append(o.parts, awstypes.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(o.partNumber),
	})
	return nil
}

func (o *objectSink) begin(ctx context.Context) error {
	out, err := o.store.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(o.store.bucket),
		Key:                  aws.String(o.key),
		ContentType:          aws.String(o.contentTypeOrDefault()),
		ServerSideEncryption: awstypes.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("creating multipart upload for %s: %w", o.key, err)
	}
	o.uploadID = aws.ToString(out.UploadId)
	return nil
}

func (o *objectSink) put(ctx context.Context) error {
	_, err := o.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(o.store.bucket),
		Key:                  aws.String(o.key),
		Body:                 bytes.NewReader(o.buf.Bytes()),
		ContentType:          aws.String(o.contentTypeOrDefault()),
		ServerSideEncryption: awstypes.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", o.key, err)
	}
	return nil
}

func (o *objectSink) abort(ctx context.Context) {
	if o.uploadID == "" {
		return
	}
	// Ignore errors during cleanup.
	_, _ = o.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(o.store.bucket),
		Key:      aws.String(o.key),
		UploadId: aws.String(o.uploadID),
	})
	o.uploadID = ""
}

func (o *objectSink) contentTypeOrDefault() string {
	if o.contentType != "" {
		return o.contentType
	}
	return defaultContentType
}

// detectContentType sniffs the first chunk, falling back to extension-based
// lookup for keys whose content is not self-describing.
func detectContentType(key string, head []byte) string {
	var sniffed string
	if len(head) > 0 {
		if mt := mimetype.Detect(head); mt != nil {
			sniffed = mt.String()
		}
	}
	if sniffed != "" && sniffed != defaultContentType && !strings.HasPrefix(sniffed, "text/plain") {
		return sniffed
	}
	if ext := strings.ToLower(filepath.Ext(key)); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	if sniffed != "" {
		return sniffed
	}
	return defaultContentType
}
