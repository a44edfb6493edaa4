package chunk

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transfererrors "github.com/openneuro-tools/transfer/errors"
	"github.com/openneuro-tools/transfer/internal/testutil"
)

// fixedAdvisor advises a constant chunk size and tracks the ledger balance.
type fixedAdvisor struct {
	size        int64
	outstanding atomic.Int64
	acquires    atomic.Int64
	acquireErr  error
}

func (a *fixedAdvisor) NextChunkSize() int64 { return a.size }

func (a *fixedAdvisor) Acquire(_ context.Context, n int64) error {
	if a.acquireErr != nil {
		return a.acquireErr
	}
	a.acquires.Add(1)
	a.outstanding.Add(n)
	return nil
}

func (a *fixedAdvisor) Release(n int64) { a.outstanding.Add(-n) }

func TestStreamCopiesExactly(t *testing.T) {
	payload := bytes.Repeat([]byte("neuro"), 100) // 500 bytes
	src := testutil.NewBytesSource(payload)
	sink := &testutil.MemorySink{}
	advisor := &fixedAdvisor{size: 128}

	n, err := Stream(context.Background(), src, sink, advisor, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, sink.Bytes())
}

func TestStreamShortFinalChunk(t *testing.T) {
	payload := []byte("0123456789") // 10 bytes, chunk size 4: chunks 4+4+2
	src := testutil.NewBytesSource(payload)
	sink := &testutil.MemorySink{}
	advisor := &fixedAdvisor{size: 4}

	var chunks []int64
	progress := func(_, _ int, bytesSoFar int64) {
		chunks = append(chunks, bytesSoFar)
	}

	n, err := Stream(context.Background(), src, sink, advisor, progress)

	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, payload, sink.Bytes())
	assert.Equal(t, []int64{4, 8, 10}, chunks)
}

func TestStreamLengthMismatchIsIntegrityError(t *testing.T) {
	payload := []byte("truncated payload")
	src := testutil.NewShortSource(payload, int64(len(payload))+100)
	sink := &testutil.MemorySink{}
	advisor := &fixedAdvisor{size: 8}

	n, err := Stream(context.Background(), src, sink, advisor, nil)

	require.Error(t, err)
	assert.True(t, transfererrors.IsIntegrity(err))
	assert.False(t, transfererrors.Retryable(err))
	assert.Equal(t, int64(len(payload)), n)
}

func TestStreamReadFailureIsNetworkError(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64)
	src := testutil.NewFailingSource(payload, 16, errors.New("connection reset"))
	sink := &testutil.MemorySink{}
	advisor := &fixedAdvisor{size: 16}

	_, err := Stream(context.Background(), src, sink, advisor, nil)

	require.Error(t, err)
	assert.True(t, transfererrors.IsNetwork(err))
	assert.True(t, transfererrors.Retryable(err))
}

func TestStreamWriteFailureIsNetworkError(t *testing.T) {
	src := testutil.NewBytesSource([]byte("some payload"))
	sink := &testutil.MemorySink{WriteErr: errors.New("broken pipe")}
	advisor := &fixedAdvisor{size: 4}

	_, err := Stream(context.Background(), src, sink, advisor, nil)

	require.Error(t, err)
	assert.True(t, transfererrors.IsNetwork(err))
}

func TestStreamBalancesLedgerOnAllPaths(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, advisor *fixedAdvisor)
	}{
		{
			name: "success",
			run: func(t *testing.T, advisor *fixedAdvisor) {
				src := testutil.NewBytesSource(bytes.Repeat([]byte("a"), 100))
				_, err := Stream(context.Background(), src, &testutil.MemorySink{}, advisor, nil)
				require.NoError(t, err)
			},
		},
		{
			name: "read failure",
			run: func(t *testing.T, advisor *fixedAdvisor) {
				src := testutil.NewFailingSource(bytes.Repeat([]byte("a"), 100), 30, errors.New("reset"))
				_, err := Stream(context.Background(), src, &testutil.MemorySink{}, advisor, nil)
				require.Error(t, err)
			},
		},
		{
			name: "write failure",
			run: func(t *testing.T, advisor *fixedAdvisor) {
				src := testutil.NewBytesSource(bytes.Repeat([]byte("a"), 100))
				sink := &testutil.MemorySink{WriteErr: errors.New("pipe")}
				_, err := Stream(context.Background(), src, sink, advisor, nil)
				require.Error(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advisor := &fixedAdvisor{size: 16}
			tt.run(t, advisor)
			assert.Equal(t, int64(0), advisor.outstanding.Load(),
				"every acquired reservation must be released")
			assert.Positive(t, advisor.acquires.Load())
		})
	}
}

func TestStreamAcquireFailureStopsStream(t *testing.T) {
	src := testutil.NewBytesSource([]byte("payload"))
	sink := &testutil.MemorySink{}
	advisor := &fixedAdvisor{size: 4, acquireErr: context.Canceled}

	n, err := Stream(context.Background(), src, sink, advisor, nil)

	require.Error(t, err)
	assert.Equal(t, int64(0), n)
	assert.Empty(t, sink.Bytes())
}

func TestEstimateChunks(t *testing.T) {
	assert.Equal(t, 0, estimateChunks(0, 4))
	assert.Equal(t, 1, estimateChunks(3, 4))
	assert.Equal(t, 1, estimateChunks(4, 4))
	assert.Equal(t, 3, estimateChunks(10, 4))
}
