// Package chunk implements the bounded-memory streaming primitive. One
// resource is moved from a source to a destination sink chunk by chunk, with
// chunk sizes advised by the memory governor. Peak memory held here is
// bounded by a single chunk; the whole file is never buffered.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"

	transfererrors "github.com/openneuro-tools/transfer/errors"
	"github.com/openneuro-tools/transfer/internal/pool"
	"github.com/openneuro-tools/transfer/transfertypes"
)

// buffers pools chunk buffers across all concurrent streams. The governor
// advises sizes from a small fixed set, so the pool stays bounded.
var buffers = pool.NewChunkPool()

// Advisor mediates chunk memory for the copy loop. Implemented by the
// memory governor.
type Advisor interface {
	NextChunkSize() int64
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// ProgressFunc observes chunk completion. chunkNum counts from 1;
// totalChunks is an estimate derived from the declared length and may lag
// when chunk sizes shrink mid-stream.
type ProgressFunc func(chunkNum, totalChunks int, bytesSoFar int64)

// Stream copies src to sink in advised-size chunks and returns the total
// byte count moved.
//
// Ledger bytes are acquired before each read and released after the chunk
// is handed to the sink, on every exit path. A short final chunk is normal;
// a total that differs from the declared length fails with an integrity
// error, which the caller must treat as fatal. Transport failures on either
// side are reported as network errors, retryable by the caller.
func Stream(
	ctx context.Context,
	src transfertypes.Source,
	sink transfertypes.Sink,
	advisor Advisor,
	progress ProgressFunc,
) (int64, error) {
	declared := src.Length()
	var total int64
	chunkNum := 0

	for {
		size := advisor.NextChunkSize()
		n, err := streamOne(ctx, src, sink, advisor, size)
		total += int64(n)

		if n > 0 && progress != nil {
			chunkNum++
			progress(chunkNum, estimateChunks(declared, size), total)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
	}

	if total != declared {
		return total, transfererrors.NewError("stream", transfererrors.ErrIntegrity).
			WithMessage(lengthMismatch(declared, total))
	}
	return total, nil
}

// streamOne moves a single chunk. The ledger reservation is released before
// returning regardless of outcome.
func streamOne(
	ctx context.Context,
	src transfertypes.Source,
	sink transfertypes.Sink,
	advisor Advisor,
	size int64,
) (int, error) {
	if err := advisor.Acquire(ctx, size); err != nil {
		return 0, transfererrors.NewError("stream", transfererrors.ErrNetwork).
			WithMessage("acquiring chunk budget: " + err.Error())
	}
	defer advisor.Release(size)

	buf := buffers.Get(size)
	defer buffers.Put(buf)
	n, err := io.ReadFull(src, buf)
	if n > 0 {
		if werr := sink.WriteChunk(ctx, buf[:n]); werr != nil {
			return n, transfererrors.NewError("stream", transfererrors.ErrNetwork).
				WithMessage("writing chunk: " + werr.Error())
		}
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// End of stream; the final chunk may be short.
		return n, io.EOF
	default:
		return n, transfererrors.NewError("stream", transfererrors.ErrNetwork).
			WithMessage("reading chunk: " + err.Error())
	}
}

func estimateChunks(declared, chunkSize int64) int {
	if declared <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((declared + chunkSize - 1) / chunkSize)
}

func lengthMismatch(declared, got int64) string {
	return fmt.Sprintf("declared length %d but received %d", declared, got)
}
