// Package buffers pools the large byte slices used while streaming file
// bodies, to keep multi-gigabyte batches from churning the heap.
package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/paneflow/paneflow/internal/constants"
)

// Pool monitoring counters
var (
	partAllocations int64 // object store part buffers created
	copyAllocations int64 // stream copy buffers created
)

var (
	// partPool holds ObjectPartSize buffers for multipart uploads.
	partPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&partAllocations, 1)
			buf := make([]byte, constants.ObjectPartSize)
			return &buf
		},
	}

	// copyPool holds CopyBufferSize buffers for CopyContext.
	copyPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&copyAllocations, 1)
			buf := make([]byte, constants.CopyBufferSize)
			return &buf
		},
	}
)

// GetPartBuffer retrieves a part buffer. Return it with PutPartBuffer.
//
// Usage:
//
//	buf := buffers.GetPartBuffer()
//	defer buffers.PutPartBuffer(buf)
//	n, err := io.ReadFull(r, *buf)
func GetPartBuffer() *[]byte {
	return partPool.Get().(*[]byte)
}

// PutPartBuffer returns a buffer to the pool. Buffers of any other size are
// dropped. The contents are cleared so file data does not linger.
func PutPartBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.ObjectPartSize {
		clear(*buf)
		partPool.Put(buf)
	}
}

// GetCopyBuffer retrieves a copy buffer. Return it with PutCopyBuffer.
func GetCopyBuffer() *[]byte {
	return copyPool.Get().(*[]byte)
}

// PutCopyBuffer returns a copy buffer to the pool.
func PutCopyBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.CopyBufferSize {
		clear(*buf)
		copyPool.Put(buf)
	}
}

// Stats describes the pools.
type Stats struct {
	PartBufferSize  int
	CopyBufferSize  int
	PartAllocations int64
	CopyAllocations int64
}

// GetStats returns current buffer pool statistics.
func GetStats() Stats {
	return Stats{
		PartBufferSize:  constants.ObjectPartSize,
		CopyBufferSize:  constants.CopyBufferSize,
		PartAllocations: atomic.LoadInt64(&partAllocations),
		CopyAllocations: atomic.LoadInt64(&copyAllocations),
	}
}
