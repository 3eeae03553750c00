package buffers

import (
	"sync"
	"testing"

	"github.com/paneflow/paneflow/internal/constants"
)

// TestPartBufferPool verifies that part buffers can be retrieved and returned
func TestPartBufferPool(t *testing.T) {
	buf := GetPartBuffer()
	if buf == nil {
		t.Fatal("GetPartBuffer returned nil")
	}
	if len(*buf) != constants.ObjectPartSize {
		t.Errorf("Buffer size = %d, want %d", len(*buf), constants.ObjectPartSize)
	}
	PutPartBuffer(buf)

	buf2 := GetPartBuffer()
	if buf2 == nil {
		t.Fatal("GetPartBuffer returned nil on second call")
	}
	PutPartBuffer(buf2)
}

// TestCopyBufferPool verifies that copy buffers can be retrieved and returned
func TestCopyBufferPool(t *testing.T) {
	buf := GetCopyBuffer()
	if len(*buf) != constants.CopyBufferSize {
		t.Errorf("Buffer size = %d, want %d", len(*buf), constants.CopyBufferSize)
	}
	PutCopyBuffer(buf)
}

// TestPutClearsBuffer verifies pooled buffers do not carry old data
func TestPutClearsBuffer(t *testing.T) {
	buf := GetCopyBuffer()
	(*buf)[0] = 0xff
	PutCopyBuffer(buf)
	if (*buf)[0] != 0 {
		t.Error("buffer was not cleared before pooling")
	}
}

// TestPutWrongSize verifies wrong-sized and nil buffers are ignored
func TestPutWrongSize(t *testing.T) {
	small := make([]byte, 1024)
	PutPartBuffer(&small)
	PutCopyBuffer(&small)
	PutPartBuffer(nil)
	PutCopyBuffer(nil)
}

// TestConcurrentAccess tests concurrent buffer get/put operations
func TestConcurrentAccess(t *testing.T) {
	const goroutines = 10
	const iterations = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				buf := GetCopyBuffer()
				(*buf)[0] = byte(j)
				PutCopyBuffer(buf)
			}
		}()
	}
	wg.Wait()
}

// TestGetStats verifies stats are returned correctly
func TestGetStats(t *testing.T) {
	stats := GetStats()
	if stats.PartBufferSize != constants.ObjectPartSize {
		t.Errorf("PartBufferSize = %d, want %d", stats.PartBufferSize, constants.ObjectPartSize)
	}
	if stats.CopyBufferSize != constants.CopyBufferSize {
		t.Errorf("CopyBufferSize = %d, want %d", stats.CopyBufferSize, constants.CopyBufferSize)
	}
}

// BenchmarkCopyBufferWithPool benchmarks buffer allocation with pooling
func BenchmarkCopyBufferWithPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetCopyBuffer()
		_ = (*buf)[0]
		PutCopyBuffer(buf)
	}
}
