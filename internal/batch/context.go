package batch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/paneflow/paneflow/internal/negotiate"
	"github.com/paneflow/paneflow/internal/transfer"
	"github.com/paneflow/paneflow/internal/transport"
)

// CancelLevel is how hard a running batch has been asked to stop.
type CancelLevel int32

const (
	CancelNone CancelLevel = iota
	// CancelSoft lets the in-flight item finish and stops the rest.
	CancelSoft
	// CancelHard also aborts the in-flight transport call.
	CancelHard
)

func (l CancelLevel) String() string {
	switch l {
	case CancelSoft:
		return "soft"
	case CancelHard:
		return "hard"
	default:
		return "none"
	}
}

// job is one queued request of the running batch.
type job struct {
	id  string
	req Request

	// set once negotiation settled, so a resumed item is not asked again
	planned bool
	skip    bool
	dest    string
	policy  transport.MergePolicy
}

// batchContext is the state owned by one Run call. Nothing in it outlives
// the batch.
type batchContext struct {
	id   string
	jobs []*job

	ctx    context.Context // cancelled by a hard cancel
	cancel context.CancelFunc
	level  atomic.Int32

	mu      sync.Mutex
	resumes map[int]int
	adapter transport.Adapter // in-flight adapter, for hard cancel

	memo       *negotiate.Memo
	negotiator *negotiate.Negotiator
}

func (bc *batchContext) cancelLevel() CancelLevel {
	return CancelLevel(bc.level.Load())
}

// raise moves the cancel level up, never down. It reports whether it changed.
func (bc *batchContext) raise(l CancelLevel) bool {
	for {
		cur := bc.level.Load()
		if int32(l) <= cur {
			return false
		}
		if bc.level.CompareAndSwap(cur, int32(l)) {
			return true
		}
	}
}

func (bc *batchContext) setInFlight(a transport.Adapter) {
	bc.mu.Lock()
	bc.adapter = a
	bc.mu.Unlock()
}

func (bc *batchContext) inFlight() transport.Adapter {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.adapter
}

// resumed counts one more resume on queue index idx and returns the total.
func (bc *batchContext) resumed(idx int) int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.resumes[idx]++
	return bc.resumes[idx]
}

func (bc *batchContext) ids(from int) []string {
	out := make([]string, 0, len(bc.jobs)-from)
	for _, j := range bc.jobs[from:] {
		out = append(out, j.id)
	}
	return out
}

// itemIDs returns the queue ids of every job.
func (bc *batchContext) itemIDs() []string { return bc.ids(0) }

func (bc *batchContext) statusCounts(q *transfer.Queue) (completed, skipped, failed, stopped int) {
	for _, j := range bc.jobs {
		it, ok := q.Get(j.id)
		if !ok {
			continue
		}
		switch it.Status {
		case transfer.StatusCompleted:
			completed++
			if it.Skipped {
				skipped++
			}
		case transfer.StatusFailed:
			failed++
		case transfer.StatusStopped:
			stopped++
		}
	}
	return
}
