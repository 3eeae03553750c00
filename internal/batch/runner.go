// Package batch drives one transfer batch at a time through the queue.
//
// Items run strictly in order, one transport call in flight. Each item is
// inspected, negotiated against what already sits at the destination, then
// transferred with a bounded retry group. Failed groups feed the circuit
// breaker; once it opens the batch pauses until a reconnect or the user
// resumes it.
package batch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paneflow/paneflow/internal/breaker"
	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/events"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/negotiate"
	"github.com/paneflow/paneflow/internal/transfer"
	"github.com/paneflow/paneflow/internal/transport"
	"github.com/paneflow/paneflow/internal/transport/local"
)

var (
	ErrBatchActive  = errors.New("a transfer batch is already running")
	ErrUnknownItem  = errors.New("item was not queued by this runner")
	ErrNoConnection = errors.New("no remote connection")
)

// Request is one file or folder to move.
type Request struct {
	Name       string // defaults to the base name of SourcePath
	SourcePath string
	DestPath   string // full destination path, name included
	Direction  transfer.Direction
	IsFolder   bool
	Size       int64
}

// Report summarises a finished batch.
type Report struct {
	BatchID   string
	ItemIDs   []string
	Total     int
	Completed int
	Skipped   int // subset of Completed
	Failed    int
	Stopped   int
	Aborted   bool // a fatal error ended the batch
	Reason    string
	Duration  time.Duration
}

// Connection yields the adapter of the active remote session.
type Connection interface {
	Adapter() (transport.Adapter, error)
}

// ConnectionFunc adapts a function to Connection.
type ConnectionFunc func() (transport.Adapter, error)

func (f ConnectionFunc) Adapter() (transport.Adapter, error) { return f() }

// Static returns a Connection that always yields a.
func Static(a transport.Adapter) Connection {
	return ConnectionFunc(func() (transport.Adapter, error) { return a, nil })
}

// Options configures a Runner. Queue and Remote are required.
type Options struct {
	Queue  *transfer.Queue
	Remote Connection
	Local  transport.Adapter // local side for uploads' sources and downloads' destinations

	Breaker *breaker.Breaker
	Gate    *breaker.Gate
	Backoff breaker.Backoff

	Files   negotiate.Prompter
	Folders negotiate.FolderPrompter

	// MaxRetriesPerFile is the number of retries after the first attempt.
	// Negative selects the default.
	MaxRetriesPerFile int
	// MaxResumeAttempts bounds resumes on one item; below 1 selects the default.
	MaxResumeAttempts int

	Notifier breaker.Notifier // batch summaries
	EventBus *events.EventBus
	Logger   *logging.Logger
}

type step int

const (
	stepOK     step = iota
	stepNext        // item settled, go on
	stepRepeat      // item requeued, run it again
	stepCancel      // stop this and every remaining item
	stepAbort       // fatal, stop every remaining item
)

// Runner executes batches. At most one batch runs at a time.
type Runner struct {
	queue      *transfer.Queue
	remote     Connection
	local      transport.Adapter
	breaker    *breaker.Breaker
	gate       *breaker.Gate
	backoff    breaker.Backoff
	files      negotiate.Prompter
	folders    negotiate.FolderPrompter
	maxRetries int
	maxResumes int
	notifier   breaker.Notifier
	bus        *events.EventBus
	logger     *logging.Logger

	mu       sync.Mutex
	current  *batchContext
	requests map[string]Request
}

// NewRunner creates a runner.
func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Runner{
		queue:      opts.Queue,
		remote:     opts.Remote,
		local:      opts.Local,
		breaker:    opts.Breaker,
		gate:       opts.Gate,
		backoff:    opts.Backoff,
		files:      opts.Files,
		folders:    opts.Folders,
		maxRetries: opts.MaxRetriesPerFile,
		maxResumes: opts.MaxResumeAttempts,
		notifier:   opts.Notifier,
		bus:        opts.EventBus,
		logger:     logger.Component("batch"),
		requests:   make(map[string]Request),
	}
	if r.local == nil {
		r.local = local.NewAdapter(true)
	}
	if r.breaker == nil {
		r.breaker = breaker.New(constants.BreakerThreshold)
	}
	if r.gate == nil {
		r.gate = breaker.NewGate(opts.EventBus, nil, nil)
	}
	if r.backoff == (breaker.Backoff{}) {
		r.backoff = breaker.DefaultBackoff()
	}
	if r.maxRetries < 0 {
		r.maxRetries = constants.MaxRetriesPerFile
	}
	if r.maxResumes < 1 {
		r.maxResumes = constants.MaxResumeAttempts
	}
	return r
}

// Breaker returns the runner's circuit breaker.
func (r *Runner) Breaker() *breaker.Breaker { return r.breaker }

// Active reports whether a batch is running.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Run enqueues reqs and processes them in order. It returns ErrBatchActive
// while another batch runs. Cancellation and failures are reported in the
// Report, not as an error.
func (r *Runner) Run(ctx context.Context, reqs []Request) (*Report, error) {
	bc, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		r.enqueue(bc, req)
	}
	return r.execute(bc), nil
}

// Retry re-runs a finished item as a one-item batch.
func (r *Runner) Retry(ctx context.Context, id string) (*Report, error) {
	it, ok := r.queue.Get(id)
	if !ok {
		return nil, transfer.ErrItemNotFound
	}
	if !it.Status.IsTerminal() {
		return nil, transfer.ErrNotRetryable
	}
	if r.Active() {
		return nil, ErrBatchActive
	}
	r.queue.Requeue(id)
	return r.rerun(ctx, id)
}

// rerun runs an item that is already pending in the queue.
func (r *Runner) rerun(ctx context.Context, id string) (*Report, error) {
	r.mu.Lock()
	req, ok := r.requests[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownItem
	}
	bc, err := r.begin(ctx)
	if err != nil {
		r.queue.FailTransfer(id, err.Error())
		return nil, err
	}
	bc.jobs = append(bc.jobs, &job{id: id, req: req})
	return r.execute(bc), nil
}

// Cancel asks the running batch to stop. A soft cancel lets the in-flight
// item finish; a hard cancel aborts it. It reports whether the level changed.
func (r *Runner) Cancel(level CancelLevel) bool {
	r.mu.Lock()
	bc := r.current
	r.mu.Unlock()
	if bc == nil || !bc.raise(level) {
		return false
	}

	r.logger.Info().Str("batch", bc.id).Str("level", level.String()).Msg("cancel requested")
	if level == CancelHard {
		bc.cancel()
		if a := bc.inFlight(); a != nil {
			a.CancelCurrentTransfer()
		}
	}
	return true
}

func (r *Runner) begin(ctx context.Context) (*batchContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return nil, ErrBatchActive
	}

	bctx, cancel := context.WithCancel(ctx)
	memo := &negotiate.Memo{}
	bc := &batchContext{
		id:         uuid.NewString(),
		ctx:        bctx,
		cancel:     cancel,
		resumes:    make(map[int]int),
		memo:       memo,
		negotiator: negotiate.New(r.files, r.folders, memo),
	}
	r.current = bc
	r.pruneLocked()
	r.breaker.Resume()
	return bc, nil
}

// pruneLocked forgets requests whose queue items were cleared.
func (r *Runner) pruneLocked() {
	for id := range r.requests {
		if _, ok := r.queue.Get(id); !ok {
			delete(r.requests, id)
		}
	}
}

func (r *Runner) enqueue(bc *batchContext, req Request) {
	if req.Name == "" {
		req.Name = baseName(req.SourcePath)
	}
	id := r.queue.AddItemWithOptions(transfer.ItemOptions{
		Name:       req.Name,
		SourcePath: req.SourcePath,
		DestPath:   req.DestPath,
		Size:       req.Size,
		Direction:  req.Direction,
		IsFolder:   req.IsFolder,
		BatchID:    bc.id,
	})
	if req.IsFolder {
		r.queue.MarkAsFolder(id)
	}

	retry := func() {
		if _, err := r.rerun(context.Background(), id); err != nil {
			r.logger.Warn().Err(err).Str("item", id).Msg("retry not started")
		}
	}
	r.queue.SetRetryHandler(id, retry)

	r.mu.Lock()
	r.requests[id] = req
	r.mu.Unlock()
	bc.jobs = append(bc.jobs, &job{id: id, req: req})
}

func (r *Runner) execute(bc *batchContext) *Report {
	start := time.Now()
	logger := r.logger.WithField("batch", bc.id)
	logger.Info().Int("items", len(bc.jobs)).Msg("batch started")
	r.bus.Publish(&events.BatchEvent{
		BaseEvent: events.NewBase(events.EventBatchStarted),
		BatchID:   bc.id,
		Total:     len(bc.jobs),
	})

	aborted, reason := r.loop(bc)
	return r.finish(bc, start, aborted, reason)
}

func (r *Runner) loop(bc *batchContext) (aborted bool, reason string) {
	for i := 0; i < len(bc.jobs); i++ {
		if lvl := bc.cancelLevel(); lvl != CancelNone {
			r.stopFrom(bc, i)
			return false, "cancelled"
		}

		st, why := r.process(bc, i)
		switch st {
		case stepRepeat:
			i--
		case stepCancel:
			r.stopFrom(bc, i)
			return false, why
		case stepAbort:
			r.stopFrom(bc, i+1)
			return true, why
		}
	}
	return false, ""
}

func (r *Runner) stopFrom(bc *batchContext, i int) {
	if i < len(bc.jobs) {
		r.queue.StopItems(bc.ids(i))
	}
}

func (r *Runner) finish(bc *batchContext, start time.Time, aborted bool, reason string) *Report {
	completed, skipped, failed, stopped := bc.statusCounts(r.queue)
	rep := &Report{
		BatchID:   bc.id,
		ItemIDs:   bc.itemIDs(),
		Total:     len(bc.jobs),
		Completed: completed,
		Skipped:   skipped,
		Failed:    failed,
		Stopped:   stopped,
		Aborted:   aborted,
		Reason:    reason,
		Duration:  time.Since(start),
	}

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
	bc.cancel()
	bc.memo.Reset()

	r.logger.Info().
		Str("batch", bc.id).
		Int("completed", completed).
		Int("skipped", skipped).
		Int("failed", failed).
		Int("stopped", stopped).
		Bool("aborted", aborted).
		Dur("duration", rep.Duration).
		Msg("batch finished")

	r.bus.Publish(&events.BatchEvent{
		BaseEvent: events.NewBase(events.EventBatchFinished),
		BatchID:   bc.id,
		Total:     rep.Total,
		Completed: completed,
		Skipped:   skipped,
		Failed:    failed,
		Stopped:   stopped,
		Aborted:   aborted,
		Reason:    reason,
		Duration:  rep.Duration,
	})
	if r.notifier != nil {
		title := "Transfers finished"
		if aborted {
			title = "Transfers stopped"
		}
		_ = r.notifier.Notify(title, rep.Summary())
	}
	return rep
}

// Summary is a one-line human readable description of the report.
func (rep *Report) Summary() string {
	s := fmt.Sprintf("%d of %d completed", rep.Completed, rep.Total)
	if rep.Skipped > 0 {
		s += fmt.Sprintf(", %d skipped", rep.Skipped)
	}
	if rep.Failed > 0 {
		s += fmt.Sprintf(", %d failed", rep.Failed)
	}
	if rep.Stopped > 0 {
		s += fmt.Sprintf(", %d stopped", rep.Stopped)
	}
	if rep.Aborted && rep.Reason != "" {
		s += ": " + rep.Reason
	}
	return s
}

// process runs item idx once through inspect, negotiate and transfer.
func (r *Runner) process(bc *batchContext, idx int) (step, string) {
	j := bc.jobs[idx]
	remote, err := r.remote.Adapter()
	if err != nil || remote == nil {
		if err == nil {
			err = ErrNoConnection
		}
		r.queue.FailTransfer(j.id, err.Error())
		return stepAbort, err.Error()
	}
	src, dst := r.sides(j.req.Direction, remote)

	if !j.planned {
		var srcEntry transport.Entry
		var existing *transport.Entry
		st, why := r.attempt(bc, idx, remote, func(ctx context.Context) error {
			e, err := src.Stat(ctx, j.req.SourcePath)
			if err != nil {
				return err
			}
			srcEntry, existing = e, nil
			d, err := dst.Stat(ctx, j.req.DestPath)
			switch {
			case err == nil:
				existing = &d
			case !transport.IsNotFound(err):
				return err
			}
			return nil
		})
		if st != stepOK {
			return st, why
		}
		if srcEntry.IsDir && !j.req.IsFolder {
			j.req.IsFolder = true
			r.queue.MarkAsFolder(j.id)
		}
		if st, why := r.negotiate(bc, idx, srcEntry, existing); st != stepOK {
			return st, why
		}
	}

	if j.skip {
		r.queue.CompleteSkipped(j.id)
		return stepNext, ""
	}

	r.queue.StartTransfer(j.id)
	st, why := r.attempt(bc, idx, remote, func(ctx context.Context) error {
		return r.transfer(ctx, bc, j, remote)
	})
	if st != stepOK {
		return st, why
	}
	r.breaker.RecordSuccess()
	r.queue.CompleteTransfer(j.id)
	return stepNext, ""
}

func (r *Runner) sides(dir transfer.Direction, remote transport.Adapter) (src, dst transport.Adapter) {
	if dir == transfer.Upload {
		return r.local, remote
	}
	return remote, r.local
}

// negotiate settles what happens to item idx and records it on the job.
func (r *Runner) negotiate(bc *batchContext, idx int, src transport.Entry, existing *transport.Entry) (step, string) {
	j := bc.jobs[idx]
	remaining := len(bc.jobs) - idx - 1
	fromRemote := j.req.Direction == transfer.Download
	j.dest = j.req.DestPath

	if j.req.IsFolder {
		d, err := bc.negotiator.ResolveFolder(bc.ctx, negotiate.FolderConflict{
			Name:           j.req.Name,
			SourceIsRemote: fromRemote,
			Remaining:      remaining,
			Existing:       existing,
		})
		if err != nil {
			return r.promptFailed(bc, j, err)
		}
		if d.Action == negotiate.CancelFolder {
			return stepCancel, "cancelled at folder prompt"
		}
		policy, ok := d.Action.Policy()
		j.skip = !ok
		j.policy = policy
	} else {
		d, err := bc.negotiator.Resolve(bc.ctx, negotiate.FileConflict{
			Name:           j.req.Name,
			Size:           src.Size,
			ModTime:        src.ModTime,
			SourceIsRemote: fromRemote,
			Remaining:      remaining,
			Existing:       existing,
		})
		if err != nil {
			return r.promptFailed(bc, j, err)
		}
		switch d.Action {
		case negotiate.Cancel:
			return stepCancel, "cancelled at overwrite prompt"
		case negotiate.Skip:
			j.skip = true
		case negotiate.Rename:
			j.dest = renamed(j.req, d.NewName)
		}
	}
	j.planned = true
	return stepOK, ""
}

func (r *Runner) promptFailed(bc *batchContext, j *job, err error) (step, string) {
	if bc.ctx.Err() != nil {
		return stepCancel, "cancelled"
	}
	r.queue.FailTransfer(j.id, err.Error())
	if errors.Is(err, negotiate.ErrRenameWithoutName) || errors.Is(err, negotiate.ErrInvalidName) {
		return stepNext, ""
	}
	r.logger.Error().Err(err).Str("batch", bc.id).Str("item", j.id).Msg("conflict prompt failed")
	return stepCancel, err.Error()
}

// attempt runs do as retry groups until it succeeds or the item settles.
func (r *Runner) attempt(bc *batchContext, idx int, remote transport.Adapter, do func(context.Context) error) (step, string) {
	j := bc.jobs[idx]
	logger := r.logger.WithField("batch", bc.id).WithField("item", j.id)

	for {
		kind, err := r.group(bc, remote, do)
		if err == nil {
			return stepOK, ""
		}
		if r.cancelled(bc) {
			r.queue.StopItems([]string{j.id})
			return stepCancel, "cancelled"
		}
		msg := err.Error()
		if transport.IsNotFound(err) {
			logger.Warn().Err(err).Msg("path not found")
			r.queue.FailTransfer(j.id, msg)
			return stepNext, ""
		}

		tripped := r.breaker.RecordFailure(kind)
		logger.Warn().Err(err).
			Str("kind", kind.String()).
			Int("failures", r.breaker.Snapshot().ConsecutiveFailures).
			Msg("retry group exhausted")

		if kind == breaker.KindFatal {
			r.queue.FailTransfer(j.id, msg)
			return stepAbort, msg
		}
		if stopping(bc) {
			logger.Info().Msg("stop requested, not retrying")
			r.queue.FailTransfer(j.id, msg)
			return stepCancel, "cancelled"
		}
		if !tripped {
			if kind == breaker.KindNetwork {
				// A stuck connection keeps the same item until the breaker opens.
				_ = r.reconnect(bc, remote)
				continue
			}
			r.queue.FailTransfer(j.id, msg)
			return stepNext, ""
		}
		r.queue.FailTransfer(j.id, msg)
		return r.pause(bc, idx, remote, kind, err)
	}
}

// group runs up to 1+maxRetries attempts. Network failures reconnect before
// the next attempt; rate limiting waits out the backoff.
func (r *Runner) group(bc *batchContext, remote transport.Adapter, do func(context.Context) error) (breaker.Kind, error) {
	var err error
	kind := breaker.KindUnknown
	for a := 1; a <= 1+r.maxRetries; a++ {
		if a > 1 {
			if stopping(bc) {
				return kind, err
			}
			switch kind {
			case breaker.KindNetwork:
				if rerr := r.reconnect(bc, remote); rerr != nil {
					err, kind = rerr, breaker.Classify(rerr)
					if !kind.Retryable() || r.cancelled(bc) {
						return kind, err
					}
					continue
				}
			case breaker.KindRateLimited:
				if werr := r.backoff.Wait(bc.ctx, a-1); werr != nil {
					return kind, err
				}
			}
		}

		err = do(bc.ctx)
		if err == nil {
			return breaker.KindUnknown, nil
		}
		kind = breaker.Classify(err)
		if r.cancelled(bc) || transport.IsNotFound(err) || !kind.Retryable() {
			return kind, err
		}
		r.logger.Debug().Err(err).Str("batch", bc.id).Int("attempt", a).Str("kind", kind.String()).Msg("attempt failed")
	}
	return kind, err
}

// stopping reports whether any cancel, soft included, was requested.
func stopping(bc *batchContext) bool {
	return bc.cancelLevel() >= CancelSoft || bc.ctx.Err() != nil
}

func (r *Runner) cancelled(bc *batchContext) bool {
	return bc.cancelLevel() == CancelHard || bc.ctx.Err() != nil
}

func (r *Runner) reconnect(bc *batchContext, remote transport.Adapter) error {
	if err := remote.Reconnect(bc.ctx); err != nil {
		r.logger.Warn().Err(err).Str("batch", bc.id).Msg("reconnect failed")
		return err
	}
	return nil
}

// pause handles an open breaker. Connection loss first tries a reconnect;
// otherwise the resume prompter decides.
func (r *Runner) pause(bc *batchContext, idx int, remote transport.Adapter, kind breaker.Kind, cause error) (step, string) {
	j := bc.jobs[idx]
	if stopping(bc) {
		return stepCancel, "cancelled"
	}
	snap := r.breaker.Snapshot()
	p := breaker.Pause{
		BatchID:  bc.id,
		ItemName: j.req.Name,
		Reason:   snap.PauseReason,
		Kind:     kind,
		Failures: snap.ConsecutiveFailures,
		Err:      cause,
	}
	r.gate.Opened(p)

	n := bc.resumed(idx)
	if n > r.maxResumes {
		r.logger.Warn().Str("batch", bc.id).Str("item", j.id).Int("resumes", n-1).Msg("resume limit reached, cancelling batch")
		return stepCancel, "resume limit reached"
	}
	p.Attempt = n - 1

	if snap.PauseReason == breaker.ReasonConnectionLost && r.reconnect(bc, remote) == nil {
		r.logger.Info().Str("batch", bc.id).Msg("reconnected, resuming batch")
		return r.resume(bc, j)
	}

	d, err := r.gate.Await(bc.ctx, p)
	if err != nil {
		r.logger.Error().Err(err).Str("batch", bc.id).Msg("resume prompt failed")
	}
	if d == breaker.DecisionResume && !r.cancelled(bc) {
		return r.resume(bc, j)
	}
	return stepCancel, "cancelled while paused"
}

func (r *Runner) resume(bc *batchContext, j *job) (step, string) {
	r.breaker.Resume()
	r.gate.Closed(bc.id)
	r.queue.Requeue(j.id)
	return stepRepeat, ""
}

// transfer makes the transport call in its own goroutine and applies its
// message stream to the queue. The runner is the only consumer.
func (r *Runner) transfer(ctx context.Context, bc *batchContext, j *job, remote transport.Adapter) error {
	msgs := make(chan transport.Message, constants.MessageBuffer)
	bc.setInFlight(remote)
	defer bc.setInFlight(nil)

	go func() {
		defer close(msgs)
		sink := func(m transport.Message) {
			m.TransferID = j.id
			msgs <- m
		}

		var err error
		switch {
		case j.req.Direction == transfer.Upload && j.req.IsFolder:
			err = remote.UploadFolder(ctx, j.req.SourcePath, j.dest, j.policy, sink)
		case j.req.Direction == transfer.Upload:
			err = remote.UploadFile(ctx, j.req.SourcePath, j.dest, sink)
		case j.req.IsFolder:
			err = remote.DownloadFolder(ctx, j.req.SourcePath, j.dest, j.policy, sink)
		default:
			err = remote.DownloadFile(ctx, j.req.SourcePath, j.dest, sink)
		}

		term := transport.Message{TransferID: j.id, Kind: transport.MessageTerminal, Outcome: transport.OutcomeCompleted}
		if err != nil {
			term.Err = err
			term.Outcome = transport.OutcomeFailed
			if transport.IsCancelled(err) {
				term.Outcome = transport.OutcomeCancelled
			}
		}
		msgs <- term
	}()

	var result error
	for m := range msgs {
		switch m.Kind {
		case transport.MessageProgress:
			if !j.req.IsFolder {
				r.queue.UpdateProgress(j.id, m.BytesDone, m.BytesTotal)
			}
		case transport.MessageFolderProgress:
			r.queue.UpdateFolderProgress(j.id, m.TotalFiles, m.DoneFiles)
		case transport.MessageTerminal:
			result = m.Err
		}
	}
	return result
}

// renamed substitutes name for the last element of the destination path.
func renamed(req Request, name string) string {
	if req.Direction == transfer.Upload {
		return path.Join(path.Dir(req.DestPath), name)
	}
	return filepath.Join(filepath.Dir(req.DestPath), name)
}

func baseName(p string) string {
	b := filepath.Base(p)
	if b == "." || b == string(filepath.Separator) {
		return path.Base(p)
	}
	return b
}
