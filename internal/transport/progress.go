package transport

import (
	"context"
	"io"
	"time"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/util/buffers"
)

// meter throttles progress messages for one stream.
type meter struct {
	ctx   context.Context
	total int64
	done  int64
	file  string
	sink  Sink
	start time.Time
	last  time.Time
}

func (m *meter) add(n int) {
	now := time.Now()
	if m.start.IsZero() {
		m.start = now
	}
	m.done += int64(n)
	if now.Sub(m.last) >= constants.ProgressInterval {
		m.last = now
		m.emit(now)
	}
}

func (m *meter) flush() {
	m.emit(time.Now())
}

func (m *meter) emit(now time.Time) {
	var speed float64
	if el := now.Sub(m.start).Seconds(); !m.start.IsZero() && el > 0 {
		speed = float64(m.done) / el
	}
	m.sink.emit(Message{Kind: MessageProgress, BytesDone: m.done, BytesTotal: m.total, Speed: speed, CurrentFile: m.file})
}

// progressReader aborts with the context error once ctx is done.
type progressReader struct {
	meter
	r io.Reader
}

func newProgressReader(ctx context.Context, r io.Reader, total int64, file string, sink Sink) *progressReader {
	return &progressReader{meter: meter{ctx: ctx, total: total, file: file, sink: sink}, r: r}
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.add(n)
	}
	return n, err
}

type progressWriter struct {
	meter
	w io.Writer
}

func newProgressWriter(ctx context.Context, w io.Writer, total int64, file string, sink Sink) *progressWriter {
	return &progressWriter{meter: meter{ctx: ctx, total: total, file: file, sink: sink}, w: w}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	if n > 0 {
		p.add(n)
	}
	return n, err
}

// CopyContext copies src to dst, stopping when ctx is done.
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	bp := buffers.GetCopyBuffer()
	defer buffers.PutCopyBuffer(bp)
	buf := *bp
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
