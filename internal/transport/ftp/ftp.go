// Package ftp is the transport backend for FTP and FTPS servers.
package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/transport"
)

// TLSMode selects how the control connection is secured.
type TLSMode int

const (
	TLSNone TLSMode = iota
	TLSExplicit
	TLSImplicit
)

// Config holds the dial settings for one server.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	TLS                TLSMode
	InsecureSkipVerify bool
	DisableEPSV        bool
	Timeout            time.Duration
}

// Addr returns host:port, defaulting the port by TLS mode.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 21
		if c.TLS == TLSImplicit {
			port = 990
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Backend implements transport.Backend over a single control connection.
// FTP is not reentrant, so every operation holds mu.
type Backend struct {
	cfg    Config
	logger *logging.Logger

	mu     sync.Mutex
	conn   *ftp.ServerConn
	broken atomic.Bool
}

// New returns an unconnected backend.
func New(cfg Config, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Backend{cfg: cfg, logger: logger.Component("ftp")}
}

func (b *Backend) Protocol() string {
	if b.cfg.TLS != TLSNone {
		return "ftps"
	}
	return "ftp"
}

func (b *Backend) Connect(ctx context.Context) error {
	timeout := b.cfg.Timeout
	if timeout == 0 {
		timeout = constants.DialTimeout
	}
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeout),
		ftp.DialWithDisabledEPSV(b.cfg.DisableEPSV),
	}
	tlsConf := &tls.Config{
		ServerName:         b.cfg.Host,
		InsecureSkipVerify: b.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	switch b.cfg.TLS {
	case TLSExplicit:
		opts = append(opts, ftp.DialWithExplicitTLS(tlsConf))
	case TLSImplicit:
		opts = append(opts, ftp.DialWithTLS(tlsConf))
	}

	b.logger.Debug().Str("addr", b.cfg.Addr()).Msg("connecting")
	c, err := ftp.Dial(b.cfg.Addr(), opts...)
	if err != nil {
		return mapError("connect", b.cfg.Addr(), err)
	}
	if err := c.Login(b.cfg.User, b.cfg.Password); err != nil {
		_ = c.Quit()
		return mapError("login", b.cfg.User, err)
	}

	b.mu.Lock()
	old := b.conn
	b.conn = c
	b.broken.Store(false)
	b.mu.Unlock()
	if old != nil {
		_ = old.Quit()
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	c := b.conn
	b.conn = nil
	b.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Quit()
}

// acquire locks the connection for one operation. The returned release must
// be called when done. If ctx ends first the connection is torn down so a
// blocked read or write returns.
func (b *Backend) acquire(ctx context.Context, op, p string) (*ftp.ServerConn, func(), error) {
	b.mu.Lock()
	c := b.conn
	if c == nil || b.broken.Load() {
		b.mu.Unlock()
		return nil, nil, transport.NewError(op, p, transport.CategoryNotConnected, transport.ErrNotConnected)
	}
	stop, exited := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			b.broken.Store(true)
			_ = c.Quit()
		case <-stop:
		}
	}()
	return c, func() {
		close(stop)
		<-exited
		b.mu.Unlock()
	}, nil
}

func (b *Backend) Stat(ctx context.Context, p string) (transport.Entry, error) {
	if p == "/" || p == "" {
		return transport.Entry{Name: "/", Path: "/", IsDir: true}, nil
	}
	c, release, err := b.acquire(ctx, "stat", p)
	if err != nil {
		return transport.Entry{}, err
	}
	defer release()

	entries, err := c.List(path.Dir(p))
	if err != nil {
		return transport.Entry{}, mapError("stat", p, err)
	}
	name := path.Base(p)
	for _, e := range entries {
		if e.Name == name {
			return toEntry(path.Dir(p), e), nil
		}
	}
	return transport.Entry{}, transport.NewError("stat", p, transport.CategoryNotFound, transport.ErrNotFound)
}

func (b *Backend) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	c, release, err := b.acquire(ctx, "list", dir)
	if err != nil {
		return nil, err
	}
	defer release()

	entries, err := c.List(dir)
	if err != nil {
		return nil, mapError("list", dir, err)
	}
	out := make([]transport.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, toEntry(dir, e))
	}
	return out, nil
}

func (b *Backend) Mkdir(ctx context.Context, dir string) error {
	c, release, err := b.acquire(ctx, "mkdir", dir)
	if err != nil {
		return err
	}
	defer release()

	if err := c.MakeDir(dir); err != nil {
		// Servers answer 550 for an existing directory.
		if cerr := c.ChangeDir(dir); cerr == nil {
			return nil
		}
		return mapError("mkdir", dir, err)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, p string, isDir bool) error {
	c, release, err := b.acquire(ctx, "remove", p)
	if err != nil {
		return err
	}
	defer release()

	if isDir {
		err = c.RemoveDirRecur(p)
	} else {
		err = c.Delete(p)
	}
	return mapError("remove", p, err)
}

func (b *Backend) Put(ctx context.Context, p string, r io.Reader, size int64) error {
	c, release, err := b.acquire(ctx, "put", p)
	if err != nil {
		return err
	}
	defer release()

	if err := c.Stor(p, r); err != nil {
		if ctx.Err() != nil {
			return transport.NewError("put", p, transport.CategoryCancelled, ctx.Err())
		}
		return mapError("put", p, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, p string, w io.Writer) error {
	c, release, err := b.acquire(ctx, "get", p)
	if err != nil {
		return err
	}
	defer release()

	resp, err := c.Retr(p)
	if err != nil {
		return mapError("get", p, err)
	}
	_, copyErr := transport.CopyContext(ctx, w, resp)
	closeErr := resp.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return transport.NewError("get", p, transport.CategoryCancelled, ctx.Err())
		}
		return mapError("get", p, copyErr)
	}
	return mapError("get", p, closeErr)
}

func toEntry(dir string, e *ftp.Entry) transport.Entry {
	return transport.Entry{
		Name:    e.Name,
		Path:    path.Join(dir, e.Name),
		Size:    int64(e.Size),
		IsDir:   e.Type == ftp.EntryTypeFolder,
		ModTime: e.Time,
	}
}

// mapError attaches a category from the FTP reply code.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var te *textproto.Error
	if errors.As(err, &te) {
		return transport.NewError(op, p, categoryForCode(te.Code), err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return transport.NewError(op, p, transport.CategoryNetwork, err)
	}
	if errors.Is(err, context.Canceled) {
		return transport.NewError(op, p, transport.CategoryCancelled, err)
	}
	return transport.NewError(op, p, transport.CategoryUnknown, fmt.Errorf("ftp: %w", err))
}

func categoryForCode(code int) transport.Category {
	switch code {
	case ftp.StatusNotAvailable:
		return transport.CategoryNotConnected
	case 425, 426:
		return transport.CategoryNetwork
	case ftp.StatusFileActionIgnored, 451:
		return transport.CategoryServerError
	case 430, 530:
		return transport.CategoryAuthenticationFailed
	case ftp.StatusFileUnavailable:
		return transport.CategoryNotFound
	case 452, 552:
		return transport.CategoryQuotaExceeded
	case 553:
		return transport.CategoryInvalidPath
	}
	return transport.CategoryUnknown
}
