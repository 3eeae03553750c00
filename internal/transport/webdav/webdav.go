// Package webdav is the transport backend for WebDAV servers and for OAuth
// drives that expose a WebDAV endpoint.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/paneflow/paneflow/internal/constants"
	httpx "github.com/paneflow/paneflow/internal/http"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/ratelimit"
	"github.com/paneflow/paneflow/internal/transport"
)

// Config describes one endpoint. TokenSource, when set, takes precedence over
// User and Password.
type Config struct {
	URL         string
	User        string
	Password    string
	TokenSource oauth2.TokenSource
	Protocol    string // reported protocol name, "webdav" by default

	HTTPClient *nethttp.Client
	MaxRetries int // retries of metadata requests; 0 uses the default, negative disables
	Pacer      *ratelimit.RateLimiter
}

type Backend struct {
	cfg    Config
	logger *logging.Logger
	pacer  *ratelimit.RateLimiter

	mu    sync.RWMutex
	base  *url.URL
	plain *nethttp.Client
	retry *retryablehttp.Client
}

func New(cfg Config, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "webdav"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = constants.MaxRetriesPerFile
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = ratelimit.NewRateLimiter(constants.WebDAVRequestsPerSecond, constants.WebDAVBurst)
	}
	return &Backend{cfg: cfg, logger: logger.Component("webdav"), pacer: pacer}
}

func (b *Backend) Protocol() string { return b.cfg.Protocol }

func (b *Backend) Connect(ctx context.Context) error {
	base, err := url.Parse(b.cfg.URL)
	if err != nil || base.Host == "" {
		return transport.NewError("connect", b.cfg.URL, transport.CategoryInvalidPath, fmt.Errorf("invalid url %q", b.cfg.URL))
	}

	hc := b.cfg.HTTPClient
	if hc == nil {
		hc = &nethttp.Client{}
	}
	if b.cfg.TokenSource != nil {
		rt := hc.Transport
		if rt == nil {
			rt = nethttp.DefaultTransport
		}
		hc = &nethttp.Client{Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, b.cfg.TokenSource),
			Base:   rt,
		}}
	}

	b.mu.Lock()
	b.base = base
	b.plain = hc
	b.retry = httpx.NewRetryClient(hc, b.cfg.MaxRetries, b.logger)
	b.mu.Unlock()

	if _, err := b.Stat(ctx, "/"); err != nil {
		b.Close()
		return err
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.base, b.plain, b.retry = nil, nil, nil
	b.mu.Unlock()
	return nil
}

type conn struct {
	base  *url.URL
	plain *nethttp.Client
	retry *retryablehttp.Client
}

func (b *Backend) conn(op, p string) (conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.base == nil {
		return conn{}, transport.NewError(op, p, transport.CategoryNotConnected, transport.ErrNotConnected)
	}
	return conn{base: b.base, plain: b.plain, retry: b.retry}, nil
}

func (c conn) url(p string, dir bool) string {
	u := *c.base
	u.Path = path.Join("/", c.base.Path, p)
	if dir && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}

// auth sets basic credentials when no token source is configured.
func (b *Backend) auth(req *nethttp.Request) {
	if b.cfg.TokenSource == nil && b.cfg.User != "" {
		req.SetBasicAuth(b.cfg.User, b.cfg.Password)
	}
}

// metadata sends a small request through the retrying client.
func (b *Backend) metadata(ctx context.Context, c conn, op, method, p string, dir bool, headers map[string]string, body []byte) (*nethttp.Response, error) {
	if err := b.pacer.Wait(ctx); err != nil {
		return nil, transport.NewError(op, p, transport.CategoryCancelled, err)
	}
	var rb interface{}
	if body != nil {
		rb = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.url(p, dir), rb)
	if err != nil {
		return nil, transport.NewError(op, p, transport.CategoryInvalidPath, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	b.auth(req.Request)
	resp, err := c.retry.Do(req)
	if err != nil {
		return nil, mapError(op, p, err)
	}
	b.noteThrottle(resp)
	return resp, nil
}

// noteThrottle puts the pacer into cooldown when the server asks for it.
func (b *Backend) noteThrottle(resp *nethttp.Response) {
	if resp.StatusCode != nethttp.StatusTooManyRequests && resp.StatusCode != nethttp.StatusServiceUnavailable {
		return
	}
	if d, ok := httpx.RetryAfter(resp); ok {
		b.pacer.SetCooldown(d)
		return
	}
	b.pacer.SetCooldown(constants.RetryBaseDelay)
}

func (b *Backend) propfind(ctx context.Context, op, dir, depth string) (*transport.Entry, []transport.Entry, error) {
	c, err := b.conn(op, dir)
	if err != nil {
		return nil, nil, err
	}
	resp, err := b.metadata(ctx, c, op, "PROPFIND", dir, true, map[string]string{
		"Depth":        depth,
		"Content-Type": "application/xml; charset=utf-8",
	}, []byte(propfindBody))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != nethttp.StatusMultiStatus {
		return nil, nil, statusError(op, dir, resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, mapError(op, dir, err)
	}
	self, children, err := parseMultistatus(body, c.base.Path, dir)
	if err != nil {
		return nil, nil, transport.NewError(op, dir, transport.CategoryServerError, fmt.Errorf("parse propfind: %w", err))
	}
	return self, children, nil
}

func (b *Backend) Stat(ctx context.Context, p string) (transport.Entry, error) {
	self, _, err := b.propfind(ctx, "stat", p, "0")
	if err != nil {
		return transport.Entry{}, err
	}
	if self == nil {
		return transport.Entry{}, transport.NewError("stat", p, transport.CategoryNotFound, transport.ErrNotFound)
	}
	return *self, nil
}

func (b *Backend) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	_, children, err := b.propfind(ctx, "list", dir, "1")
	return children, err
}

func (b *Backend) Mkdir(ctx context.Context, dir string) error {
	c, err := b.conn("mkdir", dir)
	if err != nil {
		return err
	}
	resp, err := b.metadata(ctx, c, "mkdir", "MKCOL", dir, true, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case nethttp.StatusCreated, nethttp.StatusOK:
		return nil
	case nethttp.StatusMethodNotAllowed:
		// MKCOL on an existing collection
		return nil
	}
	return statusError("mkdir", dir, resp)
}

func (b *Backend) Remove(ctx context.Context, p string, isDir bool) error {
	c, err := b.conn("remove", p)
	if err != nil {
		return err
	}
	resp, err := b.metadata(ctx, c, "remove", "DELETE", p, isDir, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return statusError("remove", p, resp)
}

// Put streams r through the plain client; a body cannot be replayed, so the
// runner owns the retries.
func (b *Backend) Put(ctx context.Context, p string, r io.Reader, size int64) error {
	c, err := b.conn("put", p)
	if err != nil {
		return err
	}
	if err := b.pacer.Wait(ctx); err != nil {
		return transport.NewError("put", p, transport.CategoryCancelled, err)
	}
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPut, c.url(p, false), io.NopCloser(r))
	if err != nil {
		return transport.NewError("put", p, transport.CategoryInvalidPath, err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	b.auth(req)

	resp, err := c.plain.Do(req)
	if err != nil {
		return mapError("put", p, err)
	}
	defer resp.Body.Close()
	b.noteThrottle(resp)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return statusError("put", p, resp)
}

func (b *Backend) Get(ctx context.Context, p string, w io.Writer) error {
	c, err := b.conn("get", p)
	if err != nil {
		return err
	}
	if err := b.pacer.Wait(ctx); err != nil {
		return transport.NewError("get", p, transport.CategoryCancelled, err)
	}
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, c.url(p, false), nil)
	if err != nil {
		return transport.NewError("get", p, transport.CategoryInvalidPath, err)
	}
	b.auth(req)

	resp, err := c.plain.Do(req)
	if err != nil {
		return mapError("get", p, err)
	}
	defer resp.Body.Close()
	b.noteThrottle(resp)
	if resp.StatusCode != nethttp.StatusOK {
		return statusError("get", p, resp)
	}
	_, err = transport.CopyContext(ctx, w, resp.Body)
	return mapError("get", p, err)
}

// statusError maps an unexpected HTTP status onto a category.
func statusError(op, p string, resp *nethttp.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	return transport.NewError(op, p, categoryForStatus(resp.StatusCode), err)
}

func categoryForStatus(code int) transport.Category {
	switch {
	case code == nethttp.StatusNotFound, code == nethttp.StatusConflict, code == nethttp.StatusGone:
		return transport.CategoryNotFound
	case code == nethttp.StatusUnauthorized:
		return transport.CategoryAuthenticationFailed
	case code == nethttp.StatusForbidden, code == nethttp.StatusLocked:
		return transport.CategoryPermissionDenied
	case code == nethttp.StatusTooManyRequests, code == nethttp.StatusServiceUnavailable:
		return transport.CategoryRateLimited
	case code == nethttp.StatusInsufficientStorage, code == nethttp.StatusRequestEntityTooLarge:
		return transport.CategoryQuotaExceeded
	case code == nethttp.StatusRequestTimeout, code == nethttp.StatusGatewayTimeout:
		return transport.CategoryTimeout
	case code >= 500:
		return transport.CategoryServerError
	}
	return transport.CategoryUnknown
}

func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return transport.NewError(op, p, transport.CategoryCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.NewError(op, p, transport.CategoryTimeout, err)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return transport.NewError(op, p, transport.CategoryAuthenticationFailed, err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF) {
		return transport.NewError(op, p, transport.CategoryNetwork, err)
	}
	return transport.NewError(op, p, transport.CategoryUnknown, err)
}
