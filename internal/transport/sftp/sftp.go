// Package sftp is the transport backend for SSH file transfer.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/transport"
)

// Config holds the dial and auth settings for one server.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKey     []byte // PEM
	KeyPassphrase  string
	KnownHostsFile string // empty accepts any host key
}

func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// ClientConfig builds the SSH client configuration.
func (c Config) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if c.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, []byte(c.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp: no password or private key configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         constants.DialTimeout,
	}, nil
}

// Backend implements transport.Backend over one SSH connection.
type Backend struct {
	cfg    Config
	logger *logging.Logger

	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client
}

func New(cfg Config, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Backend{cfg: cfg, logger: logger.Component("sftp")}
}

func (b *Backend) Protocol() string { return "sftp" }

func (b *Backend) Connect(ctx context.Context) error {
	conf, err := b.cfg.ClientConfig()
	if err != nil {
		return transport.NewError("connect", b.cfg.Addr(), transport.CategoryAuthenticationFailed, err)
	}

	d := net.Dialer{Timeout: constants.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", b.cfg.Addr())
	if err != nil {
		return mapError("connect", b.cfg.Addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, b.cfg.Addr(), conf)
	if err != nil {
		conn.Close()
		return transport.NewError("connect", b.cfg.Addr(), transport.CategoryAuthenticationFailed, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return mapError("connect", b.cfg.Addr(), err)
	}

	b.mu.Lock()
	oldSSH, oldClient := b.ssh, b.client
	b.ssh, b.client = sshClient, client
	b.mu.Unlock()
	if oldClient != nil {
		oldClient.Close()
		oldSSH.Close()
	}
	b.logger.Debug().Str("addr", b.cfg.Addr()).Msg("connected")
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	sshClient, client := b.ssh, b.client
	b.ssh, b.client = nil, nil
	b.mu.Unlock()
	if client == nil {
		return nil
	}
	client.Close()
	return sshClient.Close()
}

// acquire returns the client and a release func. A done ctx closes the SSH
// connection so blocked reads and writes fail.
func (b *Backend) acquire(ctx context.Context, op, p string) (*sftp.Client, func(), error) {
	b.mu.Lock()
	client, sshClient := b.client, b.ssh
	b.mu.Unlock()
	if client == nil {
		return nil, nil, transport.NewError(op, p, transport.CategoryNotConnected, transport.ErrNotConnected)
	}
	stop, exited := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			sshClient.Close()
		case <-stop:
		}
	}()
	return client, func() {
		close(stop)
		<-exited
	}, nil
}

func (b *Backend) Stat(ctx context.Context, p string) (transport.Entry, error) {
	c, release, err := b.acquire(ctx, "stat", p)
	if err != nil {
		return transport.Entry{}, err
	}
	defer release()

	fi, err := c.Stat(p)
	if err != nil {
		return transport.Entry{}, mapError("stat", p, err)
	}
	e := toEntry(path.Dir(p), fi)
	e.Path = p
	return e, nil
}

func (b *Backend) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	c, release, err := b.acquire(ctx, "list", dir)
	if err != nil {
		return nil, err
	}
	defer release()

	infos, err := c.ReadDir(dir)
	if err != nil {
		return nil, mapError("list", dir, err)
	}
	out := make([]transport.Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, toEntry(dir, fi))
	}
	return out, nil
}

func (b *Backend) Mkdir(ctx context.Context, dir string) error {
	c, release, err := b.acquire(ctx, "mkdir", dir)
	if err != nil {
		return err
	}
	defer release()

	if err := c.Mkdir(dir); err != nil {
		if fi, serr := c.Stat(dir); serr == nil && fi.IsDir() {
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

	if !isDir {
		return mapError("remove", p, c.Remove(p))
	}
	return mapError("remove", p, removeAll(ctx, c, p))
}

// removeAll deletes a directory tree, children first.
func removeAll(ctx context.Context, c *sftp.Client, dir string) error {
	infos, err := c.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := path.Join(dir, fi.Name())
		if fi.IsDir() {
			err = removeAll(ctx, c, p)
		} else {
			err = c.Remove(p)
		}
		if err != nil {
			return err
		}
	}
	return c.RemoveDirectory(dir)
}

func (b *Backend) Put(ctx context.Context, p string, r io.Reader, size int64) error {
	c, release, err := b.acquire(ctx, "put", p)
	if err != nil {
		return err
	}
	defer release()

	tmp := p + ".part"
	f, err := c.Create(tmp)
	if err != nil {
		return mapError("put", p, err)
	}
	_, copyErr := transport.CopyContext(ctx, f, r)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		if ctx.Err() == nil {
			_ = c.Remove(tmp)
		}
		return mapError("put", p, copyErr)
	}
	if err := c.PosixRename(tmp, p); err != nil {
		// Not every server speaks posix-rename@openssh.com.
		_ = c.Remove(p)
		if err := c.Rename(tmp, p); err != nil {
			return mapError("rename", p, err)
		}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, p string, w io.Writer) error {
	c, release, err := b.acquire(ctx, "get", p)
	if err != nil {
		return err
	}
	defer release()

	f, err := c.Open(p)
	if err != nil {
		return mapError("get", p, err)
	}
	defer f.Close()
	_, err = transport.CopyContext(ctx, w, f)
	return mapError("get", p, err)
}

func toEntry(dir string, fi os.FileInfo) transport.Entry {
	e := transport.Entry{
		Name:    fi.Name(),
		Path:    path.Join(dir, fi.Name()),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
	}
	if !e.IsDir {
		e.Size = fi.Size()
	}
	return e
}

// SFTP status codes (draft-ietf-secsh-filexfer-02).
const (
	fxNoSuchFile       = 2
	fxPermissionDenied = 3
	fxNoConnection     = 6
	fxConnectionLost   = 7
	fxOpUnsupported    = 8
)

func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return transport.NewError(op, p, transport.CategoryCancelled, err)
	case errors.Is(err, fs.ErrNotExist):
		return transport.NewError(op, p, transport.CategoryNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return transport.NewError(op, p, transport.CategoryPermissionDenied, err)
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return transport.NewError(op, p, transport.CategoryNetwork, err)
	}

	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case fxNoSuchFile:
			return transport.NewError(op, p, transport.CategoryNotFound, err)
		case fxPermissionDenied:
			return transport.NewError(op, p, transport.CategoryPermissionDenied, err)
		case fxNoConnection, fxConnectionLost:
			return transport.NewError(op, p, transport.CategoryNetwork, err)
		case fxOpUnsupported:
			return transport.NewError(op, p, transport.CategoryUnsupported, err)
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return transport.NewError(op, p, transport.CategoryNetwork, err)
	}
	return transport.NewError(op, p, transport.CategoryUnknown, err)
}
