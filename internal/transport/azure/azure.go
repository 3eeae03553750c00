// Package azure is the transport backend for Azure Blob Storage containers.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"path"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/transport"
)

// Config describes one container. Either AccountKey or SASURL authenticates.
type Config struct {
	Account    string
	AccountKey string
	SASURL     string // service URL with SAS query
	Container  string
	Prefix     string

	HTTPClient *nethttp.Client
}

// ServiceURL returns the blob endpoint for the account.
func (c Config) ServiceURL() string {
	if c.SASURL != "" {
		return c.SASURL
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
}

type Backend struct {
	cfg    Config
	logger *logging.Logger

	mu     sync.RWMutex
	client *azblob.Client
}

func New(cfg Config, logger *logging.Logger) *Backend {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Backend{cfg: cfg, logger: logger.Component("azure")}
}

func (b *Backend) Protocol() string { return "azure" }

func (b *Backend) Connect(ctx context.Context) error {
	opts := &azblob.ClientOptions{}
	if b.cfg.HTTPClient != nil {
		opts.ClientOptions = azcore.ClientOptions{Transport: b.cfg.HTTPClient}
	}

	var client *azblob.Client
	var err error
	if b.cfg.AccountKey != "" {
		cred, cerr := azblob.NewSharedKeyCredential(b.cfg.Account, b.cfg.AccountKey)
		if cerr != nil {
			return transport.NewError("connect", b.cfg.Account, transport.CategoryAuthenticationFailed, cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(b.cfg.ServiceURL(), cred, opts)
	} else {
		client, err = azblob.NewClientWithNoCredential(b.cfg.ServiceURL(), opts)
	}
	if err != nil {
		return transport.NewError("connect", b.cfg.Account, transport.CategoryConnectionFailed, err)
	}

	if _, err := client.ServiceClient().NewContainerClient(b.cfg.Container).GetProperties(ctx, nil); err != nil {
		return mapError("connect", b.cfg.Container, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.logger.Debug().Str("container", b.cfg.Container).Msg("connected")
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
	return nil
}

func (b *Backend) api(op, p string) (*azblob.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, transport.NewError(op, p, transport.CategoryNotConnected, transport.ErrNotConnected)
	}
	return b.client, nil
}

func (b *Backend) blobName(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	switch {
	case b.cfg.Prefix == "":
		return p
	case p == "":
		return b.cfg.Prefix
	}
	return b.cfg.Prefix + "/" + p
}

func (b *Backend) dirPrefix(dir string) string {
	if n := b.blobName(dir); n != "" {
		return n + "/"
	}
	return ""
}

func (b *Backend) containerClient(c *azblob.Client) *container.Client {
	return c.ServiceClient().NewContainerClient(b.cfg.Container)
}

func (b *Backend) Stat(ctx context.Context, p string) (transport.Entry, error) {
	name := b.blobName(p)
	if name == b.cfg.Prefix {
		return transport.Entry{Name: "/", Path: "/", IsDir: true}, nil
	}
	c, err := b.api("stat", p)
	if err != nil {
		return transport.Entry{}, err
	}

	props, err := b.containerClient(c).NewBlobClient(name).GetProperties(ctx, nil)
	if err == nil {
		e := transport.Entry{Name: path.Base(p), Path: p}
		if props.ContentLength != nil {
			e.Size = *props.ContentLength
		}
		if props.LastModified != nil {
			e.ModTime = *props.LastModified
		}
		return e, nil
	}
	if mapped := mapError("stat", p, err); !transport.IsNotFound(mapped) {
		return transport.Entry{}, mapped
	}

	pager := b.containerClient(c).NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:     to.Ptr(name + "/"),
		MaxResults: to.Ptr(int32(1)),
	})
	if pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return transport.Entry{}, mapError("stat", p, err)
		}
		if len(page.Segment.BlobItems) > 0 {
			return transport.Entry{Name: path.Base(p), Path: p, IsDir: true}, nil
		}
	}
	return transport.Entry{}, transport.NewError("stat", p, transport.CategoryNotFound, transport.ErrNotFound)
}

func (b *Backend) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	c, err := b.api("list", dir)
	if err != nil {
		return nil, err
	}
	prefix := b.dirPrefix(dir)
	pager := b.containerClient(c).NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: to.Ptr(prefix),
	})

	var entries []transport.Entry
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError("list", dir, err)
		}
		for _, bp := range page.Segment.BlobPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(deref(bp.Name), prefix), "/")
			if name != "" {
				entries = append(entries, transport.Entry{Name: name, Path: path.Join("/", dir, name), IsDir: true})
			}
		}
		for _, item := range page.Segment.BlobItems {
			name := strings.TrimPrefix(deref(item.Name), prefix)
			if name == "" {
				continue
			}
			e := transport.Entry{Name: name, Path: path.Join("/", dir, name)}
			if item.Properties != nil {
				e.Size = deref(item.Properties.ContentLength)
				e.ModTime = deref(item.Properties.LastModified)
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Mkdir writes an empty marker blob "dir/" so the folder shows up before it
// has content.
func (b *Backend) Mkdir(ctx context.Context, dir string) error {
	c, err := b.api("mkdir", dir)
	if err != nil {
		return err
	}
	_, err = c.UploadBuffer(ctx, b.cfg.Container, b.dirPrefix(dir), []byte{}, nil)
	return mapError("mkdir", dir, err)
}

func (b *Backend) Remove(ctx context.Context, p string, isDir bool) error {
	c, err := b.api("remove", p)
	if err != nil {
		return err
	}
	if !isDir {
		_, err := c.DeleteBlob(ctx, b.cfg.Container, b.blobName(p), nil)
		return mapError("remove", p, err)
	}

	pager := b.containerClient(c).NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: to.Ptr(b.dirPrefix(p)),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return mapError("remove", p, err)
		}
		for _, item := range page.Segment.BlobItems {
			if _, err := c.DeleteBlob(ctx, b.cfg.Container, deref(item.Name), nil); err != nil {
				if bloberror.HasCode(err, bloberror.BlobNotFound) {
					continue
				}
				return mapError("remove", p, err)
			}
		}
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, p string, r io.Reader, size int64) error {
	c, err := b.api("put", p)
	if err != nil {
		return err
	}
	_, err = c.UploadStream(ctx, b.cfg.Container, b.blobName(p), r, &azblob.UploadStreamOptions{
		BlockSize:   constants.ObjectPartSize,
		Concurrency: 1,
	})
	return mapError("put", p, err)
}

func (b *Backend) Get(ctx context.Context, p string, w io.Writer) error {
	c, err := b.api("get", p)
	if err != nil {
		return err
	}
	resp, err := c.DownloadStream(ctx, b.cfg.Container, b.blobName(p), nil)
	if err != nil {
		return mapError("get", p, err)
	}
	defer resp.Body.Close()
	_, err = transport.CopyContext(ctx, w, resp.Body)
	return mapError("get", p, err)
}

func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return transport.NewError(op, p, transport.CategoryCancelled, err)
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return transport.NewError(op, p, transport.CategoryNotFound, err)
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure):
		return transport.NewError(op, p, transport.CategoryAuthenticationFailed, err)
	case bloberror.HasCode(err, bloberror.AuthorizationPermissionMismatch, bloberror.InsufficientAccountPermissions):
		return transport.NewError(op, p, transport.CategoryPermissionDenied, err)
	case bloberror.HasCode(err, bloberror.ServerBusy):
		return transport.NewError(op, p, transport.CategoryRateLimited, err)
	case bloberror.HasCode(err, bloberror.InvalidResourceName):
		return transport.NewError(op, p, transport.CategoryInvalidPath, err)
	}

	var re *azcore.ResponseError
	if errors.As(err, &re) {
		switch code := re.StatusCode; {
		case code == 404:
			return transport.NewError(op, p, transport.CategoryNotFound, err)
		case code == 401:
			return transport.NewError(op, p, transport.CategoryAuthenticationFailed, err)
		case code == 403:
			return transport.NewError(op, p, transport.CategoryPermissionDenied, err)
		case code == 429 || code == 503:
			return transport.NewError(op, p, transport.CategoryRateLimited, err)
		case code >= 500:
			return transport.NewError(op, p, transport.CategoryServerError, err)
		}
	}
	return transport.NewError(op, p, transport.CategoryUnknown, err)
}

// deref returns *p, or the zero value when the SDK left the field unset.
func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
