package session

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"

	"golang.org/x/oauth2"

	"github.com/paneflow/paneflow/internal/config"
	"github.com/paneflow/paneflow/internal/constants"
	httpx "github.com/paneflow/paneflow/internal/http"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/ratelimit"
	"github.com/paneflow/paneflow/internal/transport"
	"github.com/paneflow/paneflow/internal/transport/azure"
	"github.com/paneflow/paneflow/internal/transport/ftp"
	"github.com/paneflow/paneflow/internal/transport/local"
	"github.com/paneflow/paneflow/internal/transport/s3"
	"github.com/paneflow/paneflow/internal/transport/sftp"
	"github.com/paneflow/paneflow/internal/transport/webdav"
)

// ErrUnsupportedProtocol is returned for connection parameters no backend serves.
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// DialFunc opens a connected adapter for params.
type DialFunc func(ctx context.Context, params ConnectionParams) (transport.Adapter, error)

// Dialer builds backends from connection parameters. HTTP based backends
// share one proxy aware client.
type Dialer struct {
	httpClient *nethttp.Client
	logger     *logging.Logger
}

// NewDialer creates a dialer using the proxy settings in proxy.
func NewDialer(proxy *config.ProxyConfig, logger *logging.Logger) (*Dialer, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	client, err := httpx.NewClient(proxy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return &Dialer{httpClient: client, logger: logger}, nil
}

// Backend returns an unconnected backend for params.
func (d *Dialer) Backend(params ConnectionParams) (transport.Backend, error) {
	switch p := params.(type) {
	case FTPParams:
		return ftp.New(ftp.Config{
			Host:               p.Host,
			Port:               p.Port,
			User:               p.User,
			Password:           p.Password,
			TLS:                p.TLS,
			InsecureSkipVerify: p.InsecureSkipVerify,
			DisableEPSV:        p.DisableEPSV,
			Timeout:            constants.DialTimeout,
		}, d.logger), nil

	case SFTPParams:
		cfg := sftp.Config{
			Host:           p.Host,
			Port:           p.Port,
			User:           p.User,
			Password:       p.Password,
			KeyPassphrase:  p.KeyPassphrase,
			KnownHostsFile: p.KnownHostsFile,
		}
		if p.PrivateKeyPath != "" {
			key, err := os.ReadFile(p.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			cfg.PrivateKey = key
		}
		return sftp.New(cfg, d.logger), nil

	case S3Params:
		return s3.New(s3.Config{
			Bucket:          p.Bucket,
			Region:          p.Region,
			Endpoint:        p.Endpoint,
			PathStyle:       p.PathStyle,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			SessionToken:    p.SessionToken,
			Prefix:          p.Prefix,
			HTTPClient:      d.httpClient,
			Pacer:           ratelimit.NewRateLimiter(constants.S3RequestsPerSecond, constants.S3Burst),
		}, d.logger), nil

	case AzureParams:
		return azure.New(azure.Config{
			Account:    p.Account,
			AccountKey: p.AccountKey,
			SASURL:     p.SASURL,
			Container:  p.Container,
			Prefix:     p.Prefix,
			HTTPClient: d.httpClient,
		}, d.logger), nil

	case WebDAVParams:
		return webdav.New(webdav.Config{
			URL:        p.URL,
			User:       p.User,
			Password:   p.Password,
			HTTPClient: d.httpClient,
		}, d.logger), nil

	case OAuthParams:
		if p.Token == nil {
			return nil, fmt.Errorf("%s: missing OAuth token", p.DisplayName())
		}
		oc := &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
			Scopes:       p.Scopes,
		}
		// Token refreshes go through the proxy aware client as well.
		tctx := context.WithValue(context.Background(), oauth2.HTTPClient, d.httpClient)
		proto := p.Provider
		if proto == "" {
			proto = string(ProtocolOAuth)
		}
		return webdav.New(webdav.Config{
			URL:         p.URL,
			TokenSource: oc.TokenSource(tctx, p.Token),
			Protocol:    proto,
			HTTPClient:  d.httpClient,
		}, d.logger), nil

	case LocalParams:
		return local.New(p.ShowHidden), nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedProtocol, params)
	}
}

// Dial connects a backend for params and wraps it in an adapter.
func (d *Dialer) Dial(ctx context.Context, params ConnectionParams) (transport.Adapter, error) {
	b, err := d.Backend(params)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return transport.NewAdapter(b, d.logger), nil
}

// startPath is the remote directory a fresh connection opens in.
func startPath(params ConnectionParams) string {
	if p, ok := params.(LocalParams); ok && p.Root != "" {
		return p.Root
	}
	return "/"
}

func localBackend() transport.Backend {
	return local.New(true)
}
