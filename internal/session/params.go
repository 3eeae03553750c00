package session

import (
	"fmt"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/paneflow/paneflow/internal/transport/ftp"
)

// Protocol names a supported provider.
type Protocol string

const (
	ProtocolFTP    Protocol = "ftp"
	ProtocolFTPS   Protocol = "ftps"
	ProtocolSFTP   Protocol = "sftp"
	ProtocolS3     Protocol = "s3"
	ProtocolAzure  Protocol = "azure"
	ProtocolWebDAV Protocol = "webdav"
	ProtocolOAuth  Protocol = "oauth"
	ProtocolLocal  Protocol = "local"
)

// DefaultPort returns the well known port of the protocol, or 0 when it has none.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolFTP:
		return 21
	case ProtocolFTPS:
		return 990
	case ProtocolSFTP:
		return 22
	case ProtocolS3, ProtocolAzure, ProtocolWebDAV, ProtocolOAuth:
		return 443
	default:
		return 0
	}
}

// Secure reports whether the protocol encrypts traffic by default.
func (p Protocol) Secure() bool {
	switch p {
	case ProtocolFTP, ProtocolLocal:
		return false
	default:
		return true
	}
}

// ConnectionParams describes how to reach one server. The set of
// implementations is closed: FTPParams, SFTPParams, S3Params, AzureParams,
// WebDAVParams, OAuthParams and LocalParams.
type ConnectionParams interface {
	Protocol() Protocol
	DisplayName() string
	connectionParams()
}

// FTPParams covers plain FTP and FTPS.
type FTPParams struct {
	Host               string
	Port               int
	User               string
	Password           string
	TLS                ftp.TLSMode
	InsecureSkipVerify bool
	DisableEPSV        bool
}

func (FTPParams) connectionParams() {}

func (p FTPParams) Protocol() Protocol {
	if p.TLS != ftp.TLSNone {
		return ProtocolFTPS
	}
	return ProtocolFTP
}

func (p FTPParams) DisplayName() string { return userAtHost(p.User, p.Host, p.Port, p.Protocol()) }

// SFTPParams authenticates with a password, a private key, or both.
type SFTPParams struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPath string
	KeyPassphrase  string
	KnownHostsFile string
}

func (SFTPParams) connectionParams() {}

func (SFTPParams) Protocol() Protocol { return ProtocolSFTP }

func (p SFTPParams) DisplayName() string { return userAtHost(p.User, p.Host, p.Port, ProtocolSFTP) }

// S3Params targets AWS S3 or any S3-compatible store.
type S3Params struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Prefix          string
}

func (S3Params) connectionParams() {}

func (S3Params) Protocol() Protocol { return ProtocolS3 }

func (p S3Params) DisplayName() string {
	if p.Endpoint != "" {
		if u, err := url.Parse(p.Endpoint); err == nil && u.Host != "" {
			return fmt.Sprintf("s3://%s (%s)", p.Bucket, u.Host)
		}
	}
	return "s3://" + p.Bucket
}

// AzureParams targets one Azure Blob container.
type AzureParams struct {
	Account    string
	AccountKey string
	SASURL     string
	Container  string
	Prefix     string
}

func (AzureParams) connectionParams() {}

func (AzureParams) Protocol() Protocol { return ProtocolAzure }

func (p AzureParams) DisplayName() string {
	return fmt.Sprintf("azure://%s/%s", p.Account, p.Container)
}

// WebDAVParams uses basic auth.
type WebDAVParams struct {
	URL      string
	User     string
	Password string
}

func (WebDAVParams) connectionParams() {}

func (WebDAVParams) Protocol() Protocol { return ProtocolWebDAV }

func (p WebDAVParams) DisplayName() string { return urlDisplay(p.URL, p.User) }

// OAuthParams reaches an OAuth2 drive through its WebDAV-compatible endpoint.
type OAuthParams struct {
	Provider     string // reported protocol name, e.g. "nextcloud"
	URL          string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	Token        *oauth2.Token
}

func (OAuthParams) connectionParams() {}

func (OAuthParams) Protocol() Protocol { return ProtocolOAuth }

func (p OAuthParams) DisplayName() string {
	name := urlDisplay(p.URL, "")
	if p.Provider != "" {
		return p.Provider + ": " + name
	}
	return name
}

// LocalParams opens a directory of the local filesystem as the remote side.
type LocalParams struct {
	Root       string
	ShowHidden bool
}

func (LocalParams) connectionParams() {}

func (LocalParams) Protocol() Protocol { return ProtocolLocal }

func (p LocalParams) DisplayName() string { return "local:" + p.Root }

func userAtHost(user, host string, port int, proto Protocol) string {
	s := host
	if user != "" {
		s = user + "@" + host
	}
	if port != 0 && port != proto.DefaultPort() {
		s = fmt.Sprintf("%s:%d", s, port)
	}
	return string(proto) + "://" + s
}

func urlDisplay(raw, user string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if user != "" {
		return fmt.Sprintf("%s@%s%s", user, u.Host, u.Path)
	}
	return u.Host + u.Path
}
