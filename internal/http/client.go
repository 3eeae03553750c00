// Package http builds the HTTP clients used by the S3, Azure and WebDAV
// backends: proxy aware transports and a retrying client for metadata calls.
package http

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"os"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/http2"

	"github.com/paneflow/paneflow/internal/config"
	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/logging"
)

// NewClient returns a client configured for the proxy settings in cfg. A nil
// cfg reads HTTP_PROXY, HTTPS_PROXY and NO_PROXY from the environment.
//
// The client has no overall timeout; callers bound each operation with a context.
func NewClient(cfg *config.ProxyConfig, logger *logging.Logger) (*nethttp.Client, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	tr := newTransport()

	mode := "system"
	if cfg != nil {
		mode = strings.ToLower(cfg.Mode)
	}

	var rt nethttp.RoundTripper = tr
	switch mode {
	case "no-proxy", "":
		tr.Proxy = nil

	case "system":
		tr.Proxy = nethttp.ProxyFromEnvironment

	case "basic", "ntlm":
		if cfg.Host == "" {
			logger.Warn().Str("mode", mode).Msg("proxy host missing, falling back to direct connections")
			tr.Proxy = nil
			break
		}
		if cfg.User != "" && cfg.Password == "" {
			logger.Warn().Msg("proxy user configured but password missing, proxy auth disabled")
		}
		tr.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy, logger)
		if mode == "ntlm" {
			rt = ntlmssp.Negotiator{RoundTripper: tr}
		}

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", mode)
	}

	// Proxies often break HTTP/2 multiplexing mid-transfer.
	if proxyActive(mode) && os.Getenv("PANEFLOW_FORCE_HTTP2") != "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	} else if os.Getenv("PANEFLOW_DISABLE_HTTP2") != "true" {
		_ = http2.ConfigureTransport(tr)
	}

	return &nethttp.Client{Transport: rt}, nil
}

func newTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.DialTimeout,
			KeepAlive: constants.DialTimeout,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   constants.HTTPMaxIdleConnsPerHost,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		ResponseHeaderTimeout: constants.HTTPResponseHeaderTimeout,
		TLSHandshakeTimeout:   constants.DialTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}
}

func proxyActive(mode string) bool {
	switch mode {
	case "no-proxy", "":
		return false
	case "system":
		return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	default:
		return true
	}
}

func buildProxyURL(cfg *config.ProxyConfig) *url.URL {
	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.Host, fmt.Sprint(port)),
	}
	// Only embed credentials when both are present; an empty password breaks some proxies.
	if cfg.User != "" && cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u
}

// proxyFuncWithBypass routes through proxyURL except for hosts matched by noProxy.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger *logging.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	pc := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := pc.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			logger.Debug().Str("host", req.URL.Host).Msg("proxy bypass")
		}
		return result, err
	}
}
