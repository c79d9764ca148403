// Package http builds the HTTP clients used for API calls, uploads and
// object storage, and classifies transport errors for reconnect loops.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/rescale-assets/internal/config"
)

// CreateTransferClient creates an HTTP client for large uploads with the same
// proxy configuration as API calls.
//
// The client has no overall timeout; each transfer is bounded by its context
// so that cancellation aborts the request immediately. HTTP/2 is enabled
// unless DISABLE_HTTP2=true or a proxy is active (FORCE_HTTP2=true overrides
// the latter).
func CreateTransferClient(cfg *config.Config) (*nethttp.Client, error) {
	baseClient, err := ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	baseClient.Timeout = 0

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM negotiator wraps the transport; leave it as configured
		return baseClient, nil
	}

	tr.MaxIdleConns = 512
	tr.DisableCompression = true // uploads are mostly compressed already
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" || (proxyActive(cfg) && os.Getenv("FORCE_HTTP2") != "true") {
		disableHTTP2(tr)
	}

	return baseClient, nil
}

func disableHTTP2(tr *nethttp.Transport) {
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
}

func proxyActive(cfg *config.Config) bool {
	envProxy := os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
		os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	if cfg == nil {
		return false
	}
	switch cfg.ProxyMode {
	case ProxyNone, "":
		return false
	case ProxySystem:
		return envProxy
	default:
		return cfg.ProxyHost != ""
	}
}
