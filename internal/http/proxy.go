package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/rescale-assets/internal/config"
	"github.com/rescale/rescale-assets/internal/constants"
)

// Proxy modes
const (
	ProxyNone   = "no-proxy"
	ProxySystem = "system"
	ProxyNTLM   = "ntlm"
	ProxyBasic  = "basic"
)

func newTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}
}

// ConfigureHTTPClient returns a client for small JSON API calls with the
// configured proxy applied. NTLM mode wraps the transport in a negotiator.
// A nil cfg yields a direct client.
func ConfigureHTTPClient(cfg *config.Config) (*nethttp.Client, error) {
	transport := newTransport()
	client := &nethttp.Client{
		Transport: transport,
		Timeout:   constants.HTTPMetadataTimeout,
	}
	if cfg == nil {
		return client, nil
	}

	mode := strings.ToLower(cfg.ProxyMode)
	switch mode {
	case ProxyNone, "":
		transport.Proxy = nil
		return client, nil

	case ProxySystem:
		transport.Proxy = nethttp.ProxyFromEnvironment

	case ProxyNTLM, ProxyBasic:
		// Incomplete saved config falls back to a direct connection so the
		// user can still run `config init` to fix it
		if cfg.ProxyHost == "" {
			log.Warn().Str("mode", mode).Msg("proxy host is missing, falling back to no-proxy mode")
			transport.Proxy = nil
			return client, nil
		}
		if cfg.ProxyUser != "" && cfg.ProxyPassword == "" {
			log.Warn().Str("mode", mode).Msg("proxy user configured but password missing, proxy auth disabled")
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy)
		if mode == ProxyNTLM {
			client.Transport = ntlmssp.Negotiator{RoundTripper: transport}
		}

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.ProxyMode)
	}

	// Warmup only makes sense when credentials are complete
	if cfg.ProxyWarmup && (mode == ProxySystem || (cfg.ProxyUser != "" && cfg.ProxyPassword != "")) {
		if err := warmupProxy(client, cfg); err != nil {
			return nil, fmt.Errorf("proxy warmup failed: %w", err)
		}
	}

	return client, nil
}

// ProxyFunc returns the proxy selector for non-HTTP clients such as the
// WebSocket dialer. NTLM is not negotiated there; its proxy is used without
// authentication.
func ProxyFunc(cfg *config.Config) func(*nethttp.Request) (*url.URL, error) {
	if cfg == nil {
		return nil
	}
	switch strings.ToLower(cfg.ProxyMode) {
	case ProxySystem:
		return nethttp.ProxyFromEnvironment
	case ProxyNTLM, ProxyBasic:
		if cfg.ProxyHost == "" {
			return nil
		}
		return proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy)
	default:
		return nil
	}
}

// buildProxyURL constructs a proxy URL from config. Credentials are embedded
// only when both user and password are present.
func buildProxyURL(cfg *config.Config) *url.URL {
	port := cfg.ProxyPort
	if port == 0 {
		port = 8080
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.ProxyHost, fmt.Sprintf("%d", port)),
	}
	if cfg.ProxyUser != "" && cfg.ProxyPassword != "" {
		proxyURL.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPassword)
	}
	return proxyURL
}

func warmupProxy(client *nethttp.Client, cfg *config.Config) error {
	warmupURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if warmupURL == "" {
		warmupURL = "https://platform.rescale.com"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, warmupURL+"/api/v3/", nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("warmup request returned server error: %d", resp.StatusCode)
	}
	return nil
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy
// bypass list. With an empty list it behaves like nethttp.ProxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
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
			log.Debug().Str("host", req.URL.Host).Msg("proxy bypass")
		}
		return result, err
	}
}

// NeedsProxyPassword returns true if the proxy configuration requires a
// password that has not been provided. The CLI prompts in that case.
func NeedsProxyPassword(cfg *config.Config) bool {
	mode := strings.ToLower(cfg.ProxyMode)
	if mode != ProxyBasic && mode != ProxyNTLM {
		return false
	}
	return cfg.ProxyUser != "" && cfg.ProxyPassword == ""
}
