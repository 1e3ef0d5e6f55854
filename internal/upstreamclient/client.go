// Package upstreamclient is the egress HTTP client the dispatcher and
// prober use to reach the upstream generative-AI service, a trimmed
// descendant of the teacher's internal/upstream/gemini client: the custom
// Transport and proxy-function wiring survive, the model-fallback and
// tracing machinery does not (the proxy forwards bodies verbatim and never
// inspects or rewrites them).
package upstreamclient

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"credpool-go/internal/constants"
)

// Config configures the egress Transport.
type Config struct {
	ProxyURL              string
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
}

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// New builds an *http.Client with a Transport tuned for proxying streamed
// upstream responses: no client-level Timeout (the caller supplies a
// context deadline per request instead), since a blanket Timeout would cut
// off long-lived SSE streams. Pool sizing follows the high-throughput
// transport profile since every credential in the pool shares one egress
// client against the same upstream host.
func New(cfg Config) *http.Client {
	pool := constants.GetHighThroughputTransportConfig()
	tr := &http.Transport{
		Proxy: proxyFunc(cfg.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   durationOrDefault(cfg.DialTimeout, constants.DefaultDialTimeout),
			KeepAlive: constants.DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   durationOrDefault(cfg.TLSHandshakeTimeout, constants.DefaultTLSHandshakeTimeout),
		ResponseHeaderTimeout: durationOrDefault(cfg.ResponseHeaderTimeout, constants.DefaultResponseHeaderTimeout),
		ExpectContinueTimeout: durationOrDefault(cfg.ExpectContinueTimeout, constants.DefaultExpectContinueTimeout),
		MaxIdleConns:          pool.MaxIdleConns,
		MaxIdleConnsPerHost:   pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:       pool.MaxConnsPerHost,
		IdleConnTimeout:       pool.IdleConnTimeout,
		WriteBufferSize:       pool.WriteBufferSize,
		ReadBufferSize:        pool.ReadBufferSize,
		DisableCompression:    pool.DisableCompression,
	}
	return &http.Client{Transport: tr}
}

// proxyFunc returns the configured SOCKS/HTTP proxy if set, falling back to
// the standard environment-derived proxy otherwise.
func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsed)
		}
	}
	return http.ProxyFromEnvironment
}
