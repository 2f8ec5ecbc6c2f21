package devhost

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// BackendTransport provides the pooled HTTP transport the router uses to
// reach local backends. It wraps [http.Transport] and exposes request
// counters for the status endpoint.
type BackendTransport struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all backends. Zero means no limit.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per backend. Zero means the default (2 per host).
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time to wait for a TCP dial to complete.
	// Zero means the default (10 seconds).
	DialTimeout time.Duration

	// TLSHandshakeTimeout is the maximum time to wait for a TLS
	// handshake with an https backend.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout is the maximum time to wait for response
	// headers after the request has been written. Zero means no timeout,
	// which long-polling backends need.
	ResponseHeaderTimeout time.Duration

	// InsecureSkipVerify accepts self-signed backend certificates. Local
	// dev servers rarely have anything else.
	InsecureSkipVerify bool

	// EnableHTTP2 attempts h2 with https backends.
	EnableHTTP2 bool

	transport atomic.Pointer[http.Transport]

	stats transportStats
}

type transportStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	failedRequests atomic.Int64
}

// NewBackendTransport creates a BackendTransport with local-dev defaults.
func NewBackendTransport() *BackendTransport {
	return &BackendTransport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		InsecureSkipVerify:  true,
		EnableHTTP2:         true,
	}
}

// Build creates the underlying [http.Transport]. It is safe to call
// multiple times; each call closes idle connections on the previous one.
func (bt *BackendTransport) Build() *http.Transport {
	dialTimeout := bt.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: bt.InsecureSkipVerify, //nolint:gosec // local backends use self-signed certs
		},
		MaxIdleConns:          bt.MaxIdleConns,
		MaxIdleConnsPerHost:   bt.MaxIdleConnsPerHost,
		IdleConnTimeout:       bt.IdleConnTimeout,
		TLSHandshakeTimeout:   bt.TLSHandshakeTimeout,
		ResponseHeaderTimeout: bt.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     bt.EnableHTTP2,
	}

	if old := bt.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}

	return t
}

// RoundTrip implements [http.RoundTripper]. If [Build] has not been called,
// it is called automatically.
func (bt *BackendTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	bt.stats.totalRequests.Add(1)
	bt.stats.activeRequests.Add(1)
	defer bt.stats.activeRequests.Add(-1)

	t := bt.transport.Load()
	if t == nil {
		t = bt.Build()
	}

	resp, err := t.RoundTrip(req)
	if err != nil {
		bt.stats.failedRequests.Add(1)
	}
	return resp, err
}

// CloseIdleConnections closes all idle backend connections.
func (bt *BackendTransport) CloseIdleConnections() {
	if t := bt.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (bt *BackendTransport) Stats() BackendStats {
	return BackendStats{
		TotalRequests:  bt.stats.totalRequests.Load(),
		ActiveRequests: bt.stats.activeRequests.Load(),
		FailedRequests: bt.stats.failedRequests.Load(),
	}
}

// BackendStats holds a snapshot of backend transport counters.
type BackendStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
	FailedRequests int64 `json:"failed_requests"`
}
