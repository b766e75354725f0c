package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Upstream failure taxonomy. Callers map these onto 504 and 502.
var (
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// upstream opens a fresh connection per proxied request and bounds connect,
// header, and body reads with the configured timeout.
type upstream struct {
	transport http.RoundTripper
	timeout   time.Duration
}

func newUpstream(timeout time.Duration, transport http.RoundTripper) *upstream {
	if transport == nil {
		transport = newUpstreamTransport(timeout)
	}
	return &upstream{transport: transport, timeout: timeout}
}

func newUpstreamTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout}
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			return &timeoutConn{Conn: conn, timeout: timeout}, nil
		},
		ResponseHeaderTimeout: timeout,
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     false,
	}
}

// timeoutConn re-arms the read deadline before every read so a stalled
// upstream cannot hold a handler past the configured timeout.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// roundTrip forwards the request and classifies any transport failure.
func (u *upstream) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := u.transport.RoundTrip(req)
	if err != nil {
		return nil, classifyUpstreamError(err)
	}
	return resp, nil
}

// dial opens a raw TCP connection for CONNECT tunnelling.
func (u *upstream) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: u.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classifyUpstreamError(err)
	}
	return conn, nil
}

func classifyUpstreamError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}
