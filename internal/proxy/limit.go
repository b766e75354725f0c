package proxy

import (
	"net"
	"sync"
	"time"
)

// acceptGrace bounds how long an accepted connection waits for a free handler
// slot before being dropped. The listener cannot parse a request yet, so the
// drop is a plain close rather than a protocol-level reject.
const acceptGrace = 250 * time.Millisecond

// limitListener caps the number of concurrently active connections. An accept
// at the ceiling waits up to acceptGrace for a slot, then the connection is
// closed without a response.
type limitListener struct {
	net.Listener
	sem chan struct{}
}

func newLimitListener(inner net.Listener, max int) *limitListener {
	if max < 1 {
		max = 1
	}
	return &limitListener{
		Listener: inner,
		sem:      make(chan struct{}, max),
	}
}

func (l *limitListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		select {
		case l.sem <- struct{}{}:
			return &limitedConn{Conn: conn, release: l.release}, nil
		default:
		}

		timer := time.NewTimer(acceptGrace)
		select {
		case l.sem <- struct{}{}:
			timer.Stop()
			return &limitedConn{Conn: conn, release: l.release}, nil
		case <-timer.C:
			_ = conn.Close()
		}
	}
}

func (l *limitListener) release() {
	<-l.sem
}

// limitedConn returns its slot exactly once, on first close.
type limitedConn struct {
	net.Conn
	release   func()
	closeOnce sync.Once
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(c.release)
	return err
}
