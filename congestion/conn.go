package congestion

import (
	"net"
	"sync"
)

var _ net.Conn = (*Conn)(nil)

// Conn paces writes on a stream connection. It is the flow-level hook the
// client pushes its share into.
type Conn struct {
	net.Conn
	pacer     *Pacer
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(conn net.Conn, bandwidth uint64) *Conn {
	return &Conn{
		Conn:  conn,
		pacer: NewPacer(bandwidth),
		done:  make(chan struct{}),
	}
}

func (c *Conn) SetBandwidth(bandwidth uint64) {
	c.pacer.SetBandwidth(bandwidth)
}

func (c *Conn) Bandwidth() uint64 {
	return c.pacer.Bandwidth()
}

func (c *Conn) Write(b []byte) (n int, err error) {
	for len(b) > 0 {
		chunk := min(len(b), initMaxDatagramSize)
		if !c.pacer.Wait(c.done, uint64(chunk)) {
			return n, net.ErrClosed
		}
		var written int
		written, err = c.Conn.Write(b[:chunk])
		n += written
		if err != nil {
			return
		}
		b = b[chunk:]
	}
	return
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.Conn.Close()
}

func (c *Conn) Upstream() any {
	return c.Conn
}
