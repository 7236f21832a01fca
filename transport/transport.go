// Package transport carries the gateway control connection over a single
// bidirectional QUIC stream per client.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sagernet/quic-go"
	"github.com/sagernet/sing/common/baderror"
	"github.com/sagernet/sing/common/bufio"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

const (
	DefaultALPN            = "c2ml"
	DefaultMaxIdleTimeout  = 30 * time.Second
	DefaultKeepAlivePeriod = 10 * time.Second
	ProtocolTimeout        = 10 * time.Second
)

// Control streams carry a few dozen bytes; one stream per connection.
func NewQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
	}
}

func prepareTLSConfig(tlsConfig *tls.Config) *tls.Config {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{DefaultALPN}
	}
	return tlsConfig
}

var _ net.Listener = (*Listener)(nil)

// Listener accepts QUIC connections and hands out their first stream as a
// net.Conn.
type Listener struct {
	ctx          context.Context
	logger       logger.Logger
	quicListener *quic.Listener
	conns        chan net.Conn
	done         chan struct{}
	closeOnce    sync.Once
}

func Listen(ctx context.Context, conn net.PacketConn, tlsConfig *tls.Config, log logger.Logger) (*Listener, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = logger.NOP()
	}
	quicListener, err := quic.Listen(conn, prepareTLSConfig(tlsConfig), NewQUICConfig())
	if err != nil {
		return nil, err
	}
	listener := &Listener{
		ctx:          ctx,
		logger:       log,
		quicListener: quicListener,
		conns:        make(chan net.Conn),
		done:         make(chan struct{}),
	}
	go listener.loopConnections()
	return listener, nil
}

func (l *Listener) loopConnections() {
	for {
		connection, err := l.quicListener.Accept(l.ctx)
		if err != nil {
			if E.IsClosedOrCanceled(err) || errors.Is(err, quic.ErrServerClosed) {
				l.logger.Debug(E.Cause(err, "quic listener closed"))
			} else {
				l.logger.Error(E.Cause(err, "quic listener closed"))
			}
			l.Close()
			return
		}
		go l.handleConnection(connection)
	}
}

func (l *Listener) handleConnection(connection quic.Connection) {
	ctx, cancel := context.WithTimeout(l.ctx, ProtocolTimeout)
	stream, err := connection.AcceptStream(ctx)
	cancel()
	if err != nil {
		l.logger.Debug(E.Cause(WrapError(err), "accept control stream from ", connection.RemoteAddr()))
		_ = connection.CloseWithError(1, "protocol error")
		return
	}
	conn := &streamConn{Stream: stream, connection: connection}
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *Listener) Addr() net.Addr {
	return l.quicListener.Addr()
}

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.quicListener.Close()
	})
	return err
}

var _ N.Dialer = (*Dialer)(nil)

// Dialer opens one QUIC connection per DialContext call over the UDP
// sockets of its underlying dialer.
type Dialer struct {
	dialer     N.Dialer
	tlsConfig  *tls.Config
	quicConfig *quic.Config
}

func NewDialer(dialer N.Dialer, tlsConfig *tls.Config) *Dialer {
	if dialer == nil {
		dialer = N.SystemDialer
	}
	return &Dialer{
		dialer:     dialer,
		tlsConfig:  prepareTLSConfig(tlsConfig),
		quicConfig: NewQUICConfig(),
	}
}

func (d *Dialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	udpConn, err := d.dialer.DialContext(ctx, N.NetworkUDP, destination)
	if err != nil {
		return nil, err
	}
	quicConn, err := quic.Dial(ctx, bufio.NewUnbindPacketConn(udpConn), udpConn.RemoteAddr(), d.tlsConfig, d.quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, E.Cause(WrapError(err), "quic handshake")
	}
	stream, err := quicConn.OpenStreamSync(ctx)
	if err != nil {
		_ = quicConn.CloseWithError(0, "")
		udpConn.Close()
		return nil, E.Cause(WrapError(err), "open control stream")
	}
	return &streamConn{Stream: stream, connection: quicConn, rawConn: udpConn}, nil
}

func (d *Dialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}

type streamConn struct {
	quic.Stream
	connection quic.Connection
	rawConn    net.Conn
	closeOnce  sync.Once
}

func (c *streamConn) Read(p []byte) (n int, err error) {
	n, err = c.Stream.Read(p)
	return n, baderror.WrapQUIC(err)
}

func (c *streamConn) Write(p []byte) (n int, err error) {
	n, err = c.Stream.Write(p)
	return n, baderror.WrapQUIC(err)
}

func (c *streamConn) LocalAddr() net.Addr {
	return c.connection.LocalAddr()
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.connection.RemoteAddr()
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.Stream.CancelRead(0)
		c.Stream.Close()
		_ = c.connection.CloseWithError(0, "")
		if c.rawConn != nil {
			c.rawConn.Close()
		}
	})
	return nil
}
