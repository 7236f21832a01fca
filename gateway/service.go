// Package gateway arbitrates a shared bottleneck among the clients connected
// to it. Every session event is handled on a single dispatch goroutine; the
// allocation decisions are delegated to an allocation.Protocol.
package gateway

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-c2ml/allocation"
	"github.com/sagernet/sing-c2ml/aqm"
	"github.com/sagernet/sing-c2ml/metrics"
	"github.com/sagernet/sing-c2ml/protocol"
	"github.com/sagernet/sing-c2ml/transport"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
)

const (
	DefaultNotifyDelay = time.Millisecond
	sendQueueSize      = 64
	dispatchQueueSize  = 128
)

var ErrServiceClosed = E.New("gateway closed")

// AQM is the queue pair the gateway keeps in line with its allocation.
type AQM struct {
	Tx *aqm.TxQueue
	Rx *aqm.RxQueue
	// LocalAddress is the gateway's own address on the shared link. When
	// unset it is taken from the first listener bound to a specific address.
	LocalAddress netip.Addr
}

type ServiceOptions struct {
	Context        context.Context
	Logger         logger.ContextLogger
	Mode           allocation.Mode
	TotalBandwidth uint64
	// Protocol overrides Mode and TotalBandwidth.
	Protocol    allocation.Protocol
	NotifyDelay time.Duration
	AQM         *AQM
	Metrics     *metrics.Gateway
	Clock       aqm.Clock
}

type Service struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      logger.ContextLogger
	protocol    allocation.Protocol
	notifyDelay time.Duration
	aqm         *AQM
	metrics     *metrics.Gateway
	clock       aqm.Clock
	dispatchC   chan func()
	loopDone    chan struct{}
	nextID      atomic.Uint64

	// owned by the dispatch loop
	sessions    map[allocation.SessionID]*session
	sources     map[netip.Addr]int
	timestamp   uint32
	notifyTimer aqm.Timer

	access    sync.Mutex
	listeners []net.Listener
	conns     map[*session]struct{}
	closed    bool
	routines  sync.WaitGroup
}

type SessionInfo struct {
	ID         allocation.SessionID
	RemoteAddr net.Addr
	Connected  bool
	Bandwidth  uint64
	State      protocol.NodeState
}

func NewService(options ServiceOptions) (*Service, error) {
	allocator := options.Protocol
	if allocator == nil {
		var err error
		allocator, err = allocation.New(options.Mode, options.TotalBandwidth)
		if err != nil {
			return nil, err
		}
	}
	if options.Context == nil {
		options.Context = context.Background()
	}
	if options.Logger == nil {
		options.Logger = logger.NOP()
	}
	if options.NotifyDelay <= 0 {
		options.NotifyDelay = DefaultNotifyDelay
	}
	if options.Clock == nil {
		options.Clock = aqm.DefaultClock{}
	}
	if options.AQM != nil {
		if options.AQM.Tx == nil {
			return nil, E.New("aqm enabled without a tx queue")
		}
		if options.AQM.Rx != nil {
			options.AQM.Rx.SetManagementFriend(options.AQM.Tx)
			if options.AQM.LocalAddress.IsValid() {
				options.AQM.Rx.SetLocalAddress(options.AQM.LocalAddress)
			}
		}
	}
	ctx, cancel := context.WithCancel(options.Context)
	s := &Service{
		ctx:         ctx,
		cancel:      cancel,
		logger:      options.Logger,
		protocol:    allocator,
		notifyDelay: options.NotifyDelay,
		aqm:         options.AQM,
		metrics:     options.Metrics,
		clock:       options.Clock,
		dispatchC:   make(chan func(), dispatchQueueSize),
		loopDone:    make(chan struct{}),
		sessions:    make(map[allocation.SessionID]*session),
		sources:     make(map[netip.Addr]int),
		conns:       make(map[*session]struct{}),
	}
	s.updateAllocation()
	go s.loop()
	return s, nil
}

func (s *Service) Protocol() allocation.Protocol {
	return s.protocol
}

func (s *Service) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.dispatchC:
			fn()
		case <-s.ctx.Done():
			if s.notifyTimer != nil {
				s.notifyTimer.Stop()
				s.notifyTimer = nil
			}
			return
		}
	}
}

// dispatch runs fn on the dispatch goroutine. It gives up once the service
// is closed.
func (s *Service) dispatch(fn func()) bool {
	select {
	case s.dispatchC <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Service) dispatchWait(fn func()) bool {
	done := make(chan struct{})
	if !s.dispatch(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.loopDone:
		return false
	}
}

// Start serves every connection accepted from listener.
func (s *Service) Start(listener net.Listener) error {
	s.access.Lock()
	if s.closed {
		s.access.Unlock()
		return ErrServiceClosed
	}
	s.listeners = append(s.listeners, listener)
	s.access.Unlock()
	s.detectLocalAddress(listener.Addr())
	s.logger.InfoContext(s.ctx, "gateway listening on ", listener.Addr(), " mode=", s.protocol.Mode())
	s.routines.Add(1)
	go s.loopConnections(listener)
	return nil
}

// StartQUIC serves control streams of QUIC connections arriving on conn.
func (s *Service) StartQUIC(conn net.PacketConn, tlsConfig *tls.Config) error {
	listener, err := transport.Listen(s.ctx, conn, tlsConfig, s.logger)
	if err != nil {
		return err
	}
	return s.Start(listener)
}

func (s *Service) detectLocalAddress(addr net.Addr) {
	if s.aqm == nil || s.aqm.Rx == nil || s.aqm.LocalAddress.IsValid() {
		return
	}
	local := M.SocksaddrFromNet(addr).Addr.Unmap()
	if local.IsValid() && !local.IsUnspecified() {
		s.aqm.LocalAddress = local
		s.aqm.Rx.SetLocalAddress(local)
	}
}

func (s *Service) loopConnections(listener net.Listener) {
	defer s.routines.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if E.IsClosedOrCanceled(err) || s.ctx.Err() != nil {
				s.logger.DebugContext(s.ctx, E.Cause(err, "listener closed"))
			} else {
				s.logger.ErrorContext(s.ctx, E.Cause(err, "listener closed"))
			}
			return
		}
		s.ServeConn(conn)
	}
}

// ServeConn runs the control protocol on an already established reliable
// byte stream. It returns immediately.
func (s *Service) ServeConn(conn net.Conn) {
	sess := newSession(allocation.SessionID(s.nextID.Add(1)), conn)
	s.access.Lock()
	if s.closed {
		s.access.Unlock()
		conn.Close()
		return
	}
	s.conns[sess] = struct{}{}
	s.routines.Add(2)
	s.access.Unlock()
	s.logger.DebugContext(s.ctx, "session ", sess.id, " accepted from ", conn.RemoteAddr())
	s.dispatch(func() {
		s.sessions[sess.id] = sess
	})
	go s.loopRead(sess)
	go s.loopWrite(sess)
}

// Addr returns the address of the first listener.
func (s *Service) Addr() net.Addr {
	s.access.Lock()
	defer s.access.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Sessions returns a snapshot of the accepted sessions ordered by id.
func (s *Service) Sessions() []SessionInfo {
	var sessions []SessionInfo
	s.dispatchWait(func() {
		for _, sess := range s.sessions {
			info := SessionInfo{
				ID:         sess.id,
				RemoteAddr: sess.conn.RemoteAddr(),
				Connected:  sess.connected,
			}
			if sess.connected {
				info.Bandwidth, _ = s.protocol.Bandwidth(sess.id)
				info.State, _ = s.protocol.State(sess.id)
			}
			sessions = append(sessions, info)
		}
	})
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// HealthCheck fails once the service is closed.
func (s *Service) HealthCheck() error {
	if s.ctx.Err() != nil {
		return ErrServiceClosed
	}
	return nil
}

func (s *Service) Close() error {
	s.access.Lock()
	if s.closed {
		s.access.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	conns := make([]*session, 0, len(s.conns))
	for sess := range s.conns {
		conns = append(conns, sess)
	}
	s.access.Unlock()

	s.cancel()
	var errs []error
	for _, listener := range listeners {
		errs = append(errs, listener.Close())
	}
	for _, sess := range conns {
		sess.close()
	}
	<-s.loopDone
	s.routines.Wait()
	return E.Errors(errs...)
}

// updateAllocation publishes the current allocation to the AQM queue and
// the metrics.
func (s *Service) updateAllocation() {
	fairShare := s.protocol.FairShare()
	if s.aqm != nil {
		s.aqm.Tx.SetGoodBandwidth(fairShare)
	}
	s.metrics.SetAllocation(fairShare, s.protocol.GoodBandwidth())
	s.metrics.SetSessions(s.protocol.Sessions())
}

// scheduleNotify arms the one-shot ALLOWED broadcast unless one is pending.
func (s *Service) scheduleNotify() {
	if s.notifyTimer != nil {
		return
	}
	s.notifyTimer = s.clock.AfterFunc(s.notifyDelay, func() {
		s.dispatch(s.notifyClients)
	})
}

func (s *Service) notifyClients() {
	s.notifyTimer = nil
	ids := make([]allocation.SessionID, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.connected {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		sess, loaded := s.sessions[id]
		if !loaded {
			continue
		}
		bandwidth, err := s.protocol.Bandwidth(id)
		if err != nil {
			s.logger.WarnContext(s.ctx, E.Cause(err, "session ", id, ": read allocation"))
			continue
		}
		state, err := s.protocol.State(id)
		if err != nil {
			s.logger.WarnContext(s.ctx, E.Cause(err, "session ", id, ": read state"))
			continue
		}
		if bandwidth == 0 || state.Bandwidth == 0 {
			continue
		}
		s.send(sess, protocol.MessageAllowed, protocol.BandwidthStatePair{
			Bandwidth: bandwidth,
			NodeState: state,
		})
	}
	s.metrics.ObserveBroadcast()
	s.logger.TraceContext(s.ctx, "allowed broadcast to ", len(ids), " sessions")
}

func (s *Service) retainSource(sess *session) {
	if s.aqm == nil || !sess.source.IsValid() {
		return
	}
	sess.retained = true
	s.sources[sess.source]++
	if s.sources[sess.source] == 1 {
		s.aqm.Tx.SetAllowedSource(sess.source)
	}
}

func (s *Service) releaseSource(sess *session) {
	if !sess.retained {
		return
	}
	sess.retained = false
	s.sources[sess.source]--
	if s.sources[sess.source] <= 0 {
		delete(s.sources, sess.source)
		s.aqm.Tx.RemoveSource(sess.source)
	}
}
