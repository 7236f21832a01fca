package gateway

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/sagernet/sing-c2ml/allocation"
	"github.com/sagernet/sing-c2ml/protocol"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
)

var (
	errDuplicateHello  = E.New("duplicate hello")
	errNotConnected    = E.New("message before hello")
	errGatewayMessage  = E.New("client sent a gateway message")
	errSendQueueFull   = E.New("send queue full")
	errUnknownMessage  = E.New("unknown message type")
	errAllocationState = E.New("allocation state corrupted")
)

type session struct {
	id     allocation.SessionID
	conn   net.Conn
	source netip.Addr
	send   chan protocol.Message
	done   chan struct{}

	closeOnce sync.Once

	// owned by the dispatch loop
	connected bool
	retained  bool
	removed   bool
}

func newSession(id allocation.SessionID, conn net.Conn) *session {
	return &session{
		id:     id,
		conn:   conn,
		source: M.SocksaddrFromNet(conn.RemoteAddr()).Addr.Unmap(),
		send:   make(chan protocol.Message, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Service) loopRead(sess *session) {
	defer s.routines.Done()
	for {
		message, err := protocol.ReadMessage(sess.conn)
		if err != nil {
			s.dispatch(func() {
				if errors.Is(err, protocol.ErrInvalidMagic) {
					s.violation(sess, "invalid magic", err)
				} else {
					s.disconnect(sess, err)
				}
			})
			return
		}
		s.metrics.ObserveMessage("in", message.Type.String())
		if !s.dispatch(func() {
			s.handleMessage(sess, *message)
		}) {
			return
		}
	}
}

func (s *Service) loopWrite(sess *session) {
	defer s.routines.Done()
	for {
		select {
		case message := <-sess.send:
			err := protocol.WriteMessage(sess.conn, message)
			if err != nil {
				sess.close()
				return
			}
			s.metrics.ObserveMessage("out", message.Type.String())
		case <-sess.done:
			return
		}
	}
}

// send stamps the message with the next gateway timestamp and queues it.
func (s *Service) send(sess *session, messageType protocol.MessageType, payload protocol.BandwidthStatePair) {
	s.timestamp++
	message := protocol.Message{
		Type:      messageType,
		Payload:   payload,
		Timestamp: s.timestamp,
	}
	select {
	case sess.send <- message:
	default:
		s.violation(sess, "slow consumer", errSendQueueFull)
	}
}

func (s *Service) handleMessage(sess *session, message protocol.Message) {
	if sess.removed {
		return
	}
	s.logger.TraceContext(s.ctx, "session ", sess.id, " <- ", message)
	switch message.Type {
	case protocol.MessageHello:
		s.handleHello(sess)
	case protocol.MessageBye:
		s.handleBye(sess, message)
	case protocol.MessageUsedSize:
		s.handleUsed(sess, message)
	case protocol.MessageAckHello, protocol.MessageAckUsed, protocol.MessageAllowed:
		s.violation(sess, "gateway message", E.Extend(errGatewayMessage, message.Type))
	default:
		s.violation(sess, "unknown message", E.Extend(errUnknownMessage, message.Type))
	}
}

func (s *Service) handleHello(sess *session) {
	if sess.connected {
		s.violation(sess, "duplicate hello", errDuplicateHello)
		return
	}
	pair, err := s.protocol.OnArrive(sess.id)
	if err != nil {
		s.violation(sess, "arrive", err)
		return
	}
	sess.connected = true
	s.retainSource(sess)
	s.logger.InfoContext(s.ctx, "session ", sess.id, " connected from ", sess.conn.RemoteAddr(), ", granted ", pair.Bandwidth)
	s.send(sess, protocol.MessageAckHello, pair)
	s.updateAllocation()
	s.scheduleNotify()
}

func (s *Service) handleBye(sess *session, message protocol.Message) {
	if !sess.connected {
		s.violation(sess, "bye before hello", E.Extend(errNotConnected, message.Type))
		return
	}
	s.leave(sess, message.Payload.NodeState)
	s.logger.InfoContext(s.ctx, "session ", sess.id, " said bye")
	s.remove(sess)
}

func (s *Service) handleUsed(sess *session, message protocol.Message) {
	if !sess.connected {
		s.violation(sess, "used before hello", E.Extend(errNotConnected, message.Type))
		return
	}
	pair, err := s.protocol.OnBandwidthChangeRequest(sess.id, message.Payload.Bandwidth, message.Payload.NodeState)
	switch {
	case err == nil:
	case errors.Is(err, allocation.ErrInvalidBandwidth):
		// keep the peer unblocked with its current allocation
		s.logger.WarnContext(s.ctx, E.Cause(err, "session ", sess.id, ": used ", message.Payload.Bandwidth))
		pair, err = s.currentAllocation(sess.id)
		if err != nil {
			s.violation(sess, "allocation", err)
			return
		}
	default:
		s.violation(sess, "allocation", err)
		return
	}
	s.logger.DebugContext(s.ctx, "session ", sess.id, " used ", message.Payload.Bandwidth, " -> ", pair.Bandwidth, " ", pair.NodeState)
	s.send(sess, protocol.MessageAckUsed, pair)
	s.updateAllocation()
	s.scheduleNotify()
}

func (s *Service) currentAllocation(id allocation.SessionID) (protocol.BandwidthStatePair, error) {
	bandwidth, err := s.protocol.Bandwidth(id)
	if err != nil {
		return protocol.BandwidthStatePair{}, err
	}
	state, err := s.protocol.State(id)
	if err != nil {
		return protocol.BandwidthStatePair{}, err
	}
	if bandwidth == 0 || state.Bandwidth == 0 {
		return protocol.BandwidthStatePair{}, errAllocationState
	}
	return protocol.BandwidthStatePair{Bandwidth: bandwidth, NodeState: state}, nil
}

// violation closes a non-conformant session. Other sessions are unaffected.
func (s *Service) violation(sess *session, reason string, err error) {
	if sess.removed {
		return
	}
	s.metrics.ObserveProtocolError(reason)
	s.logger.ErrorContext(s.ctx, E.Cause(err, "session ", sess.id, " from ", sess.conn.RemoteAddr(), ": ", reason))
	s.disconnect(sess, nil)
}

// disconnect handles a peer that went away without saying bye.
func (s *Service) disconnect(sess *session, err error) {
	if sess.removed {
		return
	}
	if err != nil {
		s.logger.DebugContext(s.ctx, E.Cause(err, "session ", sess.id, " closed"))
	}
	if sess.connected {
		state, err := s.protocol.State(sess.id)
		if err != nil {
			s.logger.ErrorContext(s.ctx, E.Cause(err, "session ", sess.id, ": leave"))
		}
		s.leave(sess, state)
	}
	s.remove(sess)
}

// leave releases the session's allocation. The allocator drops the session
// even when it reports ErrInvariant, so the failure is only logged.
func (s *Service) leave(sess *session, last protocol.NodeState) {
	sess.connected = false
	err := s.protocol.OnLeave(sess.id, last)
	if err == nil {
		return
	}
	if errors.Is(err, allocation.ErrInvariant) {
		s.logger.ErrorContext(s.ctx, E.Cause(err, "session ", sess.id, ": leave"))
	} else {
		s.logger.WarnContext(s.ctx, E.Cause(err, "session ", sess.id, ": leave"))
	}
}

func (s *Service) remove(sess *session) {
	sess.removed = true
	delete(s.sessions, sess.id)
	s.releaseSource(sess)
	sess.close()
	s.access.Lock()
	delete(s.conns, sess)
	s.access.Unlock()
	s.updateAllocation()
	s.scheduleNotify()
}
