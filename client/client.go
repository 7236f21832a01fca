// Package client is the per-node half of the bandwidth sharing protocol. It
// keeps one control connection to the gateway and spreads the bandwidth the
// gateway grants over the local flows.
package client

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/sagernet/sing-c2ml/metrics"
	"github.com/sagernet/sing-c2ml/protocol"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/logger"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"

	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultAckTimeout = 2 * time.Second
	DefaultMaxRetries = 3
)

var (
	errUnexpectedAck   = E.New("unexpected ack")
	errGatewayRequest  = E.New("gateway sent a client message")
	errMissingCapacity = E.New("missing capacity")
)

// BandwidthSetter is the hook of a local flow. It receives the flow's share
// in bytes per second.
type BandwidthSetter interface {
	SetBandwidth(bandwidth uint64)
}

type State uint8

const (
	StateNormal State = iota
	StateWaitingAck
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateWaitingAck:
		return "WAITING_ACK"
	default:
		return "UNKNOWN"
	}
}

type Options struct {
	Context       context.Context
	Logger        logger.ContextLogger
	Dialer        N.Dialer
	ServerAddress M.Socksaddr
	// Capacity is the local channel capacity in bytes per second.
	Capacity   uint64
	AckTimeout time.Duration
	// MaxRetries bounds how often the control connection is re-established
	// after a request went unanswered.
	MaxRetries int
	Metrics    *metrics.Client
}

type Client struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      logger.ContextLogger
	dialer      N.Dialer
	serverAddr  M.Socksaddr
	ackTimeout  time.Duration
	maxRetries  int
	metrics     *metrics.Client
	deadlines   *ttlcache.Cache[uint64, protocol.MessageType]
	unsubscribe func()
	routines    sync.WaitGroup

	access     sync.Mutex
	state      State
	capacity   uint64
	available  uint64
	nodeState  protocol.NodeState
	flows      []BandwidthSetter
	conn       net.Conn
	generation uint64
	dialing    bool
	joined     bool
	// last accepted gateway timestamp on the current connection
	lastTimestamp uint32
	buffered      []protocol.Message
	requestType   protocol.MessageType
	requestSent   time.Time
	pendingUsed   bool
	reported      uint64
	// deadline key of the outstanding request or reconnect, 0 if none
	pending   uint64
	nextKey   uint64
	retries   int
	exhausted bool
	closed    bool
}

func NewClient(options Options) (*Client, error) {
	if !options.ServerAddress.IsValid() {
		return nil, E.New("invalid server address: ", options.ServerAddress)
	}
	if options.Capacity == 0 {
		return nil, errMissingCapacity
	}
	if options.Context == nil {
		options.Context = context.Background()
	}
	if options.Logger == nil {
		options.Logger = logger.NOP()
	}
	if options.Dialer == nil {
		options.Dialer = N.SystemDialer
	}
	if options.AckTimeout <= 0 {
		options.AckTimeout = DefaultAckTimeout
	}
	if options.MaxRetries < 0 {
		options.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(options.Context)
	c := &Client{
		ctx:        ctx,
		cancel:     cancel,
		logger:     options.Logger,
		dialer:     options.Dialer,
		serverAddr: options.ServerAddress,
		ackTimeout: options.AckTimeout,
		maxRetries: options.MaxRetries,
		metrics:    options.Metrics,
		capacity:   options.Capacity,
		deadlines: ttlcache.New[uint64, protocol.MessageType](
			ttlcache.WithTTL[uint64, protocol.MessageType](options.AckTimeout),
			ttlcache.WithDisableTouchOnHit[uint64, protocol.MessageType](),
		),
	}
	c.unsubscribe = c.deadlines.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint64, protocol.MessageType]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		key := item.Key()
		c.routines.Add(1)
		go func() {
			defer c.routines.Done()
			c.handleDeadline(key)
		}()
	})
	c.routines.Add(1)
	go func() {
		defer c.routines.Done()
		c.deadlines.Start()
	}()
	return c, nil
}

func (c *Client) State() State {
	c.access.Lock()
	defer c.access.Unlock()
	return c.state
}

// Available returns the bandwidth this node may currently use.
func (c *Client) Available() uint64 {
	c.access.Lock()
	defer c.access.Unlock()
	return c.available
}

// NodeState returns the operating point last confirmed by the gateway.
func (c *Client) NodeState() protocol.NodeState {
	c.access.Lock()
	defer c.access.Unlock()
	return c.nodeState
}

// NotifyConnectionOpened registers a local flow. The first flow brings up
// the control connection.
func (c *Client) NotifyConnectionOpened(flow BandwidthSetter) {
	c.access.Lock()
	defer c.access.Unlock()
	if c.closed {
		return
	}
	c.flows = append(c.flows, flow)
	c.metrics.SetFlows(len(c.flows))
	if c.conn == nil && !c.dialing && c.pending == 0 && !c.exhausted {
		c.startConnectLocked()
	}
	c.pushShareLocked()
}

// NotifyConnectionClosed unregisters a local flow. The last one takes the
// control connection down with a BYE.
func (c *Client) NotifyConnectionClosed(flow BandwidthSetter) {
	c.access.Lock()
	defer c.access.Unlock()
	index := slices.Index(c.flows, flow)
	if index < 0 {
		return
	}
	c.flows = slices.Delete(c.flows, index, index+1)
	c.metrics.SetFlows(len(c.flows))
	if len(c.flows) > 0 {
		c.pushShareLocked()
		return
	}
	c.sendByeLocked()
	c.teardownLocked()
	c.retries = 0
	c.exhausted = false
	c.available = 0
	c.metrics.SetAvailable(0)
}

// CsiBwChange reports a new local channel capacity. A lower capacity takes
// effect at once; a higher one only after the gateway confirms it.
func (c *Client) CsiBwChange(capacity uint64) {
	c.access.Lock()
	defer c.access.Unlock()
	if c.closed {
		return
	}
	if capacity == 0 {
		c.logger.WarnContext(c.ctx, "ignoring zero channel capacity")
		return
	}
	c.capacity = capacity
	if capacity < c.available {
		c.available = capacity
		c.metrics.SetAvailable(capacity)
	}
	c.sendUsedLocked()
	c.pushShareLocked()
}

func (c *Client) Close() error {
	c.access.Lock()
	if c.closed {
		c.access.Unlock()
		return nil
	}
	c.closed = true
	c.sendByeLocked()
	c.teardownLocked()
	c.access.Unlock()

	c.cancel()
	c.deadlines.Stop()
	c.unsubscribe()
	c.routines.Wait()
	return nil
}

func (c *Client) startConnectLocked() {
	c.dialing = true
	c.routines.Add(1)
	go c.connect()
}

func (c *Client) connect() {
	defer c.routines.Done()
	conn, err := c.dialer.DialContext(c.ctx, N.NetworkTCP, c.serverAddr)
	c.access.Lock()
	defer c.access.Unlock()
	c.dialing = false
	if err != nil {
		if !c.closed {
			c.logger.ErrorContext(c.ctx, E.Cause(err, "dial gateway ", c.serverAddr))
			c.failLocked()
		}
		return
	}
	if c.closed || len(c.flows) == 0 {
		conn.Close()
		return
	}
	c.conn = conn
	c.generation++
	c.lastTimestamp = 0
	c.buffered = nil
	c.routines.Add(1)
	go c.loopRead(conn, c.generation)
	c.logger.InfoContext(c.ctx, "connected to gateway ", c.serverAddr)
	c.requestLocked(protocol.MessageHello, protocol.BandwidthStatePair{
		Bandwidth: c.capacity,
		NodeState: protocol.NodeState{State: protocol.StateGood, Bandwidth: c.capacity},
	})
}

func (c *Client) loopRead(conn net.Conn, generation uint64) {
	defer c.routines.Done()
	for {
		message, err := protocol.ReadMessage(conn)
		if err != nil {
			c.access.Lock()
			if generation == c.generation && !c.closed {
				if errors.Is(err, protocol.ErrInvalidMagic) {
					c.violationLocked(err)
				} else {
					c.logger.WarnContext(c.ctx, E.Cause(err, "gateway connection closed"))
					c.failLocked()
				}
			}
			c.access.Unlock()
			return
		}
		c.handleMessage(generation, *message)
	}
}

func (c *Client) handleMessage(generation uint64, message protocol.Message) {
	c.access.Lock()
	defer c.access.Unlock()
	if generation != c.generation || c.closed {
		return
	}
	if message.Timestamp < c.lastTimestamp {
		c.logger.TraceContext(c.ctx, "drop stale ", message)
		return
	}
	err := message.Validate()
	if err != nil {
		c.violationLocked(err)
		return
	}
	c.logger.TraceContext(c.ctx, "<- ", message)
	switch message.Type {
	case protocol.MessageAckHello, protocol.MessageAckUsed:
		c.handleAckLocked(message)
	case protocol.MessageAllowed:
		if c.state == StateWaitingAck {
			c.buffered = append(c.buffered, message)
			return
		}
		c.lastTimestamp = message.Timestamp
		c.applyLocked(message.Payload)
	default:
		c.violationLocked(E.Extend(errGatewayRequest, message.Type))
	}
}

func ackFor(request protocol.MessageType) protocol.MessageType {
	if request == protocol.MessageHello {
		return protocol.MessageAckHello
	}
	return protocol.MessageAckUsed
}

func (c *Client) handleAckLocked(message protocol.Message) {
	if c.state != StateWaitingAck || message.Type != ackFor(c.requestType) {
		c.violationLocked(E.Extend(errUnexpectedAck, message.Type, " in state ", c.state))
		return
	}
	c.lastTimestamp = message.Timestamp
	c.clearDeadlineLocked()
	c.metrics.ObserveAck(time.Since(c.requestSent))
	c.state = StateNormal
	c.retries = 0
	if message.Type == protocol.MessageAckHello {
		c.joined = true
		c.reported = 0
		c.pendingUsed = c.capacity < message.Payload.Bandwidth
	}
	c.applyLocked(message.Payload)
	buffered := c.buffered
	c.buffered = nil
	for _, allowed := range buffered {
		if allowed.Timestamp < c.lastTimestamp {
			c.logger.TraceContext(c.ctx, "drop stale ", allowed)
			continue
		}
		c.lastTimestamp = allowed.Timestamp
		c.applyLocked(allowed.Payload)
	}
	if c.pendingUsed {
		c.pendingUsed = false
		c.sendUsedLocked()
	}
}

func (c *Client) applyLocked(pair protocol.BandwidthStatePair) {
	c.nodeState = pair.NodeState
	c.available = min(pair.Bandwidth, c.capacity)
	c.metrics.SetAvailable(c.available)
	c.logger.DebugContext(c.ctx, "granted ", pair.Bandwidth, " ", pair.NodeState, ", available ", c.available)
	c.pushShareLocked()
}

func (c *Client) pushShareLocked() {
	if c.available == 0 || len(c.flows) == 0 {
		return
	}
	share := max(c.available/uint64(len(c.flows)), 1)
	for _, flow := range c.flows {
		flow.SetBandwidth(share)
	}
}

func (c *Client) sendUsedLocked() {
	if c.conn == nil || !c.joined {
		return
	}
	if c.state == StateWaitingAck {
		c.pendingUsed = true
		return
	}
	if c.capacity == c.reported {
		return
	}
	c.reported = c.capacity
	c.requestLocked(protocol.MessageUsedSize, protocol.BandwidthStatePair{
		Bandwidth: c.capacity,
		NodeState: c.nodeState,
	})
}

func (c *Client) sendByeLocked() {
	if c.conn == nil || !c.joined {
		return
	}
	err := c.writeLocked(protocol.MessageBye, protocol.BandwidthStatePair{
		Bandwidth: c.available,
		NodeState: c.nodeState,
	})
	if err != nil {
		c.logger.DebugContext(c.ctx, E.Cause(err, "send bye"))
		return
	}
	c.logger.InfoContext(c.ctx, "left gateway ", c.serverAddr)
}

// requestLocked sends a request that expects an ack and arms its deadline.
func (c *Client) requestLocked(messageType protocol.MessageType, payload protocol.BandwidthStatePair) {
	err := c.writeLocked(messageType, payload)
	if err != nil {
		c.logger.WarnContext(c.ctx, E.Cause(err, "send ", messageType))
		c.failLocked()
		return
	}
	c.state = StateWaitingAck
	c.requestType = messageType
	c.requestSent = time.Now()
	c.armDeadlineLocked(messageType)
}

func (c *Client) writeLocked(messageType protocol.MessageType, payload protocol.BandwidthStatePair) error {
	message := protocol.Message{Type: messageType, Payload: payload}
	err := protocol.WriteMessage(c.conn, message)
	if err != nil {
		return err
	}
	c.logger.TraceContext(c.ctx, "-> ", message)
	c.metrics.ObserveRequest(messageType.String())
	return nil
}

func (c *Client) armDeadlineLocked(messageType protocol.MessageType) {
	c.clearDeadlineLocked()
	c.nextKey++
	c.pending = c.nextKey
	c.deadlines.Set(c.pending, messageType, ttlcache.DefaultTTL)
}

func (c *Client) clearDeadlineLocked() {
	if c.pending == 0 {
		return
	}
	c.deadlines.Delete(c.pending)
	c.pending = 0
}

// handleDeadline fires when a request went unanswered or a reconnect is
// due.
func (c *Client) handleDeadline(key uint64) {
	c.access.Lock()
	defer c.access.Unlock()
	if c.closed || key != c.pending {
		return
	}
	c.pending = 0
	if c.conn != nil {
		c.logger.WarnContext(c.ctx, "no ack for ", c.requestType, " within ", c.ackTimeout)
	}
	c.teardownLocked()
	if len(c.flows) == 0 {
		return
	}
	if c.retries >= c.maxRetries {
		c.exhausted = true
		c.logger.ErrorContext(c.ctx, "gateway ", c.serverAddr, " unreachable after ", c.retries, " retries, keeping the last share of ", c.available)
		return
	}
	c.retries++
	c.metrics.ObserveRetry()
	c.logger.InfoContext(c.ctx, "reconnecting to gateway ", c.serverAddr, " (", c.retries, "/", c.maxRetries, ")")
	c.startConnectLocked()
}

func (c *Client) violationLocked(err error) {
	c.logger.ErrorContext(c.ctx, E.Cause(err, "gateway protocol violation"))
	c.failLocked()
}

// failLocked drops the control connection and schedules a reconnect.
func (c *Client) failLocked() {
	c.teardownLocked()
	if c.closed || len(c.flows) == 0 || c.exhausted {
		return
	}
	c.armDeadlineLocked(protocol.MessageHello)
}

func (c *Client) teardownLocked() {
	c.clearDeadlineLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.generation++
	c.state = StateNormal
	c.joined = false
	c.pendingUsed = false
	c.buffered = nil
}
