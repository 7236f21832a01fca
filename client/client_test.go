package client

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagernet/sing-c2ml/allocation"
	"github.com/sagernet/sing-c2ml/congestion"
	"github.com/sagernet/sing-c2ml/gateway"
	"github.com/sagernet/sing-c2ml/metrics"
	"github.com/sagernet/sing-c2ml/protocol"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 3 * time.Second

var (
	good9000       = protocol.NodeState{State: protocol.StateGood, Bandwidth: 9000}
	gatewayAddress = M.ParseSocksaddr("127.0.0.1:7000")
)

// fakeGateway is the far end of a piped control connection.
type fakeGateway struct {
	conn     net.Conn
	messages chan protocol.Message
	closed   chan struct{}
}

func newFakeGateway(t *testing.T, conn net.Conn) *fakeGateway {
	gateway := &fakeGateway{
		conn:     conn,
		messages: make(chan protocol.Message, 32),
		closed:   make(chan struct{}),
	}
	go func() {
		defer close(gateway.closed)
		for {
			message, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			gateway.messages <- *message
		}
	}()
	t.Cleanup(func() {
		conn.Close()
	})
	return gateway
}

func (g *fakeGateway) expect(t *testing.T, messageType protocol.MessageType) protocol.Message {
	t.Helper()
	select {
	case message := <-g.messages:
		require.Equal(t, messageType, message.Type, "got %s", message)
		return message
	case <-time.After(waitTimeout):
		t.Fatalf("no %s from client", messageType)
		return protocol.Message{}
	}
}

func (g *fakeGateway) reply(t *testing.T, messageType protocol.MessageType, bandwidth uint64, state protocol.NodeState, timestamp uint32) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(g.conn, protocol.Message{
		Type:      messageType,
		Payload:   protocol.BandwidthStatePair{Bandwidth: bandwidth, NodeState: state},
		Timestamp: timestamp,
	}))
}

func (g *fakeGateway) requireClosed(t *testing.T) {
	t.Helper()
	select {
	case <-g.closed:
	case <-time.After(waitTimeout):
		t.Fatal("control connection still open")
	}
}

type pipeDialer struct {
	t        *testing.T
	dials    atomic.Int32
	gateways chan *fakeGateway
}

func newPipeDialer(t *testing.T) *pipeDialer {
	return &pipeDialer{t: t, gateways: make(chan *fakeGateway, 8)}
}

func (d *pipeDialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	d.dials.Add(1)
	clientConn, serverConn := net.Pipe()
	d.gateways <- newFakeGateway(d.t, serverConn)
	return clientConn, nil
}

func (d *pipeDialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}

func (d *pipeDialer) accept(t *testing.T) *fakeGateway {
	t.Helper()
	select {
	case gateway := <-d.gateways:
		return gateway
	case <-time.After(waitTimeout):
		t.Fatal("client did not dial")
		return nil
	}
}

type recordingFlow struct {
	access  sync.Mutex
	history []uint64
}

func (f *recordingFlow) SetBandwidth(bandwidth uint64) {
	f.access.Lock()
	defer f.access.Unlock()
	f.history = append(f.history, bandwidth)
}

func (f *recordingFlow) Bandwidth() uint64 {
	f.access.Lock()
	defer f.access.Unlock()
	if len(f.history) == 0 {
		return 0
	}
	return f.history[len(f.history)-1]
}

func (f *recordingFlow) History() []uint64 {
	f.access.Lock()
	defer f.access.Unlock()
	return append([]uint64(nil), f.history...)
}

func newTestClient(t *testing.T, dialer *pipeDialer, options Options) *Client {
	t.Helper()
	options.Dialer = dialer
	options.ServerAddress = gatewayAddress
	if options.Capacity == 0 {
		options.Capacity = 20000
	}
	client, err := NewClient(options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client
}

func requireBandwidth(t *testing.T, flow *recordingFlow, bandwidth uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return flow.Bandwidth() == bandwidth
	}, waitTimeout, time.Millisecond, "flow bandwidth %d, want %d", flow.Bandwidth(), bandwidth)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{Capacity: 1000})
	require.Error(t, err)
	_, err = NewClient(Options{ServerAddress: gatewayAddress})
	require.ErrorIs(t, err, errMissingCapacity)
}

func TestHelloAndEvenShare(t *testing.T) {
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{})

	first := &recordingFlow{}
	client.NotifyConnectionOpened(first)
	gateway := dialer.accept(t)
	hello := gateway.expect(t, protocol.MessageHello)
	assert.Equal(t, uint64(20000), hello.Payload.Bandwidth)
	assert.Equal(t, StateWaitingAck, client.State())
	assert.Zero(t, first.Bandwidth())

	gateway.reply(t, protocol.MessageAckHello, 9000, good9000, 1)
	requireBandwidth(t, first, 9000)
	assert.Equal(t, StateNormal, client.State())
	assert.Equal(t, uint64(9000), client.Available())
	assert.Equal(t, good9000, client.NodeState())

	second := &recordingFlow{}
	client.NotifyConnectionOpened(second)
	assert.Equal(t, uint64(4500), first.Bandwidth())
	assert.Equal(t, uint64(4500), second.Bandwidth())
	assert.EqualValues(t, 1, dialer.dials.Load())

	client.NotifyConnectionClosed(second)
	assert.Equal(t, uint64(9000), first.Bandwidth())
}

func TestAllowedBufferedWhileWaitingAck(t *testing.T) {
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{})
	flow := &recordingFlow{}
	client.NotifyConnectionOpened(flow)
	gateway := dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)

	gateway.reply(t, protocol.MessageAllowed, 3000, protocol.NodeState{Bandwidth: 3000}, 5)
	gateway.reply(t, protocol.MessageAllowed, 6000, protocol.NodeState{Bandwidth: 6000}, 2)
	assert.Zero(t, flow.Bandwidth())
	gateway.reply(t, protocol.MessageAckHello, 9000, good9000, 1)

	requireBandwidth(t, flow, 3000)
	assert.Equal(t, []uint64{9000, 3000}, flow.History())
	assert.Equal(t, StateNormal, client.State())
}

func TestStaleMessageDropped(t *testing.T) {
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{})
	flow := &recordingFlow{}
	client.NotifyConnectionOpened(flow)
	gateway := dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)
	gateway.reply(t, protocol.MessageAckHello, 9000, good9000, 5)
	requireBandwidth(t, flow, 9000)

	gateway.reply(t, protocol.MessageAllowed, 1000, protocol.NodeState{Bandwidth: 1000}, 3)
	gateway.reply(t, protocol.MessageAllowed, 2000, protocol.NodeState{Bandwidth: 2000}, 6)
	requireBandwidth(t, flow, 2000)
	assert.Equal(t, []uint64{9000, 2000}, flow.History())

	// a stale ack does not complete the outstanding request
	client.CsiBwChange(5000)
	gateway.expect(t, protocol.MessageUsedSize)
	require.Equal(t, StateWaitingAck, client.State())
	gateway.reply(t, protocol.MessageAckUsed, 1000, protocol.NodeState{State: protocol.StateBad, Bandwidth: 1000}, 4)
	assert.Never(t, func() bool {
		return client.State() != StateWaitingAck
	}, 50*time.Millisecond, time.Millisecond)
	assert.Equal(t, uint64(2000), flow.Bandwidth())

	gateway.reply(t, protocol.MessageAckUsed, 9000, protocol.NodeState{State: protocol.StateBad, Bandwidth: 5000}, 7)
	require.Eventually(t, func() bool {
		return client.State() == StateNormal
	}, waitTimeout, time.Millisecond)
	requireBandwidth(t, flow, 5000)
	assert.NotContains(t, flow.History(), uint64(1000))
	assert.EqualValues(t, 1, dialer.dials.Load())
}

func TestCsiBwChangeDefersUsed(t *testing.T) {
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{})
	flow := &recordingFlow{}
	client.NotifyConnectionOpened(flow)
	gateway := dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)
	gateway.reply(t, protocol.MessageAckHello, 9000, good9000, 1)
	requireBandwidth(t, flow, 9000)

	client.CsiBwChange(5000)
	assert.Equal(t, uint64(5000), flow.Bandwidth())
	used := gateway.expect(t, protocol.MessageUsedSize)
	assert.Equal(t, uint64(5000), used.Payload.Bandwidth)
	assert.Equal(t, good9000, used.Payload.NodeState)
	assert.Equal(t, StateWaitingAck, client.State())

	// the second report waits for the first ack
	client.CsiBwChange(4000)
	assert.Equal(t, uint64(4000), flow.Bandwidth())

	bad5000 := protocol.NodeState{State: protocol.StateBad, Bandwidth: 5000}
	gateway.reply(t, protocol.MessageAckUsed, 9000, bad5000, 2)
	used = gateway.expect(t, protocol.MessageUsedSize)
	assert.Equal(t, uint64(4000), used.Payload.Bandwidth)
	assert.Equal(t, bad5000, used.Payload.NodeState)
	assert.Equal(t, uint64(4000), flow.Bandwidth())

	bad4000 := protocol.NodeState{State: protocol.StateBad, Bandwidth: 4000}
	gateway.reply(t, protocol.MessageAckUsed, 9000, bad4000, 3)
	require.Eventually(t, func() bool {
		return client.State() == StateNormal
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, bad4000, client.NodeState())

	// a raise is not trusted before the gateway confirms it
	client.CsiBwChange(12000)
	assert.Equal(t, uint64(4000), client.Available())
	gateway.expect(t, protocol.MessageUsedSize)
	gateway.reply(t, protocol.MessageAckUsed, 9000, good9000, 4)
	requireBandwidth(t, flow, 9000)

	// unchanged capacity is not reported again
	client.CsiBwChange(12000)
	assert.Equal(t, StateNormal, client.State())
}

func TestHelloAckTriggersUsedBelowGrant(t *testing.T) {
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{Capacity: 2000})
	flow := &recordingFlow{}
	client.NotifyConnectionOpened(flow)
	gateway := dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)
	gateway.reply(t, protocol.MessageAckHello, 9000, good9000, 1)
	used := gateway.expect(t, protocol.MessageUsedSize)
	assert.Equal(t, uint64(2000), used.Payload.Bandwidth)
	assert.Equal(t, uint64(2000), flow.Bandwidth())
}

func TestUnexpectedAckReconnects(t *testing.T) {
	registry := prometheus.NewRegistry()
	clientMetrics := metrics.NewClient(registry)
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{AckTimeout: 20 * time.Millisecond, Metrics: clientMetrics})
	flow := &recordingFlow{}
	client.NotifyConnectionOpened(flow)
	gateway := dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)
	gateway.reply(t, protocol.MessageAckHello, 9000, good9000, 1)
	requireBandwidth(t, flow, 9000)

	gateway.reply(t, protocol.MessageAckUsed, 9000, good9000, 2)
	gateway.requireClosed(t)

	gateway = dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)
	gateway.reply(t, protocol.MessageAckHello, 4500, protocol.NodeState{Bandwidth: 4500}, 1)
	requireBandwidth(t, flow, 4500)
	assert.Equal(t, float64(1), testutil.ToFloat64(clientMetrics.Retries))
	assert.Equal(t, float64(4500), testutil.ToFloat64(clientMetrics.Available))
}

func TestAckTimeoutRetriesAreBounded(t *testing.T) {
	registry := prometheus.NewRegistry()
	clientMetrics := metrics.NewClient(registry)
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{
		AckTimeout: 20 * time.Millisecond,
		MaxRetries: 2,
		Metrics:    clientMetrics,
	})
	client.NotifyConnectionOpened(&recordingFlow{})
	for range 3 {
		gateway := dialer.accept(t)
		gateway.expect(t, protocol.MessageHello)
		gateway.requireClosed(t)
	}
	require.Never(t, func() bool {
		return dialer.dials.Load() > 3
	}, 150*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(clientMetrics.Retries))
	assert.Equal(t, float64(3), testutil.ToFloat64(clientMetrics.Requests.WithLabelValues("HELLO")))
}

func TestLastFlowSendsBye(t *testing.T) {
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{})
	flows := []*recordingFlow{{}, {}}
	for _, flow := range flows {
		client.NotifyConnectionOpened(flow)
	}
	gateway := dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)
	gateway.reply(t, protocol.MessageAckHello, 9000, good9000, 1)
	requireBandwidth(t, flows[1], 4500)

	client.NotifyConnectionClosed(flows[0])
	client.NotifyConnectionClosed(flows[0])
	assert.Equal(t, uint64(9000), flows[1].Bandwidth())
	client.NotifyConnectionClosed(flows[1])
	bye := gateway.expect(t, protocol.MessageBye)
	assert.Equal(t, good9000, bye.Payload.NodeState)
	gateway.requireClosed(t)
	assert.Zero(t, client.Available())

	// the next flow starts a fresh control session
	client.NotifyConnectionOpened(flows[0])
	gateway = dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)
}

func TestGatewayRequestIsViolation(t *testing.T) {
	dialer := newPipeDialer(t)
	client := newTestClient(t, dialer, Options{AckTimeout: time.Minute})
	client.NotifyConnectionOpened(&recordingFlow{})
	gateway := dialer.accept(t)
	gateway.expect(t, protocol.MessageHello)
	gateway.reply(t, protocol.MessageHello, 9000, good9000, 1)
	gateway.requireClosed(t)
	assert.Equal(t, StateNormal, client.State())
}

func TestEndToEnd(t *testing.T) {
	service, err := gateway.NewService(gateway.ServiceOptions{
		Mode:           allocation.ModeUnweighted,
		TotalBandwidth: 9000,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		service.Close()
	})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, service.Start(listener))

	newClient := func() *Client {
		client, err := NewClient(Options{
			ServerAddress: M.SocksaddrFromNet(listener.Addr()),
			Capacity:      100000,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			client.Close()
		})
		return client
	}
	first, second := newClient(), newClient()
	firstFlow, secondFlow := congestion.NewPacer(0), congestion.NewPacer(0)
	first.NotifyConnectionOpened(firstFlow)
	require.Eventually(t, func() bool {
		return firstFlow.Bandwidth() == 9000
	}, waitTimeout, time.Millisecond)

	second.NotifyConnectionOpened(secondFlow)
	require.Eventually(t, func() bool {
		return firstFlow.Bandwidth() == 4500 && secondFlow.Bandwidth() == 4500
	}, waitTimeout, time.Millisecond)

	second.NotifyConnectionClosed(secondFlow)
	require.Eventually(t, func() bool {
		return firstFlow.Bandwidth() == 9000 && len(service.Sessions()) == 1
	}, waitTimeout, time.Millisecond)

	first.CsiBwChange(1000)
	require.Eventually(t, func() bool {
		return first.State() == StateNormal && first.NodeState().State == protocol.StateBad
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, uint64(1000), firstFlow.Bandwidth())
}
