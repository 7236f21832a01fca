package gateway

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sagernet/sing-c2ml/allocation"
	"github.com/sagernet/sing-c2ml/aqm"
	"github.com/sagernet/sing-c2ml/metrics"
	"github.com/sagernet/sing-c2ml/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 3 * time.Second

func newTestService(t *testing.T, options ServiceOptions) *Service {
	t.Helper()
	if options.Mode == "" && options.Protocol == nil {
		options.Mode = allocation.ModeUnweighted
	}
	if options.TotalBandwidth == 0 {
		options.TotalBandwidth = 9000
	}
	service, err := NewService(options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, service.Close())
	})
	return service
}

type testClient struct {
	conn          net.Conn
	messages      chan protocol.Message
	closed        chan struct{}
	stop          chan struct{}
	lastTimestamp uint32
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	client := &testClient{
		conn:     conn,
		messages: make(chan protocol.Message, 128),
		closed:   make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go func() {
		defer close(client.closed)
		for {
			message, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			select {
			case client.messages <- *message:
			case <-client.stop:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(client.stop)
		conn.Close()
	})
	return client
}

func connect(t *testing.T, service *Service) *testClient {
	t.Helper()
	local, remote := net.Pipe()
	service.ServeConn(remote)
	return newTestClient(t, local)
}

func (c *testClient) write(t *testing.T, message protocol.Message) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(c.conn, message))
}

func (c *testClient) hello(t *testing.T) protocol.Message {
	t.Helper()
	c.write(t, protocol.Message{Type: protocol.MessageHello})
	return c.expect(t, protocol.MessageAckHello)
}

// next returns the next message and checks the gateway timestamps grow.
func (c *testClient) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case message := <-c.messages:
		require.Greater(t, message.Timestamp, c.lastTimestamp, "timestamps must grow")
		c.lastTimestamp = message.Timestamp
		require.NoError(t, message.Validate())
		return message
	case <-time.After(waitTimeout):
		t.Fatal("no message from gateway")
		return protocol.Message{}
	}
}

// expect skips ALLOWED notifications until a message of the given type.
func (c *testClient) expect(t *testing.T, messageType protocol.MessageType) protocol.Message {
	t.Helper()
	for {
		message := c.next(t)
		if message.Type == messageType {
			return message
		}
		require.Equal(t, protocol.MessageAllowed, message.Type, "unexpected %s", message)
	}
}

func (c *testClient) awaitAllowed(t *testing.T, bandwidth uint64) protocol.Message {
	t.Helper()
	for {
		message := c.expect(t, protocol.MessageAllowed)
		if message.Payload.Bandwidth == bandwidth {
			return message
		}
	}
}

func (c *testClient) requireClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		t.Fatal("gateway did not close the connection")
	}
}

func connectedBandwidths(service *Service) []uint64 {
	var bandwidths []uint64
	for _, info := range service.Sessions() {
		if info.Connected {
			bandwidths = append(bandwidths, info.Bandwidth)
		}
	}
	return bandwidths
}

func TestThreeClientsShareEvenly(t *testing.T) {
	registry := prometheus.NewRegistry()
	gatewayMetrics := metrics.NewGateway(registry)
	service := newTestService(t, ServiceOptions{Metrics: gatewayMetrics})

	clients := make([]*testClient, 3)
	for index, expected := range []uint64{9000, 4500, 3000} {
		clients[index] = connect(t, service)
		ack := clients[index].hello(t)
		assert.Equal(t, expected, ack.Payload.Bandwidth)
		assert.Equal(t, protocol.StateGood, ack.Payload.NodeState.State)
	}
	for _, client := range clients {
		client.awaitAllowed(t, 3000)
	}
	assert.Equal(t, []uint64{3000, 3000, 3000}, connectedBandwidths(service))
	assert.Equal(t, float64(3), testutil.ToFloat64(gatewayMetrics.Sessions))
	assert.Equal(t, float64(3000), testutil.ToFloat64(gatewayMetrics.FairShare))

	clients[0].write(t, protocol.Message{
		Type: protocol.MessageBye,
		Payload: protocol.BandwidthStatePair{
			NodeState: protocol.NodeState{State: protocol.StateGood, Bandwidth: 3000},
		},
	})
	clients[0].requireClosed(t)
	for _, client := range clients[1:] {
		client.awaitAllowed(t, 4500)
	}
	assert.Equal(t, []uint64{4500, 4500}, connectedBandwidths(service))
	assert.Equal(t, 2, service.Protocol().Sessions())
}

func TestUsedSize(t *testing.T) {
	service := newTestService(t, ServiceOptions{})
	first := connect(t, service)
	first.hello(t)
	second := connect(t, service)
	second.hello(t)

	first.write(t, protocol.Message{
		Type: protocol.MessageUsedSize,
		Payload: protocol.BandwidthStatePair{
			Bandwidth: 1000,
			NodeState: protocol.NodeState{State: protocol.StateGood, Bandwidth: 4500},
		},
	})
	ack := first.expect(t, protocol.MessageAckUsed)
	assert.Equal(t, uint64(4500), ack.Payload.Bandwidth)
	assert.Equal(t, protocol.NodeState{State: protocol.StateBad, Bandwidth: 1000}, ack.Payload.NodeState)

	// an invalid request is answered with the standing allocation
	first.write(t, protocol.Message{Type: protocol.MessageUsedSize})
	ack = first.expect(t, protocol.MessageAckUsed)
	assert.Equal(t, uint64(4500), ack.Payload.Bandwidth)
	assert.Equal(t, protocol.NodeState{State: protocol.StateBad, Bandwidth: 1000}, ack.Payload.NodeState)

	sessions := service.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, protocol.StateBad, sessions[0].State.State)
	assert.Equal(t, protocol.StateGood, sessions[1].State.State)
}

func TestProtocolViolations(t *testing.T) {
	hello := protocol.Message{Type: protocol.MessageHello}
	for name, frames := range map[string][]protocol.Message{
		"used before hello": {{Type: protocol.MessageUsedSize, Payload: protocol.BandwidthStatePair{Bandwidth: 10}}},
		"bye before hello":  {{Type: protocol.MessageBye}},
		"duplicate hello":   {hello, hello},
		"gateway message":   {{Type: protocol.MessageAllowed, Payload: protocol.BandwidthStatePair{Bandwidth: 1}}},
		"unknown message":   {{Type: 7}},
	} {
		t.Run(name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			gatewayMetrics := metrics.NewGateway(registry)
			service := newTestService(t, ServiceOptions{Metrics: gatewayMetrics})
			bystander := connect(t, service)
			bystander.hello(t)

			offender := connect(t, service)
			for _, frame := range frames {
				offender.write(t, frame)
			}
			offender.requireClosed(t)
			require.Eventually(t, func() bool {
				return len(service.Sessions()) == 1
			}, waitTimeout, 5*time.Millisecond)
			assert.Equal(t, float64(1), testutil.ToFloat64(gatewayMetrics.ProtocolErrors.WithLabelValues(name)))

			// the bystander keeps its session and its full share
			bystander.awaitAllowed(t, 9000)
			assert.Equal(t, []uint64{9000}, connectedBandwidths(service))
		})
	}
}

func TestInvalidMagic(t *testing.T) {
	service := newTestService(t, ServiceOptions{})
	client := connect(t, service)
	_, err := client.conn.Write(make([]byte, protocol.MessageSize))
	require.NoError(t, err)
	client.requireClosed(t)
	require.Eventually(t, func() bool {
		return len(service.Sessions()) == 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestPeerCloseReleasesAllocation(t *testing.T) {
	service := newTestService(t, ServiceOptions{Mode: allocation.ModeDyBRA})
	stayer := connect(t, service)
	stayer.hello(t)
	leaver := connect(t, service)
	leaver.hello(t)
	stayer.awaitAllowed(t, 4500)

	leaver.conn.Close()
	stayer.awaitAllowed(t, 9000)
	assert.Equal(t, 1, service.Protocol().Sessions())
}

type invariantOnLeave struct {
	allocation.Protocol
}

func (p invariantOnLeave) OnLeave(id allocation.SessionID, last protocol.NodeState) error {
	err := p.Protocol.OnLeave(id, last)
	if err != nil {
		return err
	}
	return allocation.ErrInvariant
}

func TestByeWithLeaveFailure(t *testing.T) {
	service := newTestService(t, ServiceOptions{
		Protocol: invariantOnLeave{allocation.NewDyBRA(9000)},
	})
	stayer := connect(t, service)
	stayer.hello(t)
	leaver := connect(t, service)
	ack := leaver.hello(t)
	stayer.awaitAllowed(t, 4500)

	leaver.write(t, protocol.Message{
		Type:    protocol.MessageBye,
		Payload: ack.Payload,
	})
	leaver.requireClosed(t)
	stayer.awaitAllowed(t, 9000)
	require.Len(t, service.Sessions(), 1)
	assert.Equal(t, 1, service.Protocol().Sessions())
}

func TestCloseStopsSessions(t *testing.T) {
	service, err := NewService(ServiceOptions{Mode: allocation.ModeFC2AP, TotalBandwidth: 9000})
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, service.Start(listener))
	assert.Equal(t, listener.Addr(), service.Addr())

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	client := newTestClient(t, conn)
	client.hello(t)

	require.NoError(t, service.Close())
	client.requireClosed(t)
	assert.Error(t, service.HealthCheck())
	assert.Empty(t, service.Sessions())
	assert.ErrorIs(t, service.Start(listener), ErrServiceClosed)
}

func dataPacket(source netip.Addr) []byte {
	data := make([]byte, header.IPv4MinimumSize+header.TCPMinimumSize+100)
	header.IPv4(data).Encode(&header.IPv4Fields{
		TotalLength: uint16(len(data)),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(source.As4()),
		DstAddr:     tcpip.AddrFrom4([4]byte{192, 0, 2, 10}),
	})
	header.TCP(data[header.IPv4MinimumSize:]).Encode(&header.TCPFields{
		SrcPort:    40000,
		DstPort:    443,
		DataOffset: header.TCPMinimumSize,
		Flags:      header.TCPFlagAck,
		WindowSize: 65535,
	})
	return data
}

func TestAQMWiring(t *testing.T) {
	tx := aqm.NewTxQueue(aqm.TxQueueOptions{})
	defer tx.Close()
	rx := aqm.NewRxQueue(aqm.RxQueueOptions{})
	queues := &AQM{Tx: tx, Rx: rx}
	service := newTestService(t, ServiceOptions{AQM: queues})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, service.Start(listener))
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), queues.LocalAddress)

	loopback := netip.MustParseAddr("127.0.0.1")
	require.False(t, tx.Enqueue(dataPacket(loopback)), "unknown sources are rejected")

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	client := newTestClient(t, conn)
	client.hello(t)
	assert.Equal(t, uint64(9000), tx.GoodBandwidth())
	require.True(t, tx.Enqueue(dataPacket(loopback)))

	// a second session from the same address keeps the source allowed
	conn2, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	second := newTestClient(t, conn2)
	second.hello(t)
	require.Eventually(t, func() bool {
		return tx.GoodBandwidth() == 4500
	}, waitTimeout, 5*time.Millisecond)
	conn2.Close()
	require.Eventually(t, func() bool {
		return tx.GoodBandwidth() == 9000
	}, waitTimeout, 5*time.Millisecond)
	require.True(t, tx.Enqueue(dataPacket(loopback)))

	conn.Close()
	require.Eventually(t, func() bool {
		return tx.Stats().Sources == 0
	}, waitTimeout, 5*time.Millisecond)
	require.False(t, tx.Enqueue(dataPacket(loopback)))
}
