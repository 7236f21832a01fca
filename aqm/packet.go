package aqm

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Packet is the read-only view of the IP and TCP headers the queues act on.
type Packet struct {
	Source      netip.Addr
	Destination netip.Addr
	TCP         bool
	Flags       header.TCPFlags
	Sequence    uint32
	Ack         uint32
	// TCP timestamp option, valid when HasTimestamp is set
	HasTimestamp bool
	TSVal        uint32
	TSEcr        uint32
	Size         int
}

func (p Packet) IsSYN() bool {
	return p.TCP && p.Flags.Contains(header.TCPFlagSyn)
}

func (p Packet) IsACK() bool {
	return p.TCP && p.Flags.Contains(header.TCPFlagAck)
}

// ParsePacket reads the network and transport headers of a raw IPv4 or
// IPv6 packet. It never modifies the packet.
func ParsePacket(data []byte) (Packet, bool) {
	var (
		packet    Packet
		transport tcpip.TransportProtocolNumber
		payload   []byte
	)
	if len(data) == 0 {
		return packet, false
	}
	switch header.IPVersion(data) {
	case header.IPv4Version:
		ipv4 := header.IPv4(data)
		if !ipv4.IsValid(len(data)) {
			return packet, false
		}
		packet.Source = netip.AddrFrom4(ipv4.SourceAddress().As4())
		packet.Destination = netip.AddrFrom4(ipv4.DestinationAddress().As4())
		transport = ipv4.TransportProtocol()
		payload = ipv4.Payload()
	case header.IPv6Version:
		if len(data) < header.IPv6MinimumSize {
			return packet, false
		}
		ipv6 := header.IPv6(data)
		packet.Source = netip.AddrFrom16(ipv6.SourceAddress().As16())
		packet.Destination = netip.AddrFrom16(ipv6.DestinationAddress().As16())
		transport = ipv6.TransportProtocol()
		payload = data[header.IPv6MinimumSize:]
	default:
		return packet, false
	}
	packet.Size = len(data)
	if transport != header.TCPProtocolNumber {
		return packet, true
	}
	if len(payload) < header.TCPMinimumSize {
		return packet, false
	}
	tcp := header.TCP(payload)
	offset := int(tcp.DataOffset())
	if offset < header.TCPMinimumSize || offset > len(payload) {
		return packet, false
	}
	packet.TCP = true
	packet.Flags = tcp.Flags()
	packet.Sequence = tcp.SequenceNumber()
	packet.Ack = tcp.AckNumber()
	options := tcp.ParsedOptions()
	if options.TS {
		packet.HasTimestamp = true
		packet.TSVal = options.TSVal
		packet.TSEcr = options.TSEcr
	}
	return packet, true
}
