package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sagernet/sing/common"
	"github.com/sagernet/sing/common/buf"
	E "github.com/sagernet/sing/common/exceptions"
)

const (
	Magic0 = 0xDE
	Magic1 = 0xAD

	// MessageSize is the serialized size of every control message:
	// magic(2) + type(1) + bandwidth(8) + state(4) + state bandwidth(8) + timestamp(4).
	MessageSize = 27
)

var (
	ErrInvalidMagic   = E.New("invalid magic")
	ErrShortMessage   = E.New("short message")
	ErrZeroBandwidth  = E.New("zero bandwidth in allocation message")
	ErrUnknownMessage = E.New("unknown message type")
)

type MessageType uint8

const (
	MessageHello    MessageType = 0
	MessageBye      MessageType = 2
	MessageAckHello MessageType = 4
	MessageAckUsed  MessageType = 8
	MessageUsedSize MessageType = 16
	MessageAllowed  MessageType = 32
)

func (t MessageType) IsValid() bool {
	switch t {
	case MessageHello, MessageBye, MessageAckHello, MessageAckUsed, MessageUsedSize, MessageAllowed:
		return true
	default:
		return false
	}
}

// FromGateway reports whether messages of this type are only ever sent by the gateway.
func (t MessageType) FromGateway() bool {
	return t == MessageAckHello || t == MessageAckUsed || t == MessageAllowed
}

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "HELLO"
	case MessageBye:
		return "BYE"
	case MessageAckHello:
		return "ACK_HELLO"
	case MessageAckUsed:
		return "ACK_USED"
	case MessageUsedSize:
		return "USED_SIZE"
	case MessageAllowed:
		return "ALLOWED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

type State uint32

const (
	StateGood State = 0
	StateBad  State = 1
)

func (s State) String() string {
	switch s {
	case StateGood:
		return "GOOD"
	case StateBad:
		return "BAD"
	default:
		return fmt.Sprintf("STATE(%d)", uint32(s))
	}
}

// NodeState is the last known operating point of a client.
type NodeState struct {
	State     State
	Bandwidth uint64
}

func (s NodeState) String() string {
	return fmt.Sprintf("%s@%d", s.State, s.Bandwidth)
}

// BandwidthStatePair is the payload of every control message.
type BandwidthStatePair struct {
	Bandwidth uint64
	NodeState NodeState
}

type Message struct {
	Type      MessageType
	Payload   BandwidthStatePair
	Timestamp uint32
}

func (m Message) String() string {
	return fmt.Sprintf("%s bandwidth=%d state=%s ts=%d", m.Type, m.Payload.Bandwidth, m.Payload.NodeState, m.Timestamp)
}

// Validate checks invariants a well-formed message of its type must hold.
func (m Message) Validate() error {
	if !m.Type.IsValid() {
		return E.Extend(ErrUnknownMessage, m.Type)
	}
	if m.Type.FromGateway() && (m.Payload.Bandwidth == 0 || m.Payload.NodeState.Bandwidth == 0) {
		return E.Extend(ErrZeroBandwidth, m.Type)
	}
	return nil
}

func (m Message) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, Magic0, Magic1, byte(m.Type))
	b = binary.BigEndian.AppendUint64(b, m.Payload.Bandwidth)
	b = binary.BigEndian.AppendUint32(b, uint32(m.Payload.NodeState.State))
	b = binary.BigEndian.AppendUint64(b, m.Payload.NodeState.Bandwidth)
	b = binary.BigEndian.AppendUint32(b, m.Timestamp)
	return b, nil
}

func (m Message) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, MessageSize))
}

func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < MessageSize {
		return E.Extend(ErrShortMessage, len(data), " < ", MessageSize)
	}
	if data[0] != Magic0 || data[1] != Magic1 {
		return E.Extend(ErrInvalidMagic, fmt.Sprintf("%#02x%02x", data[0], data[1]))
	}
	m.Type = MessageType(data[2])
	m.Payload.Bandwidth = binary.BigEndian.Uint64(data[3:11])
	m.Payload.NodeState.State = State(binary.BigEndian.Uint32(data[11:15]))
	m.Payload.NodeState.Bandwidth = binary.BigEndian.Uint64(data[15:23])
	m.Timestamp = binary.BigEndian.Uint32(data[23:27])
	return nil
}

func WriteMessage(writer io.Writer, message Message) error {
	buffer := buf.NewSize(MessageSize)
	defer buffer.Release()
	common.Must(
		buffer.WriteByte(Magic0),
		buffer.WriteByte(Magic1),
		buffer.WriteByte(byte(message.Type)),
		binary.Write(buffer, binary.BigEndian, message.Payload.Bandwidth),
		binary.Write(buffer, binary.BigEndian, uint32(message.Payload.NodeState.State)),
		binary.Write(buffer, binary.BigEndian, message.Payload.NodeState.Bandwidth),
		binary.Write(buffer, binary.BigEndian, message.Timestamp),
	)
	return common.Error(writer.Write(buffer.Bytes()))
}

func ReadMessage(reader io.Reader) (*Message, error) {
	buffer := buf.NewSize(MessageSize)
	defer buffer.Release()
	_, err := buffer.ReadFullFrom(reader, MessageSize)
	if err != nil {
		return nil, err
	}
	var message Message
	err = message.UnmarshalBinary(buffer.Bytes())
	if err != nil {
		return nil, err
	}
	return &message, nil
}
