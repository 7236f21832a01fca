package allocation

import (
	"github.com/sagernet/sing-c2ml/protocol"
	E "github.com/sagernet/sing/common/exceptions"
)

// SessionID identifies a client session. It is allocated by the gateway at
// accept time and never dereferenced by the algorithms.
type SessionID uint64

var (
	ErrUnknownSession   = E.New("unknown session")
	ErrSessionExists    = E.New("session already registered")
	ErrInvalidBandwidth = E.New("invalid bandwidth")
	ErrInvariant        = E.New("allocation invariant violated")
)

type Mode string

const (
	ModeUnweighted Mode = "unweighted"
	ModeFC2AP      Mode = "fc2ap"
	ModeDyBRA      Mode = "dybra"
)

func (m Mode) IsValid() bool {
	return m == ModeUnweighted || m == ModeFC2AP || m == ModeDyBRA
}

// Protocol decides how much of a shared bottleneck each session may use.
//
// Errors wrapping ErrUnknownSession, ErrSessionExists or ErrInvalidBandwidth
// are caused by the peer and leave the aggregate state untouched.
type Protocol interface {
	Mode() Mode
	OnArrive(id SessionID) (protocol.BandwidthStatePair, error)
	OnLeave(id SessionID, last protocol.NodeState) error
	OnBandwidthChangeRequest(id SessionID, requested uint64, last protocol.NodeState) (protocol.BandwidthStatePair, error)
	Bandwidth(id SessionID) (uint64, error)
	State(id SessionID) (protocol.NodeState, error)
	// GoodBandwidth returns the aggregate bandwidth earmarked for GOOD sessions.
	GoodBandwidth() uint64
	// FairShare returns the bandwidth a single GOOD session currently receives.
	FairShare() uint64
	Sessions() int
}

func New(mode Mode, totalBandwidth uint64) (Protocol, error) {
	if totalBandwidth == 0 {
		return nil, E.Extend(ErrInvalidBandwidth, "total bandwidth must be positive")
	}
	switch mode {
	case ModeUnweighted, "":
		return NewUnweighted(totalBandwidth), nil
	case ModeFC2AP:
		return NewFC2AP(totalBandwidth), nil
	case ModeDyBRA:
		return NewDyBRA(totalBandwidth), nil
	default:
		return nil, E.New("unknown allocation mode: ", mode)
	}
}

// Allocation messages must never carry zero bandwidth.
func nonZero(bandwidth uint64) uint64 {
	if bandwidth == 0 {
		return 1
	}
	return bandwidth
}

func goodPair(share uint64) protocol.BandwidthStatePair {
	share = nonZero(share)
	return protocol.BandwidthStatePair{
		Bandwidth: share,
		NodeState: protocol.NodeState{State: protocol.StateGood, Bandwidth: share},
	}
}

func badPair(bandwidth uint64) protocol.BandwidthStatePair {
	bandwidth = nonZero(bandwidth)
	return protocol.BandwidthStatePair{
		Bandwidth: bandwidth,
		NodeState: protocol.NodeState{State: protocol.StateBad, Bandwidth: bandwidth},
	}
}
