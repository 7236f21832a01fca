package allocation

import (
	"sync"

	"github.com/sagernet/sing-c2ml/protocol"
	E "github.com/sagernet/sing/common/exceptions"
)

var _ Protocol = (*Unweighted)(nil)

// Unweighted splits the total bandwidth evenly between all sessions,
// whatever they ask for. Requests only classify the session as GOOD or BAD.
type Unweighted struct {
	access         sync.Mutex
	totalBandwidth uint64
	// last requested bandwidth per session, zero until the first request
	requests map[SessionID]uint64
}

func NewUnweighted(totalBandwidth uint64) *Unweighted {
	return &Unweighted{
		totalBandwidth: totalBandwidth,
		requests:       make(map[SessionID]uint64),
	}
}

func (u *Unweighted) Mode() Mode {
	return ModeUnweighted
}

func (u *Unweighted) share() uint64 {
	if len(u.requests) == 0 {
		return u.totalBandwidth
	}
	return u.totalBandwidth / uint64(len(u.requests))
}

func (u *Unweighted) OnArrive(id SessionID) (protocol.BandwidthStatePair, error) {
	u.access.Lock()
	defer u.access.Unlock()
	if _, loaded := u.requests[id]; loaded {
		return protocol.BandwidthStatePair{}, E.Extend(ErrSessionExists, id)
	}
	u.requests[id] = 0
	return goodPair(u.share()), nil
}

func (u *Unweighted) OnLeave(id SessionID, _ protocol.NodeState) error {
	u.access.Lock()
	defer u.access.Unlock()
	if _, loaded := u.requests[id]; !loaded {
		return E.Extend(ErrUnknownSession, id)
	}
	delete(u.requests, id)
	return nil
}

func (u *Unweighted) OnBandwidthChangeRequest(id SessionID, requested uint64, _ protocol.NodeState) (protocol.BandwidthStatePair, error) {
	u.access.Lock()
	defer u.access.Unlock()
	if _, loaded := u.requests[id]; !loaded {
		return protocol.BandwidthStatePair{}, E.Extend(ErrUnknownSession, id)
	}
	if requested == 0 {
		return protocol.BandwidthStatePair{}, E.Extend(ErrInvalidBandwidth, "zero request")
	}
	u.requests[id] = requested
	share := nonZero(u.share())
	return protocol.BandwidthStatePair{
		Bandwidth: share,
		NodeState: u.classify(requested, share),
	}, nil
}

func (u *Unweighted) classify(requested uint64, share uint64) protocol.NodeState {
	if requested == 0 || requested >= share {
		return protocol.NodeState{State: protocol.StateGood, Bandwidth: share}
	}
	return protocol.NodeState{State: protocol.StateBad, Bandwidth: requested}
}

func (u *Unweighted) Bandwidth(id SessionID) (uint64, error) {
	u.access.Lock()
	defer u.access.Unlock()
	if _, loaded := u.requests[id]; !loaded {
		return 0, E.Extend(ErrUnknownSession, id)
	}
	return nonZero(u.share()), nil
}

func (u *Unweighted) State(id SessionID) (protocol.NodeState, error) {
	u.access.Lock()
	defer u.access.Unlock()
	requested, loaded := u.requests[id]
	if !loaded {
		return protocol.NodeState{}, E.Extend(ErrUnknownSession, id)
	}
	return u.classify(requested, nonZero(u.share())), nil
}

func (u *Unweighted) GoodBandwidth() uint64 {
	return u.totalBandwidth
}

func (u *Unweighted) FairShare() uint64 {
	u.access.Lock()
	defer u.access.Unlock()
	return u.share()
}

func (u *Unweighted) Sessions() int {
	u.access.Lock()
	defer u.access.Unlock()
	return len(u.requests)
}
