package allocation

import (
	"sync"

	"github.com/sagernet/sing-c2ml/protocol"
	E "github.com/sagernet/sing/common/exceptions"
)

var _ Protocol = (*DyBRA)(nil)

// DyBRA is the distributed allocator. The gateway only keeps aggregate
// counters; every request carries the state the client was last granted.
//
// The per-session map only remembers the last grant so the gateway can
// answer Bandwidth/State queries and tell a replayed request from a new one.
type DyBRA struct {
	access         sync.Mutex
	totalBandwidth uint64
	nodes          uint64
	badNodes       uint64
	// Seff: bandwidth still available to GOOD nodes
	seff     uint64
	sessions map[SessionID]protocol.NodeState
}

func NewDyBRA(totalBandwidth uint64) *DyBRA {
	return &DyBRA{
		totalBandwidth: totalBandwidth,
		seff:           totalBandwidth,
		sessions:       make(map[SessionID]protocol.NodeState),
	}
}

func (d *DyBRA) Mode() Mode {
	return ModeDyBRA
}

func (d *DyBRA) fairShare() uint64 {
	good := d.nodes - d.badNodes
	if good == 0 {
		return d.seff
	}
	return d.seff / good
}

func (d *DyBRA) OnArrive(id SessionID) (protocol.BandwidthStatePair, error) {
	d.access.Lock()
	defer d.access.Unlock()
	if _, loaded := d.sessions[id]; loaded {
		return protocol.BandwidthStatePair{}, E.Extend(ErrSessionExists, id)
	}
	d.nodes++
	pair := goodPair(d.fairShare())
	d.sessions[id] = pair.NodeState
	return pair, nil
}

// OnLeave releases the session. The session is forgotten even when the
// aggregates turn out inconsistent: they are rebuilt from the remaining
// grants and ErrInvariant is returned.
func (d *DyBRA) OnLeave(id SessionID, last protocol.NodeState) error {
	d.access.Lock()
	defer d.access.Unlock()
	granted, loaded := d.sessions[id]
	if !loaded {
		return E.Extend(ErrUnknownSession, id)
	}
	last = d.reconcile(granted, last)
	delete(d.sessions, id)
	var err error
	switch {
	case d.nodes == 0:
		err = E.Extend(ErrInvariant, "no nodes on leave of ", id)
	case last.State != protocol.StateBad:
	case d.badNodes == 0:
		err = E.Extend(ErrInvariant, "no bad nodes on leave of ", id)
	case d.seff+last.Bandwidth > d.totalBandwidth:
		err = E.Extend(ErrInvariant, "Seff would exceed total bandwidth on leave of ", id)
	}
	if err != nil {
		d.recount()
		return err
	}
	if last.State == protocol.StateBad {
		d.seff += last.Bandwidth
		d.badNodes--
	}
	d.nodes--
	return nil
}

// recount rebuilds the aggregates from the last grant of every session.
func (d *DyBRA) recount() {
	d.nodes = uint64(len(d.sessions))
	d.badNodes = 0
	var badBandwidth uint64
	for _, granted := range d.sessions {
		if granted.State == protocol.StateBad {
			d.badNodes++
			badBandwidth += granted.Bandwidth
		}
	}
	d.seff = d.totalBandwidth - min(badBandwidth, d.totalBandwidth)
}

func (d *DyBRA) OnBandwidthChangeRequest(id SessionID, requested uint64, last protocol.NodeState) (protocol.BandwidthStatePair, error) {
	d.access.Lock()
	defer d.access.Unlock()
	granted, loaded := d.sessions[id]
	if !loaded {
		return protocol.BandwidthStatePair{}, E.Extend(ErrUnknownSession, id)
	}
	if requested == 0 || requested > d.totalBandwidth {
		return protocol.BandwidthStatePair{}, E.Extend(ErrInvalidBandwidth, requested)
	}
	last = d.reconcile(granted, last)
	var pair protocol.BandwidthStatePair
	if last.State == protocol.StateGood {
		if requested >= d.fairShare() {
			pair = goodPair(d.fairShare())
		} else {
			// GOOD -> BAD
			if requested >= d.seff || d.badNodes >= d.nodes {
				return protocol.BandwidthStatePair{}, E.Extend(ErrInvariant, "GOOD->BAD of ", id)
			}
			d.seff -= requested
			d.badNodes++
			pair = badPair(requested)
		}
	} else {
		previous := last.Bandwidth
		if d.badNodes == 0 || d.seff+previous > d.totalBandwidth {
			return protocol.BandwidthStatePair{}, E.Extend(ErrInvariant, "BAD session ", id, " not accounted")
		}
		// share the node would get by rejoining the good pool
		rejoinShare := (d.seff + previous) / (d.nodes - d.badNodes + 1)
		switch {
		case requested >= rejoinShare:
			// BAD -> GOOD
			d.seff += previous
			d.badNodes--
			pair = goodPair(d.fairShare())
		case requested < previous:
			// BAD -> worse
			d.seff += previous - requested
			pair = badPair(requested)
		default:
			// BAD -> improved, still BAD
			if requested-previous >= d.seff {
				return protocol.BandwidthStatePair{}, E.Extend(ErrInvariant, "Seff exhausted by ", id)
			}
			d.seff -= requested - previous
			pair = badPair(requested)
		}
	}
	d.sessions[id] = pair.NodeState
	return pair, nil
}

// reconcile prefers the recorded grant over the state carried by the
// request when the two disagree, so a duplicated or replayed request cannot
// apply the same transition twice.
func (d *DyBRA) reconcile(granted protocol.NodeState, carried protocol.NodeState) protocol.NodeState {
	if granted.State != carried.State {
		return granted
	}
	if granted.State == protocol.StateBad && granted.Bandwidth != carried.Bandwidth {
		return granted
	}
	return carried
}

func (d *DyBRA) Bandwidth(id SessionID) (uint64, error) {
	state, err := d.State(id)
	if err != nil {
		return 0, err
	}
	return state.Bandwidth, nil
}

func (d *DyBRA) State(id SessionID) (protocol.NodeState, error) {
	d.access.Lock()
	defer d.access.Unlock()
	granted, loaded := d.sessions[id]
	if !loaded {
		return protocol.NodeState{}, E.Extend(ErrUnknownSession, id)
	}
	if granted.State == protocol.StateGood {
		return goodPair(d.fairShare()).NodeState, nil
	}
	return granted, nil
}

// GoodBandwidth returns Seff.
func (d *DyBRA) GoodBandwidth() uint64 {
	d.access.Lock()
	defer d.access.Unlock()
	return d.seff
}

func (d *DyBRA) FairShare() uint64 {
	d.access.Lock()
	defer d.access.Unlock()
	return d.fairShare()
}

func (d *DyBRA) Sessions() int {
	d.access.Lock()
	defer d.access.Unlock()
	return len(d.sessions)
}

// Counters returns the node, bad node and Seff counters.
func (d *DyBRA) Counters() (nodes uint64, badNodes uint64, seff uint64) {
	d.access.Lock()
	defer d.access.Unlock()
	return d.nodes, d.badNodes, d.seff
}
