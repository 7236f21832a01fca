package allocation

import (
	"cmp"
	"slices"
	"sync"

	"github.com/sagernet/sing-c2ml/protocol"
	E "github.com/sagernet/sing/common/exceptions"
)

var _ Protocol = (*FC2AP)(nil)

type fc2apSession struct {
	bandwidth uint64
	limited   bool
	// zero means the session never asked for anything and takes whatever
	// share the free pool gives it
	requested uint64
}

// FC2AP is the centralized, stateful allocator. Sessions that ask for less
// than the fair share are "limited" at their request, the rest of the link
// is split evenly between the remaining "free" sessions.
type FC2AP struct {
	access         sync.Mutex
	totalBandwidth uint64
	sessions       map[SessionID]*fc2apSession
	freeCount      int
	limitedCount   int
	sumLimitedBw   uint64
}

func NewFC2AP(totalBandwidth uint64) *FC2AP {
	return &FC2AP{
		totalBandwidth: totalBandwidth,
		sessions:       make(map[SessionID]*fc2apSession),
	}
}

func (f *FC2AP) Mode() Mode {
	return ModeFC2AP
}

func (f *FC2AP) freeShare() uint64 {
	return f.freeShareWith(f.freeCount, f.sumLimitedBw)
}

func (f *FC2AP) freeShareWith(freeCount int, sumLimitedBw uint64) uint64 {
	if sumLimitedBw >= f.totalBandwidth {
		return 0
	}
	available := f.totalBandwidth - sumLimitedBw
	if freeCount <= 0 {
		return available
	}
	return available / uint64(freeCount)
}

func (f *FC2AP) OnArrive(id SessionID) (protocol.BandwidthStatePair, error) {
	f.access.Lock()
	defer f.access.Unlock()
	if _, loaded := f.sessions[id]; loaded {
		return protocol.BandwidthStatePair{}, E.Extend(ErrSessionExists, id)
	}
	f.sessions[id] = &fc2apSession{}
	f.freeCount++
	f.redistribute()
	return f.pairOf(f.sessions[id]), nil
}

// OnLeave releases the session and hands its bandwidth back to the free
// pool. On pool underflow the counters are rebuilt from the session table
// and ErrInvariant is returned after the session has been removed.
func (f *FC2AP) OnLeave(id SessionID, _ protocol.NodeState) error {
	f.access.Lock()
	defer f.access.Unlock()
	session, loaded := f.sessions[id]
	if !loaded {
		return E.Extend(ErrUnknownSession, id)
	}
	delete(f.sessions, id)
	var err error
	if session.limited {
		if f.sumLimitedBw < session.bandwidth || f.limitedCount == 0 {
			err = E.Extend(ErrInvariant, "limited pool underflow on leave of ", id)
		}
		f.sumLimitedBw -= min(f.sumLimitedBw, session.bandwidth)
		f.limitedCount -= min(f.limitedCount, 1)
	} else {
		if f.freeCount == 0 {
			err = E.Extend(ErrInvariant, "free pool underflow on leave of ", id)
		}
		f.freeCount -= min(f.freeCount, 1)
	}
	if err != nil {
		f.recount()
	}
	f.redistribute()
	return err
}

// recount rebuilds the pool counters from the session table.
func (f *FC2AP) recount() {
	f.freeCount, f.limitedCount, f.sumLimitedBw = 0, 0, 0
	for _, session := range f.sessions {
		if session.limited {
			f.limitedCount++
			f.sumLimitedBw += session.bandwidth
		} else {
			f.freeCount++
		}
	}
}

func (f *FC2AP) OnBandwidthChangeRequest(id SessionID, requested uint64, _ protocol.NodeState) (protocol.BandwidthStatePair, error) {
	f.access.Lock()
	defer f.access.Unlock()
	session, loaded := f.sessions[id]
	if !loaded {
		return protocol.BandwidthStatePair{}, E.Extend(ErrUnknownSession, id)
	}
	if requested == 0 || requested > f.totalBandwidth {
		return protocol.BandwidthStatePair{}, E.Extend(ErrInvalidBandwidth, requested)
	}
	if !session.limited {
		if requested < f.freeShare() {
			f.limit(session, requested)
		} else {
			session.requested = requested
		}
	} else if requested > session.bandwidth {
		// would the session get more than it asks for if it rejoined the free pool
		share := f.freeShareWith(f.freeCount+1, f.sumLimitedBw-session.bandwidth)
		if requested >= share {
			f.sumLimitedBw -= session.bandwidth
			f.limitedCount--
			f.freeCount++
			session.limited = false
			session.requested = requested
		} else {
			f.sumLimitedBw += requested - session.bandwidth
			session.bandwidth = requested
			session.requested = requested
		}
	} else {
		f.sumLimitedBw -= session.bandwidth - requested
		session.bandwidth = requested
		session.requested = requested
	}
	f.redistribute()
	return f.pairOf(session), nil
}

func (f *FC2AP) limit(session *fc2apSession, bandwidth uint64) {
	session.limited = true
	session.bandwidth = bandwidth
	session.requested = bandwidth
	f.freeCount--
	f.limitedCount++
	f.sumLimitedBw += bandwidth
}

// redistribute hands the bandwidth not held by limited sessions to the free
// ones, limiting every free session whose request falls below the resulting
// share. Each limitation raises the share, so free sessions are visited in
// ascending request order and the loop stops at the first one that fits.
func (f *FC2AP) redistribute() {
	free := make([]*fc2apSession, 0, f.freeCount)
	for _, session := range f.sessions {
		if !session.limited {
			free = append(free, session)
		}
	}
	slices.SortFunc(free, func(a, b *fc2apSession) int {
		return cmp.Compare(a.requested, b.requested)
	})
	for _, session := range free {
		if session.requested == 0 || session.requested >= f.freeShare() {
			continue
		}
		f.limit(session, session.requested)
	}
	share := f.freeShare()
	for _, session := range f.sessions {
		if !session.limited {
			session.bandwidth = share
		}
	}
}

func (f *FC2AP) pairOf(session *fc2apSession) protocol.BandwidthStatePair {
	if session.limited {
		return badPair(session.bandwidth)
	}
	return goodPair(session.bandwidth)
}

func (f *FC2AP) Bandwidth(id SessionID) (uint64, error) {
	f.access.Lock()
	defer f.access.Unlock()
	session, loaded := f.sessions[id]
	if !loaded {
		return 0, E.Extend(ErrUnknownSession, id)
	}
	return nonZero(session.bandwidth), nil
}

func (f *FC2AP) State(id SessionID) (protocol.NodeState, error) {
	f.access.Lock()
	defer f.access.Unlock()
	session, loaded := f.sessions[id]
	if !loaded {
		return protocol.NodeState{}, E.Extend(ErrUnknownSession, id)
	}
	return f.pairOf(session).NodeState, nil
}

func (f *FC2AP) GoodBandwidth() uint64 {
	f.access.Lock()
	defer f.access.Unlock()
	return f.totalBandwidth - f.sumLimitedBw
}

func (f *FC2AP) FairShare() uint64 {
	f.access.Lock()
	defer f.access.Unlock()
	return f.freeShare()
}

func (f *FC2AP) Sessions() int {
	f.access.Lock()
	defer f.access.Unlock()
	return len(f.sessions)
}

// Counters returns the free/limited partition and the bandwidth held by
// limited sessions.
func (f *FC2AP) Counters() (freeCount int, limitedCount int, sumLimitedBw uint64) {
	f.access.Lock()
	defer f.access.Unlock()
	return f.freeCount, f.limitedCount, f.sumLimitedBw
}
