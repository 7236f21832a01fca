package congestion

import (
	"math/bits"
	"sync"
	"time"
)

const (
	maxBurstPackets               = 10
	maxBurstPacingDelayMultiplier = 4
	minPacingDelay                = time.Millisecond
	initMaxDatagramSize           = 1400
)

// Pacer implements a token bucket pacing algorithm whose rate is pushed in
// from outside through SetBandwidth. A zero bandwidth disables pacing.
type Pacer struct {
	access           sync.Mutex
	bandwidth        uint64 // in bytes/s
	budgetAtLastSent uint64
	maxDatagramSize  uint64
	lastSentTime     time.Time
	timeFunc         func() time.Time
}

func NewPacer(bandwidth uint64) *Pacer {
	return &Pacer{
		bandwidth:        bandwidth,
		budgetAtLastSent: maxBurstPackets * initMaxDatagramSize,
		maxDatagramSize:  initMaxDatagramSize,
		timeFunc:         time.Now,
	}
}

// SetBandwidth sets the pacing rate in bytes per second.
func (p *Pacer) SetBandwidth(bandwidth uint64) {
	p.access.Lock()
	defer p.access.Unlock()
	if !p.lastSentTime.IsZero() {
		// settle the budget earned at the old rate
		now := p.timeFunc()
		p.budgetAtLastSent = p.budget(now)
		p.lastSentTime = now
	}
	p.bandwidth = bandwidth
}

func (p *Pacer) Bandwidth() uint64 {
	p.access.Lock()
	defer p.access.Unlock()
	return p.bandwidth
}

func (p *Pacer) SentPacket(sendTime time.Time, size uint64) {
	p.access.Lock()
	defer p.access.Unlock()
	p.sentPacket(sendTime, size)
}

func (p *Pacer) sentPacket(sendTime time.Time, size uint64) {
	budget := p.budget(sendTime)
	if size > budget {
		p.budgetAtLastSent = 0
	} else {
		p.budgetAtLastSent = budget - size
	}
	p.lastSentTime = sendTime
}

func (p *Pacer) Budget(now time.Time) uint64 {
	p.access.Lock()
	defer p.access.Unlock()
	return p.budget(now)
}

func (p *Pacer) budget(now time.Time) uint64 {
	if p.lastSentTime.IsZero() {
		return p.maxBurstSize()
	}
	elapsed := now.Sub(p.lastSentTime)
	if elapsed < 0 {
		elapsed = 0
	}
	hi, lo := bits.Mul64(p.bandwidth, uint64(elapsed.Nanoseconds()))
	if hi >= 1e9 {
		return p.maxBurstSize()
	}
	earned, _ := bits.Div64(hi, lo, 1e9)
	budget := p.budgetAtLastSent + earned
	if budget < p.budgetAtLastSent { // protect against overflows
		budget = 1<<62 - 1
	}
	return min(p.maxBurstSize(), budget)
}

func (p *Pacer) maxBurstSize() uint64 {
	return max(
		uint64((maxBurstPacingDelayMultiplier*minPacingDelay).Nanoseconds())*p.bandwidth/1e9,
		maxBurstPackets*p.maxDatagramSize,
	)
}

// TimeUntilSend returns when the next packet should be sent.
// It returns the zero value of time.Time if a packet can be sent immediately.
func (p *Pacer) TimeUntilSend() time.Time {
	p.access.Lock()
	defer p.access.Unlock()
	return p.timeUntilSend(p.maxDatagramSize)
}

func (p *Pacer) timeUntilSend(size uint64) time.Time {
	if p.bandwidth == 0 || p.budgetAtLastSent >= size {
		return time.Time{}
	}
	diff := 1e9 * (size - p.budgetAtLastSent)
	// this is effectively a math.Ceil, but using only integer math
	d := diff / p.bandwidth
	if diff%p.bandwidth > 0 {
		d++
	}
	return p.lastSentTime.Add(max(minPacingDelay, time.Duration(d)))
}

// Wait blocks until size bytes fit in the budget and charges them, or until
// done is closed.
func (p *Pacer) Wait(done <-chan struct{}, size uint64) bool {
	for {
		p.access.Lock()
		if p.bandwidth == 0 {
			p.access.Unlock()
			return true
		}
		size = min(size, p.maxBurstSize())
		now := p.timeFunc()
		if p.budget(now) >= size {
			p.sentPacket(now, size)
			p.access.Unlock()
			return true
		}
		// re-base so the deadline is computed from the current budget
		p.budgetAtLastSent = p.budget(now)
		p.lastSentTime = now
		delay := p.timeUntilSend(size).Sub(now)
		p.access.Unlock()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-done:
			timer.Stop()
			return false
		}
	}
}

func (p *Pacer) SetMaxDatagramSize(s uint64) {
	p.access.Lock()
	defer p.access.Unlock()
	p.maxDatagramSize = s
}
