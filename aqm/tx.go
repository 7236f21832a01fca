package aqm

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sagernet/sing-c2ml/metrics"
	"github.com/sagernet/sing/common/logger"

	"github.com/gaissmai/bart"
)

const (
	maxOutstandingEchoes = 256
	// sources outside the allow-list are retired after this many quiet windows
	idleWindows = 4
)

type TxQueueOptions struct {
	Clock      Clock
	Limit      int
	InitialRTT time.Duration
	Logger     logger.Logger
	Metrics    *metrics.AQM
}

// TxQueue polices outgoing packets against the good-bandwidth threshold.
// SYN segments always pass and start tracking their source; a source that
// never joins the allow-list is dropped once it goes quiet. Other TCP
// segments pass only for allow-listed sources whose byte rate over the
// current RTT window is below the threshold.
type TxQueue struct {
	access        sync.Mutex
	clock         Clock
	logger        logger.Logger
	metrics       *metrics.AQM
	initialRTT    time.Duration
	queue         fifo[txPacket]
	allowed       bart.Table[struct{}]
	sources       map[netip.Addr]*sourceTracker
	goodBandwidth uint64
	stats         TxStats
	closed        bool
}

type txPacket struct {
	source netip.Addr
	data   []byte
}

type sourceTracker struct {
	rtt              rttEstimator
	minRTT           windowedMin
	windowBytes      uint64
	windowStart      time.Time
	rttAtWindowStart time.Duration
	timer            Timer
	lastSeen         time.Time
	// TSval -> first time it left the queue
	echoes map[uint32]time.Time
}

type TxStats struct {
	Queued        int
	Sources       int
	GoodBandwidth uint64
	Admitted      uint64
	Dropped       uint64
	Rejected      uint64
	Evicted       uint64
	Overflow      uint64
}

// SourceStats is the accounting snapshot of one tracked source.
type SourceStats struct {
	RTT              time.Duration
	RTTDeviation     time.Duration
	MinRTT           time.Duration
	WindowBytes      uint64
	WindowStart      time.Time
	RTTAtWindowStart time.Duration
}

func NewTxQueue(options TxQueueOptions) *TxQueue {
	if options.Clock == nil {
		options.Clock = DefaultClock{}
	}
	if options.Logger == nil {
		options.Logger = logger.NOP()
	}
	if options.InitialRTT <= 0 {
		options.InitialRTT = defaultInitialRTT
	}
	return &TxQueue{
		clock:      options.Clock,
		logger:     options.Logger,
		metrics:    options.Metrics,
		initialRTT: options.InitialRTT,
		queue:      newFIFO[txPacket](options.Limit),
		sources:    make(map[netip.Addr]*sourceTracker),
	}
}

// Enqueue decides whether the packet may leave and queues it if so.
func (q *TxQueue) Enqueue(data []byte) bool {
	packet, ok := ParsePacket(data)
	if !ok {
		q.metrics.ObservePacket("tx", metrics.VerdictMalformed)
		return false
	}
	q.access.Lock()
	defer q.access.Unlock()
	if q.closed {
		return false
	}
	entry := txPacket{source: packet.Source.Unmap(), data: data}
	if !packet.TCP {
		return q.push(entry)
	}
	if packet.IsSYN() {
		tracker := q.track(entry.source)
		tracker.lastSeen = q.clock.Now()
		q.recordEcho(tracker, packet)
		return q.push(entry)
	}
	if !q.allowed.Contains(entry.source) {
		q.stats.Rejected++
		q.metrics.ObservePacket("tx", metrics.VerdictRejected)
		return false
	}
	tracker := q.track(entry.source)
	tracker.lastSeen = q.clock.Now()
	q.recordEcho(tracker, packet)
	if q.admit(tracker, packet.Size) {
		return q.push(entry)
	}
	_, evicted := q.queue.RemoveFirst(func(queued txPacket) bool {
		return queued.source == entry.source
	})
	if !evicted {
		q.stats.Dropped++
		q.metrics.ObservePacket("tx", metrics.VerdictDropped)
		return false
	}
	q.stats.Evicted++
	q.metrics.ObservePacket("tx", metrics.VerdictEvicted)
	return q.push(entry)
}

// admit applies the rate rule and charges the window on success. A zero
// threshold means none has been configured yet.
func (q *TxQueue) admit(tracker *sourceTracker, size int) bool {
	if q.goodBandwidth > 0 {
		rate := float64(tracker.windowBytes) / tracker.rtt.RTT().Seconds()
		if rate >= float64(q.goodBandwidth) {
			return false
		}
	}
	tracker.windowBytes += uint64(size)
	return true
}

func (q *TxQueue) push(entry txPacket) bool {
	if !q.queue.Push(entry) {
		q.stats.Overflow++
		q.metrics.ObservePacket("tx", metrics.VerdictOverflow)
		return false
	}
	q.stats.Admitted++
	q.metrics.ObservePacket("tx", metrics.VerdictAdmitted)
	return true
}

func (q *TxQueue) Dequeue() ([]byte, bool) {
	q.access.Lock()
	defer q.access.Unlock()
	entry, ok := q.queue.Pop()
	return entry.data, ok
}

func (q *TxQueue) Len() int {
	q.access.Lock()
	defer q.access.Unlock()
	return q.queue.Len()
}

func (q *TxQueue) track(source netip.Addr) *sourceTracker {
	tracker, loaded := q.sources[source]
	if loaded {
		return tracker
	}
	tracker = &sourceTracker{
		rtt:    newRTTEstimator(q.initialRTT),
		minRTT: newWindowedMin(minRTTWindow),
		echoes: make(map[uint32]time.Time),
	}
	q.sources[source] = tracker
	q.startWindow(source, tracker)
	q.metrics.SetSources(len(q.sources))
	q.logger.Debug("aqm: tracking ", source)
	return tracker
}

func (q *TxQueue) startWindow(source netip.Addr, tracker *sourceTracker) {
	tracker.windowBytes = 0
	tracker.windowStart = q.clock.Now()
	tracker.rttAtWindowStart = tracker.rtt.RTT()
	tracker.timer = q.clock.AfterFunc(tracker.rttAtWindowStart, func() {
		q.resetWindow(source, tracker)
	})
}

func (q *TxQueue) resetWindow(source netip.Addr, tracker *sourceTracker) {
	q.access.Lock()
	defer q.access.Unlock()
	if q.closed || q.sources[source] != tracker {
		return
	}
	if !q.allowed.Contains(source) && q.clock.Now().Sub(tracker.lastSeen) >= idleWindows*tracker.rttAtWindowStart {
		q.retire(source, tracker)
		return
	}
	q.startWindow(source, tracker)
}

func (q *TxQueue) retire(source netip.Addr, tracker *sourceTracker) {
	tracker.timer.Stop()
	delete(q.sources, source)
	q.metrics.SetSources(len(q.sources))
	q.logger.Debug("aqm: retired ", source)
}

func (q *TxQueue) recordEcho(tracker *sourceTracker, packet Packet) {
	if !packet.HasTimestamp {
		return
	}
	if _, loaded := tracker.echoes[packet.TSVal]; loaded {
		return
	}
	now := q.clock.Now()
	if len(tracker.echoes) >= maxOutstandingEchoes {
		horizon := now.Add(-4 * tracker.rtt.RTT())
		for value, seen := range tracker.echoes {
			if seen.Before(horizon) {
				delete(tracker.echoes, value)
			}
		}
		if len(tracker.echoes) >= maxOutstandingEchoes {
			return
		}
	}
	tracker.echoes[packet.TSVal] = now
}

// TrackRcv takes an RTT sample from an acknowledgement travelling back to a
// tracked source. The ACK's destination is the data sender.
func (q *TxQueue) TrackRcv(ack Packet) {
	if !ack.IsACK() || !ack.HasTimestamp {
		return
	}
	q.access.Lock()
	defer q.access.Unlock()
	tracker, loaded := q.sources[ack.Destination.Unmap()]
	if !loaded {
		return
	}
	seen, loaded := tracker.echoes[ack.TSEcr]
	if !loaded {
		return
	}
	now := q.clock.Now()
	sample := now.Sub(seen)
	for value := range tracker.echoes {
		if int32(value-ack.TSEcr) <= 0 {
			delete(tracker.echoes, value)
		}
	}
	tracker.rtt.Update(sample)
	tracker.minRTT.Update(sample, now)
	q.metrics.ObserveRTT(sample)
}

func (q *TxQueue) SetAllowedSource(address netip.Addr) {
	address = address.Unmap()
	if !address.IsValid() {
		return
	}
	q.SetAllowedPrefix(netip.PrefixFrom(address, address.BitLen()))
}

func (q *TxQueue) SetAllowedPrefix(prefix netip.Prefix) {
	q.access.Lock()
	defer q.access.Unlock()
	q.allowed.Insert(prefix.Masked(), struct{}{})
}

// RemoveSource retires a source: it leaves the allow-list and its window
// timer is cancelled.
func (q *TxQueue) RemoveSource(address netip.Addr) {
	address = address.Unmap()
	if !address.IsValid() {
		return
	}
	q.access.Lock()
	defer q.access.Unlock()
	q.allowed.Delete(netip.PrefixFrom(address, address.BitLen()))
	tracker, loaded := q.sources[address]
	if !loaded {
		return
	}
	q.retire(address, tracker)
}

func (q *TxQueue) SetGoodBandwidth(bandwidth uint64) {
	q.access.Lock()
	defer q.access.Unlock()
	q.goodBandwidth = bandwidth
}

func (q *TxQueue) GoodBandwidth() uint64 {
	q.access.Lock()
	defer q.access.Unlock()
	return q.goodBandwidth
}

func (q *TxQueue) Stats() TxStats {
	q.access.Lock()
	defer q.access.Unlock()
	stats := q.stats
	stats.Queued = q.queue.Len()
	stats.Sources = len(q.sources)
	stats.GoodBandwidth = q.goodBandwidth
	return stats
}

func (q *TxQueue) SourceStats(address netip.Addr) (SourceStats, bool) {
	q.access.Lock()
	defer q.access.Unlock()
	tracker, loaded := q.sources[address.Unmap()]
	if !loaded {
		return SourceStats{}, false
	}
	return SourceStats{
		RTT:              tracker.rtt.RTT(),
		RTTDeviation:     tracker.rtt.Deviation(),
		MinRTT:           tracker.minRTT.Best(),
		WindowBytes:      tracker.windowBytes,
		WindowStart:      tracker.windowStart,
		RTTAtWindowStart: tracker.rttAtWindowStart,
	}, true
}

func (q *TxQueue) Close() error {
	q.access.Lock()
	defer q.access.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, tracker := range q.sources {
		tracker.timer.Stop()
	}
	q.sources = make(map[netip.Addr]*sourceTracker)
	q.metrics.SetSources(0)
	return nil
}
