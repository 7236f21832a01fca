package aqm

import (
	"net/netip"
	"sync"

	"github.com/sagernet/sing-c2ml/metrics"
)

type RxQueueOptions struct {
	Limit        int
	LocalAddress netip.Addr
	Metrics      *metrics.AQM
}

// RxQueue is the inbound half of the AQM pair. It never polices; it feeds
// acknowledgements that pass through to its Tx friend for RTT sampling.
type RxQueue struct {
	access  sync.Mutex
	queue   fifo[[]byte]
	local   netip.Addr
	friend  *TxQueue
	metrics *metrics.AQM
}

func NewRxQueue(options RxQueueOptions) *RxQueue {
	return &RxQueue{
		queue:   newFIFO[[]byte](options.Limit),
		local:   options.LocalAddress.Unmap(),
		metrics: options.Metrics,
	}
}

func (q *RxQueue) SetLocalAddress(address netip.Addr) {
	q.access.Lock()
	defer q.access.Unlock()
	q.local = address.Unmap()
}

func (q *RxQueue) SetManagementFriend(friend *TxQueue) {
	q.access.Lock()
	defer q.access.Unlock()
	q.friend = friend
}

func (q *RxQueue) Enqueue(data []byte) bool {
	q.access.Lock()
	defer q.access.Unlock()
	if packet, ok := ParsePacket(data); ok && q.friend != nil && packet.IsACK() {
		if !q.local.IsValid() || packet.Destination.Unmap() != q.local {
			q.friend.TrackRcv(packet)
		}
	}
	if !q.queue.Push(data) {
		q.metrics.ObservePacket("rx", metrics.VerdictOverflow)
		return false
	}
	q.metrics.ObservePacket("rx", metrics.VerdictAdmitted)
	return true
}

func (q *RxQueue) Dequeue() ([]byte, bool) {
	q.access.Lock()
	defer q.access.Unlock()
	return q.queue.Pop()
}

func (q *RxQueue) Len() int {
	q.access.Lock()
	defer q.access.Unlock()
	return q.queue.Len()
}
