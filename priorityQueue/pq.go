package priorityQueue

import (
	"container/heap"

	"github.com/google/netstack/tcpip/seqnum"

	"rudp-tcp-pa/chain"
)

// An EarlyArrivalPacket is a segment that arrived ahead of the receive point.
type EarlyArrivalPacket struct {
	SeqNum uint32       // first sequence number of the payload
	Index  int          // The index of the item in the heap
	Chain  *chain.Chain // payload, owned by the queue until popped
	Fin    bool
}

// End is the sequence number following the payload and the FIN
func (p *EarlyArrivalPacket) End() seqnum.Value {
	n := seqnum.Size(p.Chain.Len())
	if p.Fin {
		n++
	}
	return seqnum.Value(p.SeqNum).Add(n)
}

// A PriorityQueue implements heap.Interface and holds EarlyArrivalPackets
// ordered by sequence number, modulo 2^32.
type PriorityQueue []*EarlyArrivalPacket

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	// We want Pop to give us the lowest sequence number
	return seqnum.Value(pq[i].SeqNum).LessThan(seqnum.Value(pq[j].SeqNum))
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*EarlyArrivalPacket)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // don't stop the GC from reclaiming the item eventually
	item.Index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// Add queues a packet unless one starting at the same sequence number is
// already held; it reports whether the queue took ownership.
func (pq *PriorityQueue) Add(p *EarlyArrivalPacket) bool {
	for _, held := range *pq {
		if held.SeqNum == p.SeqNum {
			return false
		}
	}
	heap.Push(pq, p)
	return true
}

// Front returns the packet with the lowest sequence number without removing it
func (pq PriorityQueue) Front() *EarlyArrivalPacket {
	if len(pq) == 0 {
		return nil
	}
	return pq[0]
}

func (pq *PriorityQueue) PopFront() *EarlyArrivalPacket {
	return heap.Pop(pq).(*EarlyArrivalPacket)
}
