package scheduler

import (
	"container/heap"
	"time"
)

// entryKey identifies one recurring unit of work: a check applied to a device.
type entryKey struct {
	Check    string
	DeviceID int64
}

// CheckDeadline is a lightweight entry in the priority queue.
// Only stores the key and deadline; device details are refreshed every tick.
type CheckDeadline struct {
	Check    string
	DeviceID int64
	Deadline time.Time
}

func (e *CheckDeadline) key() entryKey {
	return entryKey{Check: e.Check, DeviceID: e.DeviceID}
}

// DeadlineQueue implements heap.Interface as a min-heap ordered by Deadline.
type DeadlineQueue []*CheckDeadline

func (pq DeadlineQueue) Len() int { return len(pq) }

func (pq DeadlineQueue) Less(i, j int) bool {
	if pq[i].Deadline.Equal(pq[j].Deadline) {
		// Stable order for equal deadlines keeps batches reproducible.
		if pq[i].Check != pq[j].Check {
			return pq[i].Check < pq[j].Check
		}
		return pq[i].DeviceID < pq[j].DeviceID
	}
	return pq[i].Deadline.Before(pq[j].Deadline)
}

func (pq DeadlineQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *DeadlineQueue) Push(x any) {
	*pq = append(*pq, x.(*CheckDeadline))
}

func (pq *DeadlineQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	*pq = old[0 : n-1]
	return item
}

// Peek returns the item with minimum deadline without removing it.
// Returns nil if the queue is empty.
func (pq *DeadlineQueue) Peek() *CheckDeadline {
	if len(*pq) == 0 {
		return nil
	}
	return (*pq)[0]
}

// PopExpired removes and returns all entries with deadline <= now.
// Returns entries in deadline order (earliest first).
func (pq *DeadlineQueue) PopExpired(now time.Time) []*CheckDeadline {
	expired := make([]*CheckDeadline, 0)
	for pq.Len() > 0 {
		item := pq.Peek()
		if item.Deadline.After(now) {
			break
		}
		expired = append(expired, heap.Pop(pq).(*CheckDeadline))
	}
	return expired
}

// PushBatch adds multiple entries efficiently.
// Uses heap.Init() after appending all items - O(n) total instead of O(k log n) for k individual pushes.
func (pq *DeadlineQueue) PushBatch(entries []*CheckDeadline) {
	if len(entries) == 0 {
		return
	}
	*pq = append(*pq, entries...)
	heap.Init(pq)
}

// Filter keeps only entries for which keep returns true.
func (pq *DeadlineQueue) Filter(keep func(*CheckDeadline) bool) {
	kept := (*pq)[:0]
	for _, e := range *pq {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(*pq); i++ {
		(*pq)[i] = nil
	}
	*pq = kept
	heap.Init(pq)
}
