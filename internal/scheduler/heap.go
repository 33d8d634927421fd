package scheduler

// sendHeap orders armed sends by deadline, then by arming order.
// It implements container/heap.Interface.
type sendHeap []*ScheduledSend

func (h sendHeap) Len() int { return len(h) }

func (h sendHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h sendHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *sendHeap) Push(x any) {
	ss := x.(*ScheduledSend)
	ss.index = len(*h)
	*h = append(*h, ss)
}

func (h *sendHeap) Pop() any {
	old := *h
	n := len(old)
	ss := old[n-1]
	old[n-1] = nil
	ss.index = -1
	*h = old[:n-1]
	return ss
}
