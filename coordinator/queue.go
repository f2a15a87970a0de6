package coordinator

import "github.com/forgecrew/foreman/task"

// queueItem is one ready task awaiting dispatch. seq breaks priority ties so
// equal-priority tasks dispatch in readiness order.
type queueItem struct {
	id       string
	priority task.Priority
	seq      uint64
	index    int
}

// readyQueue is a max-heap over priority, FIFO within a priority level.
// Callers hold the coordinator mutex; the heap itself is not synchronized.
type readyQueue []*queueItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
