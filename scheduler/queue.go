package scheduler

import (
	"container/heap"
	"time"
)

// attemptQueue orders records by their next-attempt deadline. Guarded by
// the scheduler mutex; a record is in the queue at most once.
type attemptQueue struct {
	items  []*queueItem
	queued map[string]*queueItem
}

type queueItem struct {
	record *Record
	at     time.Time
	index  int
}

func newAttemptQueue() *attemptQueue {
	q := &attemptQueue{queued: map[string]*queueItem{}}
	heap.Init(q)
	return q
}

func (q *attemptQueue) Len() int { return len(q.items) }

func (q *attemptQueue) Less(i, j int) bool { return q.items[i].at.Before(q.items[j].at) }

func (q *attemptQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *attemptQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *attemptQueue) Pop() interface{} {
	item := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	item.index = -1
	return item
}

// schedule queues a record for an attempt at the given time, moving it
// earlier if it is already queued with a later deadline.
func (q *attemptQueue) schedule(record *Record, at time.Time) {
	if existing, ok := q.queued[record.name]; ok {
		if at.Before(existing.at) {
			existing.at = at
			heap.Fix(q, existing.index)
		}
		return
	}
	item := &queueItem{record: record, at: at}
	q.queued[record.name] = item
	heap.Push(q, item)
}

// peekAt returns the earliest deadline without removing it.
func (q *attemptQueue) peekAt() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// popDue removes and returns the earliest record if its deadline has
// passed.
func (q *attemptQueue) popDue(now time.Time) *Record {
	if len(q.items) == 0 || q.items[0].at.After(now) {
		return nil
	}
	item := heap.Pop(q).(*queueItem)
	delete(q.queued, item.record.name)
	return item.record
}

// remove drops a record from the queue, if present.
func (q *attemptQueue) remove(name string) {
	item, ok := q.queued[name]
	if !ok {
		return
	}
	heap.Remove(q, item.index)
	delete(q.queued, name)
}
