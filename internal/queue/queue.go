// Package queue orders pending scrape work: priority accounts first, then
// the stalest accounts.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/williamDalston/social-media-scraper-sub002/internal/storage"
)

// Task is one pending or in-flight scrape of an account.
type Task struct {
	Account    storage.TrackedAccount
	Attempts   int
	Priority   int
	EnqueuedAt time.Time

	seq uint64
}

// Queue is a concurrency-safe priority queue with idempotent membership: an
// account that is queued or in flight cannot be enqueued again until Done is
// called for it.
type Queue struct {
	mu       sync.Mutex
	items    taskHeap
	members  map[string]struct{}
	inFlight map[string]struct{}
	seq      uint64
	now      func() time.Time
}

func New() *Queue {
	return &Queue{
		members:  make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// Enqueue adds account and reports whether it was added. It returns false if
// the account is already queued or in flight.
func (q *Queue) Enqueue(account storage.TrackedAccount) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.members[account.ID]; ok {
		return false
	}
	q.seq++
	t := &Task{
		Account:    account,
		Priority:   score(account),
		EnqueuedAt: q.now(),
		seq:        q.seq,
	}
	heap.Push(&q.items, t)
	q.members[account.ID] = struct{}{}
	return true
}

// Dequeue hands the next task to exactly one caller and marks it in flight.
// ok is false when nothing is queued.
func (q *Queue) Dequeue() (task *Task, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil, false
	}
	t := heap.Pop(&q.items).(*Task)
	q.inFlight[t.Account.ID] = struct{}{}
	return t, true
}

// Done releases an in-flight account so it may be enqueued again.
func (q *Queue) Done(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[accountID]; !ok {
		return
	}
	delete(q.inFlight, accountID)
	delete(q.members, accountID)
}

// Len returns the number of queued (not in-flight) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// InFlight returns the number of dequeued tasks not yet marked done.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

func score(a storage.TrackedAccount) int {
	if a.IsPriority {
		return 1
	}
	return 0
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	la, lb := a.Account.LastScrapedAt, b.Account.LastScrapedAt
	switch {
	case la == nil && lb != nil:
		return true
	case la != nil && lb == nil:
		return false
	case la != nil && lb != nil && !la.Equal(*lb):
		return la.Before(*lb)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
