// Package queue holds admitted jobs that are waiting for a worker.
package queue

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
)

// PriorityQueue yields queued jobs in strict (priority desc, created_at asc,
// id asc) order. Jobs waiting out a retry backoff stay members of the queue
// but are held in a delayed set until their NotBefore time passes.
//
// PriorityQueue is not safe for concurrent use; the scheduler serializes access.
type PriorityQueue struct {
	ready   jobHeap
	delayed map[uuid.UUID]*models.Job
	index   map[uuid.UUID]*entry
}

type entry struct {
	job *models.Job
	pos int
}

// New returns an empty queue.
func New() *PriorityQueue {
	return &PriorityQueue{
		delayed: make(map[uuid.UUID]*models.Job),
		index:   make(map[uuid.UUID]*entry),
	}
}

// Enqueue inserts a queued job. Jobs in any other state, or already present,
// are rejected.
func (q *PriorityQueue) Enqueue(job *models.Job) error {
	if job.State != models.JobStateQueued {
		return fmt.Errorf("enqueue job %s: state is %s, want %s", job.ID, job.State, models.JobStateQueued)
	}
	if q.Contains(job.ID) {
		return fmt.Errorf("enqueue job %s: already queued", job.ID)
	}
	if job.NotBefore != nil {
		q.delayed[job.ID] = job
		return nil
	}
	q.pushReady(job)
	return nil
}

// DequeueHighest removes and returns the highest-ordered job that is ready at
// now. It returns nil when no job is ready; it never blocks.
func (q *PriorityQueue) DequeueHighest(now time.Time) *models.Job {
	q.promote(now)
	if q.ready.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.ready).(*entry)
	delete(q.index, e.job.ID)
	return e.job
}

// Remove deletes a job before it is dequeued. It reports whether the job was present.
func (q *PriorityQueue) Remove(id uuid.UUID) bool {
	if _, ok := q.delayed[id]; ok {
		delete(q.delayed, id)
		return true
	}
	e, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.ready, e.pos)
	delete(q.index, id)
	return true
}

// Contains reports whether the job is queued (ready or delayed).
func (q *PriorityQueue) Contains(id uuid.UUID) bool {
	if _, ok := q.index[id]; ok {
		return true
	}
	_, ok := q.delayed[id]
	return ok
}

// Size returns the number of queued jobs, delayed ones included.
func (q *PriorityQueue) Size() int {
	return q.ready.Len() + len(q.delayed)
}

// NextReadyAt returns the earliest NotBefore among delayed jobs.
func (q *PriorityQueue) NextReadyAt() (time.Time, bool) {
	var next time.Time
	found := false
	for _, j := range q.delayed {
		if !found || j.NotBefore.Before(next) {
			next = *j.NotBefore
			found = true
		}
	}
	return next, found
}

// Snapshot returns every queued job, ready ones first in dequeue order.
func (q *PriorityQueue) Snapshot() []*models.Job {
	out := make([]*models.Job, 0, q.Size())
	tmp := make(jobHeap, len(q.ready))
	for i, e := range q.ready {
		tmp[i] = &entry{job: e.job, pos: i}
	}
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*entry).job)
	}
	for _, j := range q.delayed {
		out = append(out, j)
	}
	return out
}

func (q *PriorityQueue) pushReady(job *models.Job) {
	e := &entry{job: job}
	heap.Push(&q.ready, e)
	q.index[job.ID] = e
}

func (q *PriorityQueue) promote(now time.Time) {
	for id, j := range q.delayed {
		if j.NotBefore.After(now) {
			continue
		}
		delete(q.delayed, id)
		j.NotBefore = nil
		q.pushReady(j)
	}
}

// Less implements the strict total order used for dispatch.
func Less(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

type jobHeap []*entry

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return Less(h[i].job, h[j].job) }

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}
