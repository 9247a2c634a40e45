// SPDX-License-Identifier: MIT

// Package admission bounds the number of concurrently running jobs with
// a strict-FIFO queue. Tickets are cancellable: a waiter whose context
// ends is skipped when its turn comes and the next waiter is woken.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Hemanthkumar2k04/coderunner/internal/telemetry"
)

var (
	// ErrUnavailable is returned when the queue is configured with zero
	// capacity and can never admit anything.
	ErrUnavailable = errors.New("admission: service unavailable (maxConcurrent = 0)")

	// ErrCancelled is returned when the waiter's context ended before
	// admission.
	ErrCancelled = errors.New("admission: wait cancelled")
)

type waiterState int

const (
	waiting waiterState = iota
	granted
	abandoned
)

type waiter struct {
	ch    chan struct{}
	state waiterState
}

// Queue is the FIFO admission gate. active <= max always holds.
type Queue struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters []*waiter

	rec *telemetry.Recorder
}

// New builds a queue admitting at most max jobs at once.
func New(max int, rec *telemetry.Recorder) *Queue {
	return &Queue{max: max, rec: rec}
}

// Ticket is the right to run one job. Release returns the slot and wakes
// the next waiter; it is idempotent.
type Ticket struct {
	q        *Queue
	once     sync.Once
	Enqueued time.Time
	Admitted time.Time
}

// Admit blocks until a slot is free or ctx ends. Arrival order is
// admission order for non-cancelled waiters.
func (q *Queue) Admit(ctx context.Context) (*Ticket, error) {
	if q.max == 0 {
		return nil, ErrUnavailable
	}

	enqueued := time.Now()
	q.rec.JobQueued()

	q.mu.Lock()
	if q.active < q.max && len(q.waiters) == 0 {
		q.active++
		q.mu.Unlock()
		q.rec.JobAdmitted(0)
		return &Ticket{q: q, Enqueued: enqueued, Admitted: enqueued}, nil
	}

	w := &waiter{ch: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ch:
		admitted := time.Now()
		q.rec.JobAdmitted(admitted.Sub(enqueued))
		return &Ticket{q: q, Enqueued: enqueued, Admitted: admitted}, nil
	case <-ctx.Done():
		q.mu.Lock()
		if w.state == granted {
			// Lost the race: the slot was already handed over. Take the
			// ticket and release it so the next waiter runs.
			q.mu.Unlock()
			admitted := time.Now()
			q.rec.JobAdmitted(admitted.Sub(enqueued))
			t := &Ticket{q: q, Enqueued: enqueued, Admitted: admitted}
			t.Release()
			return nil, ErrCancelled
		}
		w.state = abandoned
		q.mu.Unlock()
		q.rec.JobDequeued()
		return nil, ErrCancelled
	}
}

// Release frees the ticket's slot. Safe to call more than once.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.q.release()
		t.q.rec.JobFinished()
	})
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Hand the slot to the oldest live waiter; abandoned waiters are
	// dropped without waking anyone else out of order.
	for len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		if w.state == abandoned {
			continue
		}
		w.state = granted
		close(w.ch)
		return
	}
	q.active--
}

// Active reports the number of admitted jobs.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Waiting reports the number of parked waiters, abandoned ones included.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
