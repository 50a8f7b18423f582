/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package queue

import "sync"

// Waiter is a parked blocking reserve. The channel is buffered so delivery
// never blocks the dispatcher; exactly one job is ever sent on it.
type Waiter struct {
	conn  Reserver
	tubes []string
	ch    chan Job
}

// Job returns the channel a reservation is delivered on.
func (w *Waiter) Job() <-chan Job { return w.ch }

// Coordinator parks blocked reservers and retries them, earliest first, as
// ready events arrive. Events are queued in arrival order by the store
// (under its lock) and dispatched by a single goroutine, so wakeups follow
// the order jobs became ready.
type Coordinator struct {
	store *Store

	mu      sync.Mutex
	waiters []*Waiter

	evMu   sync.Mutex
	evCond *sync.Cond
	events []ReadyEvent
	closed bool
}

func NewCoordinator(store *Store) *Coordinator {
	c := &Coordinator{store: store}
	c.evCond = sync.NewCond(&c.evMu)
	store.SetReadyFunc(c.push)
	go c.run()
	return c
}

func (c *Coordinator) Close() {
	c.evMu.Lock()
	c.closed = true
	c.evMu.Unlock()
	c.evCond.Signal()
}

// push queues a ready event. Called by the store while it holds its own
// lock; must stay non-blocking.
func (c *Coordinator) push(ev ReadyEvent) {
	c.evMu.Lock()
	c.events = append(c.events, ev)
	c.evMu.Unlock()
	c.evCond.Signal()
}

func (c *Coordinator) run() {
	for {
		c.evMu.Lock()
		for len(c.events) == 0 && !c.closed {
			c.evCond.Wait()
		}
		if c.closed {
			c.evMu.Unlock()
			return
		}
		ev := c.events[0]
		c.events = c.events[1:]
		c.evMu.Unlock()
		c.dispatch(ev)
	}
}

// dispatch offers one newly ready job to the earliest parked waiter watching
// its tube. The reservation attempt runs against the waiter's whole watch
// list, so the waiter gets the best job available to it, which may be a
// higher-priority job from another watched tube.
func (c *Coordinator) dispatch(ev ReadyEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A waiter can be handed a job from another watched tube, leaving the
	// event's job still ready, so keep offering until an attempt fails or
	// nobody watches the tube.
	for {
		delivered := false
		for i, w := range c.waiters {
			if !watches(w.tubes, ev.Tube) {
				continue
			}
			job, ok := c.store.ReserveNext(w.conn, w.tubes)
			if !ok {
				// Consumed before we got here, or the tube is paused.
				return
			}
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.ch <- job
			delivered = true
			break
		}
		if !delivered {
			return
		}
	}
}

func watches(tubes []string, name string) bool {
	for _, t := range tubes {
		if t == name {
			return true
		}
	}
	return false
}

// Reserve tries for an immediate reservation and, failing that, parks a
// waiter with a snapshot of the connection's watch list. The try and the
// parking happen under the waiter lock, atomically with respect to dispatch:
// a job made ready between the failed attempt and the parking has its event
// still queued, and the dispatcher cannot drain it until the waiter is
// registered. Exactly one of the returns is meaningful; the waiter is nil
// when the job is.
func (c *Coordinator) Reserve(conn Reserver, tubes []string) (Job, *Waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.store.ReserveNext(conn, tubes); ok {
		return job, nil
	}
	w := &Waiter{
		conn:  conn,
		tubes: append([]string(nil), tubes...),
		ch:    make(chan Job, 1),
	}
	c.waiters = append(c.waiters, w)
	return Job{}, w
}

// Cancel removes a parked waiter. If a job was delivered concurrently with
// the cancellation it is returned; the caller owns the reservation either
// way.
func (c *Coordinator) Cancel(w *Waiter) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.waiters {
		if p == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return Job{}, false
		}
	}
	select {
	case job := <-w.ch:
		return job, true
	default:
		return Job{}, false
	}
}
