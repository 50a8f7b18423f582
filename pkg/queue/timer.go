/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package queue

import (
	"container/heap"
	"sync"
	"time"
)

type timerKind uint8

const (
	timerDelay timerKind = iota
	timerTTR
	timerDeadlineSoon
	timerPause
)

// timerEntry is a scheduled transition. Entries are never removed early;
// the epoch is checked against the owning job (or tube pause) when the entry
// fires, so cancellation is a counter bump.
type timerEntry struct {
	at    time.Time
	kind  timerKind
	jobID uint64
	tube  string
	epoch uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// timers drives every scheduled transition from a single goroutine over one
// deadline heap.
type timers struct {
	mu   sync.Mutex
	h    timerHeap
	wake chan struct{}
	stop chan struct{}
	fire func(timerEntry)
}

func newTimers(fire func(timerEntry)) *timers {
	t := &timers{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		fire: fire,
	}
	go t.run()
	return t
}

func (t *timers) schedule(e timerEntry) {
	t.mu.Lock()
	heap.Push(&t.h, e)
	first := t.h[0] == e
	t.mu.Unlock()
	if first {
		t.poke()
	}
}

func (t *timers) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *timers) close() {
	close(t.stop)
}

func (t *timers) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		t.mu.Lock()
		var next time.Time
		if len(t.h) > 0 {
			next = t.h[0].at
		}
		now := time.Now()
		if !next.IsZero() && !next.After(now) {
			e := heap.Pop(&t.h).(timerEntry)
			t.mu.Unlock()
			t.fire(e)
			continue
		}
		t.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next.IsZero() {
			timer.Reset(time.Hour)
		} else {
			timer.Reset(next.Sub(now))
		}
		select {
		case <-timer.C:
		case <-t.wake:
		case <-t.stop:
			return
		}
	}
}
