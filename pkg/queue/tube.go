/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package queue

import (
	"sort"
	"time"
)

// DefaultTube always exists and is never removed.
const DefaultTube = "default"

// tube is a named queue. The ready list holds job ids sorted by
// (pri ascending, insertion order); delayed is unordered (the timer heap
// owns the schedule); buried is FIFO. All access is under the store lock.
type tube struct {
	name    string
	ready   []uint64
	delayed map[uint64]struct{}
	buried  []uint64

	pausedUntil time.Time
	pauseLen    time.Duration
	pauseEpoch  uint64

	// reserved jobs still belong to their tube; it must outlive them.
	reserved int

	// reference counts from connections; a tube other than default is
	// dropped once empty and unreferenced.
	using    int
	watching int
	waiting  int

	totalJobs    uint64
	cmdDelete    uint64
	cmdPauseTube uint64
}

func newTube(name string) *tube {
	return &tube{
		name:    name,
		delayed: make(map[uint64]struct{}),
	}
}

// insertReady places id at the tail of its priority band: binary search to
// the band, then a linear scan past equal priorities so equal-pri jobs stay
// FIFO.
func (t *tube) insertReady(jobs map[uint64]*Job, id uint64) {
	pri := jobs[id].Pri
	i := sort.Search(len(t.ready), func(i int) bool {
		return jobs[t.ready[i]].Pri >= pri
	})
	for i < len(t.ready) && jobs[t.ready[i]].Pri == pri {
		i++
	}
	t.ready = append(t.ready, 0)
	copy(t.ready[i+1:], t.ready[i:])
	t.ready[i] = id
}

func (t *tube) removeReady(id uint64) bool {
	for i, r := range t.ready {
		if r == id {
			t.ready = append(t.ready[:i], t.ready[i+1:]...)
			return true
		}
	}
	return false
}

func (t *tube) removeBuried(id uint64) bool {
	for i, b := range t.buried {
		if b == id {
			t.buried = append(t.buried[:i], t.buried[i+1:]...)
			return true
		}
	}
	return false
}

func (t *tube) paused(now time.Time) bool {
	return now.Before(t.pausedUntil)
}

func (t *tube) pauseTimeLeft(now time.Time) int64 {
	if !t.paused(now) {
		return 0
	}
	return int64(t.pausedUntil.Sub(now) / time.Second)
}

func (t *tube) empty() bool {
	return len(t.ready) == 0 && len(t.delayed) == 0 && len(t.buried) == 0 &&
		t.reserved == 0
}

// idle reports whether the tube can be dropped: no jobs in any state,
// reserved included (totalReserved tracked by the caller), and no
// connection referencing it.
func (t *tube) unreferenced() bool {
	return t.using == 0 && t.watching == 0 && t.waiting == 0
}
