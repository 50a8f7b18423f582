/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package queue

import (
	"sort"
	"sync"
	"time"
)

// Reserver is the store's handle on a reserving connection. DeadlineSoon and
// ReservationExpired are invoked from the timer service on their own
// goroutine; implementations must tolerate calls after the connection is
// gone.
type Reserver interface {
	ID() string
	DeadlineSoon(jobID uint64)
	ReservationExpired(jobID uint64)
}

// ReadyEvent announces that a job entered the ready state of a tube.
type ReadyEvent struct {
	Tube  string
	JobID uint64
}

type reserverState struct {
	r    Reserver
	jobs map[uint64]struct{}
}

// Store is the process-wide job store. A single mutex serializes every
// operation; nothing blocks while it is held. Ready events are emitted under
// the lock so their order matches the order jobs became ready — the onReady
// sink must not block and must not call back into the store.
type Store struct {
	mu            sync.Mutex
	tubes         map[string]*tube
	jobs          map[uint64]*Job
	reservers     map[string]*reserverState
	nextID        uint64
	totalJobs     uint64
	totalTimeouts uint64
	maxJobSize    int
	draining      bool
	startedAt     time.Time

	timers  *timers
	onReady func(ReadyEvent)
}

func NewStore(maxJobSize int) *Store {
	if maxJobSize <= 0 {
		maxJobSize = 65535
	}
	s := &Store{
		tubes:      map[string]*tube{DefaultTube: newTube(DefaultTube)},
		jobs:       make(map[uint64]*Job),
		reservers:  make(map[string]*reserverState),
		nextID:     1,
		maxJobSize: maxJobSize,
		startedAt:  time.Now(),
	}
	s.timers = newTimers(s.onTimer)
	return s
}

// SetReadyFunc installs the ready-event sink. Must be called before any
// connection is served.
func (s *Store) SetReadyFunc(f func(ReadyEvent)) { s.onReady = f }

func (s *Store) Close() { s.timers.close() }

func (s *Store) MaxJobSize() int { return s.maxJobSize }

func (s *Store) SetDraining(v bool) {
	s.mu.Lock()
	s.draining = v
	s.mu.Unlock()
}

func (s *Store) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Store) getTube(name string) *tube {
	t, ok := s.tubes[name]
	if !ok {
		t = newTube(name)
		s.tubes[name] = t
	}
	return t
}

// maybeDrop removes a tube once it holds no jobs in any state and no
// connection uses, watches, or waits on it. The default tube stays.
func (s *Store) maybeDrop(t *tube) {
	if t.name == DefaultTube {
		return
	}
	if t.empty() && t.unreferenced() {
		t.pauseEpoch++
		delete(s.tubes, t.name)
	}
}

func (s *Store) emitReady(t *tube, id uint64) {
	if s.onReady != nil {
		s.onReady(ReadyEvent{Tube: t.name, JobID: id})
	}
}

// makeReady transitions j into t's ready list and announces it. Caller has
// already detached j from its previous home.
func (s *Store) makeReady(j *Job, t *tube) {
	j.State = Ready
	t.insertReady(s.jobs, j.ID)
	s.emitReady(t, j.ID)
}

func ttrDuration(ttr uint32) time.Duration {
	if ttr == 0 {
		ttr = 1
	}
	return time.Duration(ttr) * time.Second
}

// Put creates a job in tube. Draining mode refuses new jobs.
func (s *Store) Put(tubeName string, pri, delay, ttr uint32, body []byte) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return 0, false
	}
	now := time.Now()
	t := s.getTube(tubeName)
	id := s.nextID
	s.nextID++
	j := &Job{
		ID:        id,
		Tube:      tubeName,
		Pri:       pri,
		TTR:       ttrDuration(ttr),
		Body:      body,
		createdAt: now,
		delay:     time.Duration(delay) * time.Second,
	}
	s.jobs[id] = j
	t.totalJobs++
	s.totalJobs++
	if delay > 0 {
		j.State = Delayed
		j.delayUntil = now.Add(j.delay)
		t.delayed[id] = struct{}{}
		s.timers.schedule(timerEntry{at: j.delayUntil, kind: timerDelay, jobID: id, epoch: j.epoch})
	} else {
		s.makeReady(j, t)
	}
	return id, true
}

// reserveLocked moves a job already detached from ready/delayed/buried into
// the reserved state and schedules its TTR and deadline-soon timers.
func (s *Store) reserveLocked(r Reserver, j *Job, t *tube, now time.Time) {
	j.State = Reserved
	j.reservedBy = r.ID()
	j.deadline = now.Add(j.TTR)
	j.deadlineWarned = false
	j.reserves++
	j.epoch++
	t.reserved++

	rs, ok := s.reservers[r.ID()]
	if !ok {
		rs = &reserverState{r: r, jobs: make(map[uint64]struct{})}
		s.reservers[r.ID()] = rs
	}
	rs.jobs[j.ID] = struct{}{}

	s.timers.schedule(timerEntry{at: j.deadline, kind: timerTTR, jobID: j.ID, epoch: j.epoch})
	s.timers.schedule(timerEntry{at: j.deadline.Add(-time.Second), kind: timerDeadlineSoon, jobID: j.ID, epoch: j.epoch})
}

// ReserveNext reserves the highest-priority ready job among the watched
// tubes. Ties within a tube are FIFO; across tubes the lowest tube name
// wins. Paused tubes are skipped.
func (s *Store) ReserveNext(r Reserver, watch []string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	names := append([]string(nil), watch...)
	sort.Strings(names)

	var best *Job
	var bestTube *tube
	for _, name := range names {
		t, ok := s.tubes[name]
		if !ok || t.paused(now) || len(t.ready) == 0 {
			continue
		}
		head := s.jobs[t.ready[0]]
		if best == nil || head.Pri < best.Pri {
			best, bestTube = head, t
		}
	}
	if best == nil {
		return Job{}, false
	}
	bestTube.ready = bestTube.ready[1:]
	s.reserveLocked(r, best, bestTube, now)
	return *best, true
}

// Held reports whether connID currently holds the reservation on id.
func (s *Store) Held(connID string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.reservers[connID]
	if !ok {
		return false
	}
	_, ok = rs.jobs[id]
	return ok
}

// ReserveByID reserves a specific job out of whatever non-reserved state it
// is in.
func (s *Store) ReserveByID(r Reserver, id uint64) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State == Reserved {
		return Job{}, false
	}
	t := s.tubes[j.Tube]
	switch j.State {
	case Ready:
		t.removeReady(id)
	case Delayed:
		delete(t.delayed, id)
	case Buried:
		t.removeBuried(id)
	}
	s.reserveLocked(r, j, t, time.Now())
	return *j, true
}

// detachReservation undoes the bookkeeping of reserveLocked without deciding
// the job's next state.
func (s *Store) detachReservation(j *Job, t *tube) {
	if rs, ok := s.reservers[j.reservedBy]; ok {
		delete(rs.jobs, j.ID)
	}
	j.reservedBy = ""
	j.epoch++
	t.reserved--
}

// Delete removes a job outright. A reserved job is only deletable by its
// reserver.
func (s *Store) Delete(connID string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	t := s.tubes[j.Tube]
	switch j.State {
	case Reserved:
		if j.reservedBy != connID {
			return false
		}
		s.detachReservation(j, t)
	case Ready:
		t.removeReady(id)
	case Delayed:
		delete(t.delayed, id)
	case Buried:
		t.removeBuried(id)
	}
	j.epoch++
	delete(s.jobs, id)
	t.cmdDelete++
	s.maybeDrop(t)
	return true
}

// Release moves a job the connection holds back to ready, or to delayed if
// delay is nonzero, with a new priority.
func (s *Store) Release(connID string, id uint64, pri, delay uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != Reserved || j.reservedBy != connID {
		return false
	}
	t := s.tubes[j.Tube]
	s.detachReservation(j, t)
	j.Pri = pri
	j.releases++
	if delay > 0 {
		now := time.Now()
		j.State = Delayed
		j.delay = time.Duration(delay) * time.Second
		j.delayUntil = now.Add(j.delay)
		t.delayed[id] = struct{}{}
		s.timers.schedule(timerEntry{at: j.delayUntil, kind: timerDelay, jobID: id, epoch: j.epoch})
	} else {
		s.makeReady(j, t)
	}
	return true
}

// Bury sets a reserved job aside on its tube's buried list.
func (s *Store) Bury(connID string, id uint64, pri uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != Reserved || j.reservedBy != connID {
		return false
	}
	t := s.tubes[j.Tube]
	s.detachReservation(j, t)
	j.Pri = pri
	j.State = Buried
	j.buries++
	t.buried = append(t.buried, id)
	return true
}

// Touch restarts the TTR clock of a job reserved by connID.
func (s *Store) Touch(connID string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != Reserved || j.reservedBy != connID {
		return false
	}
	j.deadline = time.Now().Add(j.TTR)
	j.epoch++
	s.timers.schedule(timerEntry{at: j.deadline, kind: timerTTR, jobID: id, epoch: j.epoch})
	if !j.deadlineWarned {
		s.timers.schedule(timerEntry{at: j.deadline.Add(-time.Second), kind: timerDeadlineSoon, jobID: id, epoch: j.epoch})
	}
	return true
}

// Kick moves up to bound buried jobs to ready, in burial order; with nothing
// buried it kicks delayed jobs instead, oldest schedule first.
func (s *Store) Kick(tubeName string, bound uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tubes[tubeName]
	if !ok {
		return 0
	}
	n := 0
	if len(t.buried) > 0 {
		for n < int(bound) && len(t.buried) > 0 {
			id := t.buried[0]
			t.buried = t.buried[1:]
			j := s.jobs[id]
			j.kicks++
			s.makeReady(j, t)
			n++
		}
		return n
	}
	ids := make([]uint64, 0, len(t.delayed))
	for id := range t.delayed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		return s.jobs[ids[a]].delayUntil.Before(s.jobs[ids[b]].delayUntil)
	})
	for _, id := range ids {
		if n >= int(bound) {
			break
		}
		delete(t.delayed, id)
		j := s.jobs[id]
		j.epoch++
		j.kicks++
		s.makeReady(j, t)
		n++
	}
	return n
}

// KickJob returns one buried or delayed job to ready.
func (s *Store) KickJob(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	t := s.tubes[j.Tube]
	switch j.State {
	case Buried:
		t.removeBuried(id)
	case Delayed:
		delete(t.delayed, id)
		j.epoch++
	default:
		return false
	}
	j.kicks++
	s.makeReady(j, t)
	return true
}

func (s *Store) Peek(id uint64) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (s *Store) PeekReady(tubeName string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tubes[tubeName]
	if !ok || len(t.ready) == 0 {
		return Job{}, false
	}
	return *s.jobs[t.ready[0]], true
}

func (s *Store) PeekDelayed(tubeName string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tubes[tubeName]
	if !ok {
		return Job{}, false
	}
	var next *Job
	for id := range t.delayed {
		j := s.jobs[id]
		if next == nil || j.delayUntil.Before(next.delayUntil) {
			next = j
		}
	}
	if next == nil {
		return Job{}, false
	}
	return *next, true
}

func (s *Store) PeekBuried(tubeName string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tubes[tubeName]
	if !ok || len(t.buried) == 0 {
		return Job{}, false
	}
	return *s.jobs[t.buried[0]], true
}

// PauseTube suspends reservations from an existing tube for delay seconds.
// New puts still land in it.
func (s *Store) PauseTube(tubeName string, delay uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tubes[tubeName]
	if !ok {
		return false
	}
	t.pauseLen = time.Duration(delay) * time.Second
	t.pausedUntil = time.Now().Add(t.pauseLen)
	t.pauseEpoch++
	t.cmdPauseTube++
	s.timers.schedule(timerEntry{at: t.pausedUntil, kind: timerPause, tube: tubeName, epoch: t.pauseEpoch})
	return true
}

// ReleaseConn releases every job the connection holds (original pri, no
// delay) and forgets the reserver. Called on disconnect.
func (s *Store) ReleaseConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.reservers[connID]
	if !ok {
		return
	}
	delete(s.reservers, connID)
	ids := make([]uint64, 0, len(rs.jobs))
	for id := range rs.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		j := s.jobs[id]
		t := s.tubes[j.Tube]
		j.reservedBy = ""
		j.epoch++
		t.reserved--
		s.makeReady(j, t)
		s.maybeDrop(t)
	}
}

// Tube reference counting. Tubes referenced only by a connection vanish when
// the last reference goes.

func (s *Store) Using(name string) {
	s.mu.Lock()
	s.getTube(name).using++
	s.mu.Unlock()
}

func (s *Store) StopUsing(name string) {
	s.mu.Lock()
	if t, ok := s.tubes[name]; ok {
		t.using--
		s.maybeDrop(t)
	}
	s.mu.Unlock()
}

func (s *Store) Watching(name string) {
	s.mu.Lock()
	s.getTube(name).watching++
	s.mu.Unlock()
}

func (s *Store) StopWatching(name string) {
	s.mu.Lock()
	if t, ok := s.tubes[name]; ok {
		t.watching--
		s.maybeDrop(t)
	}
	s.mu.Unlock()
}

func (s *Store) Waiting(names []string) {
	s.mu.Lock()
	for _, name := range names {
		s.getTube(name).waiting++
	}
	s.mu.Unlock()
}

func (s *Store) StopWaiting(names []string) {
	s.mu.Lock()
	for _, name := range names {
		if t, ok := s.tubes[name]; ok {
			t.waiting--
			s.maybeDrop(t)
		}
	}
	s.mu.Unlock()
}

// onTimer is the timer service's callback. The epoch check discards entries
// that were invalidated by delete, touch, bury, release, or disconnect.
func (s *Store) onTimer(e timerEntry) {
	switch e.kind {
	case timerDelay:
		s.mu.Lock()
		j, ok := s.jobs[e.jobID]
		if ok && j.epoch == e.epoch && j.State == Delayed {
			t := s.tubes[j.Tube]
			delete(t.delayed, j.ID)
			s.makeReady(j, t)
		}
		s.mu.Unlock()

	case timerTTR:
		s.mu.Lock()
		j, ok := s.jobs[e.jobID]
		if !ok || j.epoch != e.epoch || j.State != Reserved {
			s.mu.Unlock()
			return
		}
		var r Reserver
		if rs, ok := s.reservers[j.reservedBy]; ok {
			r = rs.r
		}
		t := s.tubes[j.Tube]
		s.detachReservation(j, t)
		j.timeouts++
		s.totalTimeouts++
		s.makeReady(j, t)
		s.mu.Unlock()
		if r != nil {
			// Network writes must not stall the timer loop.
			go r.ReservationExpired(e.jobID)
		}

	case timerDeadlineSoon:
		s.mu.Lock()
		j, ok := s.jobs[e.jobID]
		if !ok || j.epoch != e.epoch || j.State != Reserved || j.deadlineWarned {
			s.mu.Unlock()
			return
		}
		j.deadlineWarned = true
		var r Reserver
		if rs, ok := s.reservers[j.reservedBy]; ok {
			r = rs.r
		}
		s.mu.Unlock()
		if r != nil {
			go r.DeadlineSoon(e.jobID)
		}

	case timerPause:
		s.mu.Lock()
		t, ok := s.tubes[e.tube]
		if ok && t.pauseEpoch == e.epoch && len(t.ready) > 0 {
			// Wake parked reservers that were shut out by the pause.
			s.emitReady(t, t.ready[0])
		}
		s.mu.Unlock()
	}
}
