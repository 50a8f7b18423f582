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

// JobStats is the stats-job response body. Field order is the wire order.
type JobStats struct {
	ID       uint64 `yaml:"id"`
	Tube     string `yaml:"tube"`
	State    string `yaml:"state"`
	Pri      uint32 `yaml:"pri"`
	Age      int64  `yaml:"age"`
	Delay    int64  `yaml:"delay"`
	TTR      int64  `yaml:"ttr"`
	TimeLeft int64  `yaml:"time-left"`
	File     int    `yaml:"file"`
	Reserves uint32 `yaml:"reserves"`
	Timeouts uint32 `yaml:"timeouts"`
	Releases uint32 `yaml:"releases"`
	Buries   uint32 `yaml:"buries"`
	Kicks    uint32 `yaml:"kicks"`
}

// TubeStats is the stats-tube response body.
type TubeStats struct {
	Name                string `yaml:"name"`
	CurrentJobsUrgent   int    `yaml:"current-jobs-urgent"`
	CurrentJobsReady    int    `yaml:"current-jobs-ready"`
	CurrentJobsReserved int    `yaml:"current-jobs-reserved"`
	CurrentJobsDelayed  int    `yaml:"current-jobs-delayed"`
	CurrentJobsBuried   int    `yaml:"current-jobs-buried"`
	TotalJobs           uint64 `yaml:"total-jobs"`
	CurrentUsing        int    `yaml:"current-using"`
	CurrentWaiting      int    `yaml:"current-waiting"`
	CurrentWatching     int    `yaml:"current-watching"`
	CmdDelete           uint64 `yaml:"cmd-delete"`
	CmdPauseTube        uint64 `yaml:"cmd-pause-tube"`
	Pause               int64  `yaml:"pause"`
	PauseTimeLeft       int64  `yaml:"pause-time-left"`
}

// Snapshot is a point-in-time view of the store for the stats verb and the
// metrics collector.
type Snapshot struct {
	JobsUrgent   int
	JobsReady    int
	JobsReserved int
	JobsDelayed  int
	JobsBuried   int
	TotalJobs    uint64
	JobTimeouts  uint64
	Tubes        int
	Waiting      int
	ReadyByTube  map[string]int
	Uptime       time.Duration
}

func (s *Store) StatsJob(id uint64) (JobStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobStats{}, false
	}
	now := time.Now()
	return JobStats{
		ID:       j.ID,
		Tube:     j.Tube,
		State:    j.State.String(),
		Pri:      j.Pri,
		Age:      int64(now.Sub(j.createdAt) / time.Second),
		Delay:    int64(j.delay / time.Second),
		TTR:      int64(j.TTR / time.Second),
		TimeLeft: j.timeLeft(now),
		Reserves: j.reserves,
		Timeouts: j.timeouts,
		Releases: j.releases,
		Buries:   j.buries,
		Kicks:    j.kicks,
	}, true
}

func (s *Store) StatsTube(name string) (TubeStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tubes[name]
	if !ok {
		return TubeStats{}, false
	}
	now := time.Now()
	urgent := 0
	for _, id := range t.ready {
		if s.jobs[id].urgent() {
			urgent++
		}
	}
	return TubeStats{
		Name:                t.name,
		CurrentJobsUrgent:   urgent,
		CurrentJobsReady:    len(t.ready),
		CurrentJobsReserved: t.reserved,
		CurrentJobsDelayed:  len(t.delayed),
		CurrentJobsBuried:   len(t.buried),
		TotalJobs:           t.totalJobs,
		CurrentUsing:        t.using,
		CurrentWaiting:      t.waiting,
		CurrentWatching:     t.watching,
		CmdDelete:           t.cmdDelete,
		CmdPauseTube:        t.cmdPauseTube,
		Pause:               int64(t.pauseLen / time.Second),
		PauseTimeLeft:       t.pauseTimeLeft(now),
	}, true
}

// ListTubes returns every live tube name in ascending order.
func (s *Store) ListTubes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tubes))
	for name := range s.tubes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		TotalJobs:   s.totalJobs,
		JobTimeouts: s.totalTimeouts,
		Tubes:       len(s.tubes),
		ReadyByTube: make(map[string]int, len(s.tubes)),
		Uptime:      time.Since(s.startedAt),
	}
	for name, t := range s.tubes {
		snap.JobsReady += len(t.ready)
		snap.JobsReserved += t.reserved
		snap.JobsDelayed += len(t.delayed)
		snap.JobsBuried += len(t.buried)
		snap.Waiting += t.waiting
		snap.ReadyByTube[name] = len(t.ready)
		for _, id := range t.ready {
			if s.jobs[id].urgent() {
				snap.JobsUrgent++
			}
		}
	}
	return snap
}
