/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package server

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/stalq/stalqd/pkg/protocol"
)

// Stats is the stats verb's response body, the canonical beanstalkd key set.
type Stats struct {
	CurrentJobsUrgent     int    `yaml:"current-jobs-urgent"`
	CurrentJobsReady      int    `yaml:"current-jobs-ready"`
	CurrentJobsReserved   int    `yaml:"current-jobs-reserved"`
	CurrentJobsDelayed    int    `yaml:"current-jobs-delayed"`
	CurrentJobsBuried     int    `yaml:"current-jobs-buried"`
	CmdPut                uint64 `yaml:"cmd-put"`
	CmdPeek               uint64 `yaml:"cmd-peek"`
	CmdPeekReady          uint64 `yaml:"cmd-peek-ready"`
	CmdPeekDelayed        uint64 `yaml:"cmd-peek-delayed"`
	CmdPeekBuried         uint64 `yaml:"cmd-peek-buried"`
	CmdReserve            uint64 `yaml:"cmd-reserve"`
	CmdReserveWithTimeout uint64 `yaml:"cmd-reserve-with-timeout"`
	CmdDelete             uint64 `yaml:"cmd-delete"`
	CmdRelease            uint64 `yaml:"cmd-release"`
	CmdUse                uint64 `yaml:"cmd-use"`
	CmdWatch              uint64 `yaml:"cmd-watch"`
	CmdIgnore             uint64 `yaml:"cmd-ignore"`
	CmdBury               uint64 `yaml:"cmd-bury"`
	CmdKick               uint64 `yaml:"cmd-kick"`
	CmdTouch              uint64 `yaml:"cmd-touch"`
	CmdStats              uint64 `yaml:"cmd-stats"`
	CmdStatsJob           uint64 `yaml:"cmd-stats-job"`
	CmdStatsTube          uint64 `yaml:"cmd-stats-tube"`
	CmdListTubes          uint64 `yaml:"cmd-list-tubes"`
	CmdListTubeUsed       uint64 `yaml:"cmd-list-tube-used"`
	CmdListTubesWatched   uint64 `yaml:"cmd-list-tubes-watched"`
	CmdPauseTube          uint64 `yaml:"cmd-pause-tube"`
	JobTimeouts           uint64 `yaml:"job-timeouts"`
	TotalJobs             uint64 `yaml:"total-jobs"`
	MaxJobSize            int    `yaml:"max-job-size"`
	CurrentTubes          int    `yaml:"current-tubes"`
	CurrentConnections    int    `yaml:"current-connections"`
	CurrentProducers      int    `yaml:"current-producers"`
	CurrentWorkers        int    `yaml:"current-workers"`
	CurrentWaiting        int64  `yaml:"current-waiting"`
	TotalConnections      uint64 `yaml:"total-connections"`
	Pid                   int    `yaml:"pid"`
	Version               string `yaml:"version"`
	Uptime                int64  `yaml:"uptime"`
	ID                    string `yaml:"id"`
	Hostname              string `yaml:"hostname"`
}

func (s *Server) serverStats() Stats {
	snap := s.store.Stats()

	s.mu.Lock()
	producers, workers := 0, 0
	for c := range s.conns {
		if c.producer {
			producers++
		}
		if c.worker {
			workers++
		}
	}
	st := Stats{
		CurrentJobsUrgent:     snap.JobsUrgent,
		CurrentJobsReady:      snap.JobsReady,
		CurrentJobsReserved:   snap.JobsReserved,
		CurrentJobsDelayed:    snap.JobsDelayed,
		CurrentJobsBuried:     snap.JobsBuried,
		CmdPut:                s.cmdCounts[protocol.OpPut],
		CmdPeek:               s.cmdCounts[protocol.OpPeek],
		CmdPeekReady:          s.cmdCounts[protocol.OpPeekReady],
		CmdPeekDelayed:        s.cmdCounts[protocol.OpPeekDelayed],
		CmdPeekBuried:         s.cmdCounts[protocol.OpPeekBuried],
		CmdReserve:            s.cmdCounts[protocol.OpReserve] + s.cmdCounts[protocol.OpReserveJob],
		CmdReserveWithTimeout: s.cmdCounts[protocol.OpReserveWithTimeout],
		CmdDelete:             s.cmdCounts[protocol.OpDelete],
		CmdRelease:            s.cmdCounts[protocol.OpRelease],
		CmdUse:                s.cmdCounts[protocol.OpUse],
		CmdWatch:              s.cmdCounts[protocol.OpWatch],
		CmdIgnore:             s.cmdCounts[protocol.OpIgnore],
		CmdBury:               s.cmdCounts[protocol.OpBury],
		CmdKick:               s.cmdCounts[protocol.OpKick] + s.cmdCounts[protocol.OpKickJob],
		CmdTouch:              s.cmdCounts[protocol.OpTouch],
		CmdStats:              s.cmdCounts[protocol.OpStats],
		CmdStatsJob:           s.cmdCounts[protocol.OpStatsJob],
		CmdStatsTube:          s.cmdCounts[protocol.OpStatsTube],
		CmdListTubes:          s.cmdCounts[protocol.OpListTubes],
		CmdListTubeUsed:       s.cmdCounts[protocol.OpListTubeUsed],
		CmdListTubesWatched:   s.cmdCounts[protocol.OpListTubesWatched],
		CmdPauseTube:          s.cmdCounts[protocol.OpPauseTube],
		JobTimeouts:           snap.JobTimeouts,
		TotalJobs:             snap.TotalJobs,
		MaxJobSize:            s.store.MaxJobSize(),
		CurrentTubes:          snap.Tubes,
		CurrentConnections:    len(s.conns),
		CurrentProducers:      producers,
		CurrentWorkers:        workers,
		TotalConnections:      s.totalConns,
		Pid:                   os.Getpid(),
		Version:               Version,
		Uptime:                int64(snap.Uptime / time.Second),
		ID:                    s.instanceID,
		Hostname:              s.hostname,
	}
	s.mu.Unlock()

	st.CurrentWaiting = atomic.LoadInt64(&s.waiting)
	return st
}
