/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package queue

import "time"

// State is the single lifecycle slot a job occupies.
type State uint8

const (
	Delayed State = iota
	Ready
	Reserved
	Buried
)

func (s State) String() string {
	switch s {
	case Delayed:
		return "delayed"
	case Ready:
		return "ready"
	case Reserved:
		return "reserved"
	case Buried:
		return "buried"
	}
	return "unknown"
}

// UrgentPri is the threshold below which a ready job counts as urgent.
const UrgentPri = 1024

// Job is a queued unit of work. Identity fields never change after creation;
// state and pri move with the lifecycle. All mutation happens under the
// store lock.
type Job struct {
	ID   uint64
	Tube string
	Pri  uint32
	TTR  time.Duration
	Body []byte

	State      State
	createdAt  time.Time
	delayUntil time.Time     // delayed: when the job becomes ready
	delay      time.Duration // last delay applied, for stats
	deadline   time.Time     // reserved: TTR expiry
	reservedBy string        // connection id of the reserver

	// epoch invalidates pending timer entries for this job. Any transition
	// that cancels or reschedules a timer bumps it.
	epoch uint64

	// deadlineWarned is set once DEADLINE_SOON has been pushed for the
	// current reservation.
	deadlineWarned bool

	reserves uint32
	timeouts uint32
	releases uint32
	buries   uint32
	kicks    uint32
}

func (j *Job) urgent() bool { return j.Pri < UrgentPri }

// timeLeft is the seconds until the next scheduled transition: TTR expiry
// for reserved jobs, delay expiry for delayed ones.
func (j *Job) timeLeft(now time.Time) int64 {
	var until time.Time
	switch j.State {
	case Reserved:
		until = j.deadline
	case Delayed:
		until = j.delayUntil
	default:
		return 0
	}
	left := int64(until.Sub(now) / time.Second)
	if left < 0 {
		left = 0
	}
	return left
}
