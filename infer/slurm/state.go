package slurm

import (
	"strings"
	"time"
)

// JobState is the base job state reported by the scheduler.
type JobState string

const (
	StatePending     JobState = "PENDING"
	StateConfiguring JobState = "CONFIGURING"
	StateRequeued    JobState = "REQUEUED"
	StateSuspended   JobState = "SUSPENDED"
	StateRunning     JobState = "RUNNING"
	StateCompleting  JobState = "COMPLETING"
	StateCompleted   JobState = "COMPLETED"
	StateCancelled   JobState = "CANCELLED"
	StateFailed      JobState = "FAILED"
	StateTimeout     JobState = "TIMEOUT"
	StateNodeFail    JobState = "NODE_FAIL"
	StatePreempted   JobState = "PREEMPTED"
	StateBootFail    JobState = "BOOT_FAIL"
	StateDeadline    JobState = "DEADLINE"
	StateOutOfMemory JobState = "OUT_OF_MEMORY"
)

// Phase groups scheduler states the way the status tracker consumes them.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseQueued
	PhaseRunning
	// The job has ended and its processes are being torn down; the final
	// state is not known yet.
	PhaseEnding
	PhaseCompleted
	PhaseCancelled
	PhaseFailed
)

// ParseJobState normalizes a state string. scontrol appends reasons such as
// "CANCELLED by 1000", which are dropped.
func ParseJobState(s string) JobState {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " +"); i >= 0 {
		s = s[:i]
	}
	return JobState(strings.ToUpper(s))
}

func (s JobState) Phase() Phase {
	switch s {
	case StatePending, StateConfiguring, StateRequeued, StateSuspended:
		return PhaseQueued
	case StateRunning:
		return PhaseRunning
	case StateCompleting:
		return PhaseEnding
	case StateCompleted:
		return PhaseCompleted
	case StateCancelled:
		return PhaseCancelled
	case StateFailed, StateTimeout, StateNodeFail, StatePreempted,
		StateBootFail, StateDeadline, StateOutOfMemory:
		return PhaseFailed
	default:
		return PhaseUnknown
	}
}

func (s JobState) Terminal() bool {
	switch s.Phase() {
	case PhaseCompleted, PhaseCancelled, PhaseFailed:
		return true
	}
	return false
}

// JobInfo is one scheduler observation of a job.
type JobInfo struct {
	JobID     string
	State     JobState
	Reason    string
	RunTime   time.Duration
	StartTime time.Time
	NodeList  string
	BatchHost string
	// When the observation was made.
	ObservedAt time.Time
}

// RunningSince estimates when the job started running. It prefers the
// elapsed time the scheduler reports over its StartTime, which is in the
// cluster's local time zone.
func (j *JobInfo) RunningSince() time.Time {
	if j.RunTime > 0 || j.StartTime.IsZero() {
		return j.ObservedAt.Add(-j.RunTime)
	}
	return j.StartTime
}
