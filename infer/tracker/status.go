package tracker

import (
	"time"

	"github.com/lcpu-club/hpcinfer/infer/metrics"
	"github.com/lcpu-club/hpcinfer/infer/slurm"
)

type State string

const (
	StatePending   State = "PENDING"
	StateLaunching State = "LAUNCHING"
	StateReady     State = "READY"
	StateFailed    State = "FAILED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	StateUnknown   State = "UNKNOWN"
	StateNotFound  State = "NOT_FOUND"
)

const ReasonReadinessTimeout = "readiness timeout"

// JobStatus is one of Pending, Launching, Ready, Failed, Completed,
// Cancelled, Unknown or NotFound.
type JobStatus interface {
	State() State
	isJobStatus()
}

// Evidence is what a status was derived from. Log is only set for states
// decided while the scheduler reported the job as running.
type Evidence struct {
	Scheduler *slurm.JobInfo
	Log       *metrics.LogEvidence
}

type Pending struct {
	Evidence
}

type Launching struct {
	Evidence
	RunningFor time.Duration
}

type Ready struct {
	Evidence
	ServerAddress string
}

type Failed struct {
	Evidence
	Reason string
}

type Completed struct {
	Evidence
}

type Cancelled struct {
	Evidence
}

// Unknown means the scheduler or the log could not be queried. Polling
// again is the way to recover.
type Unknown struct {
	JobID string
	Err   error
}

// NotFound means the scheduler has no record of the job any more.
type NotFound struct {
	JobID string
}

func (Pending) State() State   { return StatePending }
func (Launching) State() State { return StateLaunching }
func (Ready) State() State     { return StateReady }
func (Failed) State() State    { return StateFailed }
func (Completed) State() State { return StateCompleted }
func (Cancelled) State() State { return StateCancelled }
func (Unknown) State() State   { return StateUnknown }
func (NotFound) State() State  { return StateNotFound }

func (Pending) isJobStatus()   {}
func (Launching) isJobStatus() {}
func (Ready) isJobStatus()     {}
func (Failed) isJobStatus()    {}
func (Completed) isJobStatus() {}
func (Cancelled) isJobStatus() {}
func (Unknown) isJobStatus()   {}
func (NotFound) isJobStatus()  {}

// Reason returns a short human readable explanation, if the status has one.
func Reason(s JobStatus) string {
	switch st := s.(type) {
	case Failed:
		return st.Reason
	case Unknown:
		if st.Err != nil {
			return st.Err.Error()
		}
	case Pending:
		if st.Scheduler != nil {
			return st.Scheduler.Reason
		}
	}
	return ""
}

// Terminal reports states that will not change any more.
func Terminal(s JobStatus) bool {
	switch s.(type) {
	case Failed, Completed, Cancelled, NotFound:
		return true
	}
	return false
}
