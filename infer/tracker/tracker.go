package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/lcpu-club/hpcinfer/infer/metrics"
	"github.com/lcpu-club/hpcinfer/infer/models"
	"github.com/lcpu-club/hpcinfer/infer/slurm"
	log "github.com/sirupsen/logrus"
)

var ErrJobEnding = fmt.Errorf("job is completing, final state not known yet")

// Tracker derives a JobStatus from the scheduler state and the job log. It
// keeps no state between calls; callers poll at their own pace.
type Tracker struct {
	scheduler        slurm.Scheduler
	scanner          *metrics.LogScanner
	readinessTimeout time.Duration
	now              func() time.Time
}

func NewTracker(scheduler slurm.Scheduler, conf *configure.TrackerConfigure) *Tracker {
	return &Tracker{
		scheduler: scheduler,
		scanner: &metrics.LogScanner{
			ReadinessMarkers: conf.ReadinessMarkers,
			ErrorMarkers:     conf.ErrorMarkers,
			Timeout:          conf.LogTimeout,
		},
		readinessTimeout: conf.ReadinessTimeout,
		now:              time.Now,
	}
}

// WithReadinessTimeout returns a copy using a different readiness window.
// Zero disables the timeout.
func (t *Tracker) WithReadinessTimeout(d time.Duration) *Tracker {
	c := *t
	c.readinessTimeout = d
	return &c
}

func (t *Tracker) Status(ctx context.Context, h *models.JobHandle) JobStatus {
	info, err := t.scheduler.Query(ctx, h.JobID)
	if errors.Is(err, slurm.ErrNotFound) {
		return NotFound{JobID: h.JobID}
	}
	if err != nil {
		log.WithError(err).WithField("job", h.JobID).Debugln("Scheduler query failed")
		return Unknown{JobID: h.JobID, Err: err}
	}
	if info.ObservedAt.IsZero() {
		info.ObservedAt = t.now()
	}
	ev := Evidence{Scheduler: info}
	// Scheduler states other than running are final for this call; the log
	// is not consulted for them.
	switch info.State.Phase() {
	case slurm.PhaseQueued:
		return Pending{Evidence: ev}
	case slurm.PhaseCompleted:
		return Completed{Evidence: ev}
	case slurm.PhaseCancelled:
		return Cancelled{Evidence: ev}
	case slurm.PhaseFailed:
		reason := "scheduler reported " + string(info.State)
		if info.Reason != "" {
			reason += " (" + info.Reason + ")"
		}
		return Failed{Evidence: ev, Reason: reason}
	case slurm.PhaseRunning:
		return t.running(ctx, h, ev)
	case slurm.PhaseEnding:
		return Unknown{JobID: h.JobID, Err: ErrJobEnding}
	default:
		return Unknown{JobID: h.JobID, Err: fmt.Errorf("unrecognized scheduler state %q", info.State)}
	}
}

func (t *Tracker) running(ctx context.Context, h *models.JobHandle, ev Evidence) JobStatus {
	runningFor := t.now().Sub(ev.Scheduler.RunningSince())
	if runningFor < 0 {
		runningFor = 0
	}
	// Without a known log there is no evidence for readiness or failure.
	if h.LogPath == "" {
		return Launching{Evidence: ev, RunningFor: runningFor}
	}
	logEv, err := t.scanner.Scan(ctx, h.LogPath)
	switch {
	case os.IsNotExist(err):
		logEv = &metrics.LogEvidence{Path: h.LogPath}
	case err != nil:
		return Unknown{JobID: h.JobID, Err: err}
	}
	ev.Log = logEv
	if logEv.FailedBeforeReady() {
		return Failed{Evidence: ev, Reason: "error in log: " + logEv.ErrorText}
	}
	if logEv.Ready() {
		return Ready{Evidence: ev, ServerAddress: logEv.ServerAddress}
	}
	if t.readinessTimeout > 0 && runningFor >= t.readinessTimeout {
		return Failed{Evidence: ev, Reason: ReasonReadinessTimeout}
	}
	return Launching{Evidence: ev, RunningFor: runningFor}
}
