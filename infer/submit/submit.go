package submit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lcpu-club/hpcinfer/common/consts"
	"github.com/lcpu-club/hpcinfer/infer/models"
	"github.com/lcpu-club/hpcinfer/infer/registry"
	"github.com/lcpu-club/hpcinfer/infer/script"
	"github.com/lcpu-club/hpcinfer/infer/slurm"
	"github.com/satori/uuid"
	log "github.com/sirupsen/logrus"
)

type Stage string

const (
	StageWrite     Stage = "write"
	StageScheduler Stage = "scheduler"
	StageRegistry  Stage = "registry"
)

// SubmissionError reports a failed submission. When Stage is
// StageRegistry the scheduler did accept the job and JobID is set, so the
// caller can reconcile by hand.
type SubmissionError struct {
	Stage  Stage
	JobID  string
	Output string
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submission failed at %s", e.Stage)
	if e.JobID != "" {
		msg += fmt.Sprintf(" (job %s was accepted by the scheduler)", e.JobID)
	}
	if e.Output != "" {
		msg += ": " + e.Output
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

type Submitter struct {
	scheduler slurm.Scheduler
	store     registry.Store
	now       func() time.Time
}

func NewSubmitter(scheduler slurm.Scheduler, store registry.Store) *Submitter {
	return &Submitter{
		scheduler: scheduler,
		store:     store,
		now:       time.Now,
	}
}

// Submit writes the script next to its log, hands it to the scheduler and
// records the job in the registry. It does not wait for the job to start.
func (s *Submitter) Submit(ctx context.Context, sc *script.Script) (*models.JobHandle, error) {
	if sc == nil || sc.Text == "" || sc.Dir == "" || sc.ModelName == "" {
		return nil, &SubmissionError{Stage: StageWrite, Err: fmt.Errorf("incomplete script")}
	}
	if sc.MultiNode && !script.HasBootstrap(sc.Text) {
		return nil, &SubmissionError{Stage: StageWrite, Err: fmt.Errorf("multi-node script without coordination section")}
	}
	err := os.MkdirAll(sc.Dir, 0755)
	if err != nil {
		return nil, &SubmissionError{Stage: StageWrite, Err: err}
	}
	// The job id is not known yet.
	staging := filepath.Join(sc.Dir, sc.ModelName+"."+uuid.NewV4().String()+consts.ScriptFileSuffix)
	err = os.WriteFile(staging, []byte(sc.Text), 0700)
	if err != nil {
		return nil, &SubmissionError{Stage: StageWrite, Err: err}
	}

	jobID, err := s.scheduler.Submit(ctx, staging)
	if err != nil {
		os.Remove(staging)
		se := &SubmissionError{Stage: StageScheduler, Err: err}
		var ce *slurm.CommandError
		if errors.As(err, &ce) {
			se.Output = ce.Output
		}
		return nil, se
	}

	scriptPath := filepath.Join(sc.Dir, sc.ModelName+"."+jobID+consts.ScriptFileSuffix)
	err = os.Rename(staging, scriptPath)
	if err != nil {
		log.WithError(err).WithField("job", jobID).Warnln("Cannot rename submitted script, keeping staging name")
		scriptPath = staging
	}
	h := &models.JobHandle{
		JobID:       jobID,
		ModelName:   sc.ModelName,
		ModelFamily: sc.ModelFamily,
		SubmittedAt: s.now().UTC(),
		ScriptPath:  scriptPath,
		LogPath:     sc.LogPath(jobID),
	}
	err = s.store.Append(ctx, h)
	if err != nil {
		return nil, &SubmissionError{Stage: StageRegistry, JobID: jobID, Err: err}
	}
	log.WithFields(log.Fields{
		"job":   jobID,
		"model": sc.ModelName,
	}).Infoln("Job submitted")
	return h, nil
}
