package slurm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lcpu-club/hpcinfer/common/runner"
	"github.com/lcpu-club/hpcinfer/infer/configure"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTimeout     = fmt.Errorf("scheduler command timed out")
	ErrNotFound    = fmt.Errorf("job not found")
	ErrUnparseable = fmt.Errorf("unparseable scheduler output")
)

// CommandError is a scheduler command that exited with a non-zero status.
// Output holds the diagnostic text verbatim.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, e.Output)
}

// Scheduler is the interface to the external batch scheduler.
type Scheduler interface {
	Submit(ctx context.Context, scriptPath string) (string, error)
	Query(ctx context.Context, jobID string) (*JobInfo, error)
	Cancel(ctx context.Context, jobID string) error
}

// "--parsable" prints "jobid" or "jobid;cluster".
var (
	parsableOutput = regexp.MustCompile(`^\s*(\d+)(?:;(\S+))?\s*$`)
	submittedLine  = regexp.MustCompile(`Submitted batch job (\d+)`)
	keyValue       = regexp.MustCompile(`(\w+)=(\S*)`)
	jobIDPattern   = regexp.MustCompile(`^\d+$`)
)

const invalidJobID = "Invalid job id specified"

// Client runs the Slurm command line tools.
type Client struct {
	runner *runner.Runner
	conf   configure.SchedulerConfigure
	now    func() time.Time
}

func NewClient(conf *configure.SchedulerConfigure, execCommand runner.ExecCommandFunc) *Client {
	return &Client{
		runner: runner.NewRunner(execCommand, conf.Timeout),
		conf:   *conf,
		now:    time.Now,
	}
}

func (c *Client) run(ctx context.Context, command string, args ...string) (*runner.Result, string, error) {
	fields := strings.Fields(command)
	name := fields[0]
	args = append(fields[1:], args...)
	cmdline := strings.Join(append([]string{name}, args...), " ")
	log.WithField("command", cmdline).Debugln("Running scheduler command")
	rslt, err := c.runner.Run(ctx, name, args...)
	if err != nil {
		if errors.Is(err, runner.ErrTimeout) {
			return rslt, cmdline, fmt.Errorf("%w: %s", ErrTimeout, cmdline)
		}
		return rslt, cmdline, err
	}
	return rslt, cmdline, nil
}

func (c *Client) Submit(ctx context.Context, scriptPath string) (string, error) {
	rslt, cmdline, err := c.run(ctx, c.conf.SubmitCommand, "--parsable", scriptPath)
	if err != nil {
		return "", err
	}
	if rslt.ExitCode != 0 {
		return "", &CommandError{Command: cmdline, ExitCode: rslt.ExitCode, Output: rslt.Output()}
	}
	return ParseSubmitOutput(rslt.Stdout)
}

// ParseSubmitOutput extracts the job id from the output of
// "sbatch --parsable". The plain "Submitted batch job N" form is accepted
// as well.
func ParseSubmitOutput(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		if m := parsableOutput.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
		if m := submittedLine.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnparseable, strings.TrimSpace(out))
}

func (c *Client) Query(ctx context.Context, jobID string) (*JobInfo, error) {
	if !jobIDPattern.MatchString(jobID) {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	rslt, cmdline, err := c.run(ctx, c.conf.QueryCommand, "show", "job", jobID, "--oneliner")
	if err != nil {
		return nil, err
	}
	if rslt.ExitCode != 0 {
		if strings.Contains(rslt.Stderr+rslt.Stdout, invalidJobID) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, &CommandError{Command: cmdline, ExitCode: rslt.ExitCode, Output: rslt.Output()}
	}
	info, err := ParseJobInfo(rslt.Stdout)
	if err != nil {
		return nil, err
	}
	info.ObservedAt = c.now()
	return info, nil
}

// ParseJobInfo parses one "scontrol show job --oneliner" record.
func ParseJobInfo(out string) (*JobInfo, error) {
	fields := make(map[string]string)
	for _, m := range keyValue.FindAllStringSubmatch(out, -1) {
		if _, seen := fields[m[1]]; !seen {
			fields[m[1]] = m[2]
		}
	}
	state, ok := fields["JobState"]
	if !ok || fields["JobId"] == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnparseable, strings.TrimSpace(out))
	}
	info := &JobInfo{
		JobID:     fields["JobId"],
		State:     ParseJobState(state),
		Reason:    fields["Reason"],
		NodeList:  fields["NodeList"],
		BatchHost: fields["BatchHost"],
	}
	if info.Reason == "None" {
		info.Reason = ""
	}
	if rt, ok := fields["RunTime"]; ok {
		d, err := ParseDuration(rt)
		if err != nil {
			return nil, fmt.Errorf("%w: RunTime=%s", ErrUnparseable, rt)
		}
		info.RunTime = d
	}
	if st, ok := fields["StartTime"]; ok {
		if t, err := time.ParseInLocation("2006-01-02T15:04:05", st, time.Local); err == nil {
			info.StartTime = t
		}
	}
	return info, nil
}

// ParseDuration parses the scheduler's [D-]HH:MM:SS, MM:SS and MM forms.
func ParseDuration(s string) (time.Duration, error) {
	var days int
	var err error
	if d, rest, ok := strings.Cut(s, "-"); ok {
		days, err = strconv.Atoi(d)
		if err != nil {
			return 0, err
		}
		s = rest
	}
	parts := strings.Split(s, ":")
	nums := make([]int, len(parts))
	for i, p := range parts {
		nums[i], err = strconv.Atoi(p)
		if err != nil {
			return 0, err
		}
	}
	var h, m, sec int
	switch len(nums) {
	case 1:
		m = nums[0]
	case 2:
		m, sec = nums[0], nums[1]
	case 3:
		h, m, sec = nums[0], nums[1], nums[2]
	default:
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second, nil
}

// Cancel asks the scheduler to cancel the job and returns without waiting
// for it to stop.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if !jobIDPattern.MatchString(jobID) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	rslt, cmdline, err := c.run(ctx, c.conf.CancelCommand, jobID)
	if err != nil {
		return err
	}
	if rslt.ExitCode != 0 {
		if strings.Contains(rslt.Output(), invalidJobID) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return &CommandError{Command: cmdline, ExitCode: rslt.ExitCode, Output: rslt.Output()}
	}
	return nil
}
