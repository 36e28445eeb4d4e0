// Package infer ties configuration, resolution, script rendering,
// submission, status tracking and metrics together for one user on one
// cluster.
package infer

import (
	"context"
	"errors"
	"fmt"

	"github.com/lcpu-club/hpcinfer/common/consts"
	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/lcpu-club/hpcinfer/infer/events"
	"github.com/lcpu-club/hpcinfer/infer/metrics"
	"github.com/lcpu-club/hpcinfer/infer/models"
	"github.com/lcpu-club/hpcinfer/infer/registry"
	"github.com/lcpu-club/hpcinfer/infer/resolver"
	"github.com/lcpu-club/hpcinfer/infer/script"
	"github.com/lcpu-club/hpcinfer/infer/slurm"
	"github.com/lcpu-club/hpcinfer/infer/submit"
	"github.com/lcpu-club/hpcinfer/infer/tracker"
	log "github.com/sirupsen/logrus"
)

type Client struct {
	configure *configure.Configure
	catalog   configure.Catalog
	scheduler slurm.Scheduler
	store     registry.Store
	reporter  events.Reporter
	archiver  Archiver
	submitter *submit.Submitter
	tracker   *tracker.Tracker
	reader    *metrics.Reader
}

type Option func(*Client)

func WithScheduler(s slurm.Scheduler) Option {
	return func(c *Client) {
		c.scheduler = s
	}
}

func WithStore(s registry.Store) Option {
	return func(c *Client) {
		c.store = s
	}
}

func WithReporter(r events.Reporter) Option {
	return func(c *Client) {
		c.reporter = r
	}
}

func WithArchiver(a Archiver) Option {
	return func(c *Client) {
		c.archiver = a
	}
}

// NewClient builds a client from a loaded configuration. Collaborators not
// given as options are created from the configuration: the Slurm command
// line client, the configured registry backend, an NSQ reporter when NSQ is
// configured and a MinIO archiver when an archive bucket is configured.
func NewClient(conf *configure.Configure, catalog configure.Catalog, opts ...Option) (*Client, error) {
	c := &Client{
		configure: conf,
		catalog:   catalog,
	}
	for _, opt := range opts {
		opt(c)
	}
	var err error
	if c.scheduler == nil {
		c.scheduler = slurm.NewClient(&conf.Scheduler, nil)
	}
	if c.store == nil {
		c.store, err = registry.New(&conf.Registry)
		if err != nil {
			return nil, err
		}
	}
	if c.reporter == nil {
		c.reporter, err = events.New(conf.Nsq)
		if err != nil {
			return nil, err
		}
	}
	if c.archiver == nil && conf.MinIO != nil && conf.MinIO.Buckets != nil && conf.MinIO.Buckets.Archive != "" {
		mc, err := configure.NewMinIOClient(conf.MinIO)
		if err != nil {
			return nil, err
		}
		c.archiver = NewMinIOArchiver(mc, conf.MinIO.Buckets.Archive)
	}
	c.submitter = submit.NewSubmitter(c.scheduler, c.store)
	c.tracker = tracker.NewTracker(c.scheduler, &conf.Tracker)
	c.reader = metrics.NewReader(&conf.Tracker, &conf.Metrics)
	return c, nil
}

func (c *Client) Close() {
	c.reporter.Close()
}

func (c *Client) Configure() *configure.Configure {
	return c.configure
}

// Render resolves the request and renders its batch script without
// submitting anything.
func (c *Client) Render(model string, overrides resolver.Overrides) (*script.Script, error) {
	spec, err := resolver.Resolve(model, overrides, c.configure, c.catalog)
	if err != nil {
		return nil, err
	}
	return script.Render(spec)
}

// Launch resolves the request, renders the batch script and submits it. It
// returns as soon as the scheduler accepted the job.
func (c *Client) Launch(ctx context.Context, model string, overrides resolver.Overrides) (*models.JobHandle, error) {
	sc, err := c.Render(model, overrides)
	if err != nil {
		return nil, err
	}
	h, err := c.submitter.Submit(ctx, sc)
	if err != nil {
		return nil, err
	}
	c.report(ctx, events.NewEvent(consts.EventTypeSubmitted, h.JobID, h.ModelName))
	return h, nil
}

// handle looks the job up in the registry. Jobs submitted elsewhere are
// still queried at the scheduler, but without a known log. Any other
// registry failure is returned.
func (c *Client) handle(ctx context.Context, jobID string) (*models.JobHandle, error) {
	h, err := c.store.Get(ctx, jobID)
	if errors.Is(err, registry.ErrNotFound) {
		return &models.JobHandle{JobID: jobID}, nil
	}
	return h, err
}

// Status never fails: a registry that cannot be read gives Unknown, as a
// failed scheduler query does.
func (c *Client) Status(ctx context.Context, jobID string) tracker.JobStatus {
	var st tracker.JobStatus
	modelName := ""
	h, err := c.handle(ctx, jobID)
	if err != nil {
		log.WithError(err).WithField("job", jobID).Warnln("Cannot read job registry")
		st = tracker.Unknown{JobID: jobID, Err: fmt.Errorf("read registry: %w", err)}
	} else {
		modelName = h.ModelName
		st = c.tracker.Status(ctx, h)
	}
	e := events.NewEvent(consts.EventTypeStatus, jobID, modelName)
	e.State = string(st.State())
	e.Reason = tracker.Reason(st)
	c.report(ctx, e)
	return st
}

// Shutdown asks the scheduler to cancel the job. The registry record is
// kept; Cleanup removes it.
func (c *Client) Shutdown(ctx context.Context, jobID string) error {
	err := c.scheduler.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	modelName := ""
	if h, err := c.handle(ctx, jobID); err == nil {
		modelName = h.ModelName
	}
	c.report(ctx, events.NewEvent(consts.EventTypeCancelRequested, jobID, modelName))
	return nil
}

// Metrics needs the job's log, so the job must be in the registry.
func (c *Client) Metrics(ctx context.Context, jobID string) (metrics.Result, error) {
	h, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	return c.reader.Metrics(ctx, h)
}

type ModelEntry struct {
	Name string
	*configure.ModelProfile
}

// ListModels returns the catalog ordered by family, variant and name.
func (c *Client) ListModels() []ModelEntry {
	names := c.catalog.Names()
	rslt := make([]ModelEntry, 0, len(names))
	for _, name := range names {
		p, _ := c.catalog.Get(name)
		rslt = append(rslt, ModelEntry{Name: name, ModelProfile: p})
	}
	return rslt
}

// ModelConfig returns the launch plan the model gets without overrides.
func (c *Client) ModelConfig(model string) (*models.JobSpec, error) {
	return resolver.Resolve(model, nil, c.configure, c.catalog)
}

func (c *Client) report(ctx context.Context, e *events.Event) {
	e.User = c.configure.User
	err := c.reporter.Report(ctx, e)
	if err != nil {
		log.WithError(err).WithField("job", e.JobID).Warnln("Cannot report event")
	}
}
