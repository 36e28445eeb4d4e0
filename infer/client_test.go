package infer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lcpu-club/hpcinfer/common/consts"
	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/lcpu-club/hpcinfer/infer/events"
	"github.com/lcpu-club/hpcinfer/infer/metrics"
	"github.com/lcpu-club/hpcinfer/infer/models"
	"github.com/lcpu-club/hpcinfer/infer/registry"
	"github.com/lcpu-club/hpcinfer/infer/resolver"
	"github.com/lcpu-club/hpcinfer/infer/slurm"
	"github.com/lcpu-club/hpcinfer/infer/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
models:
  Meta-Llama-3.1-8B-Instruct:
    model_family: Meta-Llama-3.1
    model_variant: 8B-Instruct
    model_type: LLM
    gpus_per_node: 1
    num_nodes: 1
    vocab_size: 128256
  Meta-Llama-3.1-70B-Instruct:
    model_family: Meta-Llama-3.1
    model_variant: 70B-Instruct
    model_type: LLM
    gpus_per_node: 4
    num_nodes: 1
  Qwen2.5-7B-Instruct:
    model_family: Qwen2.5
    model_variant: 7B-Instruct
    model_type: LLM
    gpus_per_node: 1
    num_nodes: 1
`

type fakeScheduler struct {
	jobID     string
	info      *slurm.JobInfo
	cancelErr error
	cancelled []string
}

func (f *fakeScheduler) Submit(context.Context, string) (string, error) {
	return f.jobID, nil
}

func (f *fakeScheduler) Query(_ context.Context, jobID string) (*slurm.JobInfo, error) {
	if f.info == nil {
		return nil, slurm.ErrNotFound
	}
	info := *f.info
	info.JobID = jobID
	info.ObservedAt = time.Now()
	return &info, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type fakeReporter struct {
	events []*events.Event
}

func (r *fakeReporter) Report(_ context.Context, e *events.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *fakeReporter) Close() {}

func (r *fakeReporter) types() []string {
	rslt := []string{}
	for _, e := range r.events {
		rslt = append(rslt, e.Type)
	}
	return rslt
}

type fakeArchiver struct {
	keys []string
}

func (a *fakeArchiver) Archive(_ context.Context, key string, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	a.keys = append(a.keys, key)
	return nil
}

type testEnv struct {
	dir       string
	client    *Client
	scheduler *fakeScheduler
	store     *registry.FileStore
	reporter  *fakeReporter
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conf := configure.DefaultConfigure()
	conf.Home = dir
	conf.User = "alice"
	conf.Defaults.LogDir = filepath.Join(dir, "logs")
	conf.Nsq = nil
	conf.MinIO = nil
	cat, err := configure.ParseCatalog([]byte(testCatalog), configure.CatalogFormatYAML)
	require.NoError(t, err)

	env := &testEnv{
		dir:       dir,
		scheduler: &fakeScheduler{jobID: "4242"},
		store:     registry.NewFileStore(filepath.Join(dir, "registry")),
		reporter:  &fakeReporter{},
	}
	opts = append([]Option{
		WithScheduler(env.scheduler),
		WithStore(env.store),
		WithReporter(env.reporter),
	}, opts...)
	env.client, err = NewClient(conf, cat, opts...)
	require.NoError(t, err)
	return env
}

// addJob registers a job with an existing script and log.
func (e *testEnv) addJob(t *testing.T, jobID string, model string, family string) *models.JobHandle {
	t.Helper()
	dir := filepath.Join(e.dir, "logs", family)
	require.NoError(t, os.MkdirAll(dir, 0755))
	h := &models.JobHandle{
		JobID:       jobID,
		ModelName:   model,
		ModelFamily: family,
		SubmittedAt: time.Now().UTC(),
		ScriptPath:  filepath.Join(dir, model+"."+jobID+consts.ScriptFileSuffix),
		LogPath:     filepath.Join(dir, model+"."+jobID+consts.LogFileSuffix),
	}
	require.NoError(t, os.WriteFile(h.ScriptPath, []byte("#!/bin/bash\n"), 0700))
	require.NoError(t, os.WriteFile(h.LogPath, []byte("Loading model weights\n"), 0644))
	require.NoError(t, e.store.Append(context.Background(), h))
	return h
}

func TestClient_Launch(t *testing.T) {
	env := newTestEnv(t)
	h, err := env.client.Launch(context.Background(), "Meta-Llama-3.1-8B-Instruct", resolver.Overrides{
		resolver.KeyTime: "02:00:00",
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", h.JobID)
	assert.Equal(t, filepath.Join(env.dir, "logs", "Meta-Llama-3.1", "Meta-Llama-3.1-8B-Instruct.4242.log"), h.LogPath)

	text, err := os.ReadFile(h.ScriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "#SBATCH --time=02:00:00")

	stored, err := env.store.Get(context.Background(), "4242")
	require.NoError(t, err)
	assert.Equal(t, h.ScriptPath, stored.ScriptPath)

	require.Len(t, env.reporter.events, 1)
	assert.Equal(t, consts.EventTypeSubmitted, env.reporter.events[0].Type)
	assert.Equal(t, "alice", env.reporter.events[0].User)
}

func TestClient_LaunchRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.Launch(context.Background(), "Meta-Llama-3.1-8B-Instruct", resolver.Overrides{
		resolver.KeyGPUsPerNode: "64",
	})
	var rerr *resolver.ResourceLimitError
	require.ErrorAs(t, err, &rerr)

	_, err = env.client.Launch(context.Background(), "no-such-model", nil)
	var uerr *resolver.UnknownModelError
	require.ErrorAs(t, err, &uerr)

	hs, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hs)
	assert.Empty(t, env.reporter.events)
}

func TestClient_Status(t *testing.T) {
	env := newTestEnv(t)
	h := env.addJob(t, "100", "Meta-Llama-3.1-8B-Instruct", "Meta-Llama-3.1")
	env.scheduler.info = &slurm.JobInfo{State: slurm.StateRunning, RunTime: time.Minute}

	st := env.client.Status(context.Background(), "100")
	assert.Equal(t, tracker.StateLaunching, st.State())

	require.NoError(t, os.WriteFile(h.LogPath, []byte(
		"Server address: http://gpu042:8080/v1\nINFO:     Application startup complete.\n"), 0644))
	st = env.client.Status(context.Background(), "100")
	ready, ok := st.(tracker.Ready)
	require.True(t, ok)
	assert.Equal(t, "http://gpu042:8080/v1", ready.ServerAddress)

	last := env.reporter.events[len(env.reporter.events)-1]
	assert.Equal(t, consts.EventTypeStatus, last.Type)
	assert.Equal(t, "READY", last.State)
	assert.Equal(t, "Meta-Llama-3.1-8B-Instruct", last.Model)
}

func TestClient_StatusUnregistered(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.info = &slurm.JobInfo{State: slurm.StatePending, Reason: "Priority"}
	st := env.client.Status(context.Background(), "777")
	assert.Equal(t, tracker.StatePending, st.State())
	assert.Equal(t, "Priority", tracker.Reason(st))

	env.scheduler.info = nil
	st = env.client.Status(context.Background(), "777")
	assert.Equal(t, tracker.NotFound{JobID: "777"}, st)
}

func TestClient_StatusUnregisteredRunning(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.info = &slurm.JobInfo{State: slurm.StateRunning, RunTime: 2 * time.Hour}
	st := env.client.Status(context.Background(), "777")
	assert.Equal(t, tracker.StateLaunching, st.State())
}

type unreadableStore struct {
	registry.Store
}

func (unreadableStore) Get(context.Context, string) (*models.JobHandle, error) {
	return nil, fmt.Errorf("open registry: permission denied")
}

func TestClient_StatusRegistryUnreadable(t *testing.T) {
	env := newTestEnv(t)
	h := env.addJob(t, "100", "Meta-Llama-3.1-8B-Instruct", "Meta-Llama-3.1")
	require.NoError(t, os.WriteFile(h.LogPath, []byte("INFO:     Application startup complete.\n"), 0644))
	env.scheduler.info = &slurm.JobInfo{State: slurm.StateRunning, RunTime: 2 * time.Hour}
	assert.Equal(t, tracker.StateReady, env.client.Status(context.Background(), "100").State())

	env.client.store = unreadableStore{Store: env.store}
	st := env.client.Status(context.Background(), "100")
	u, ok := st.(tracker.Unknown)
	require.True(t, ok)
	assert.Contains(t, u.Err.Error(), "permission denied")
	last := env.reporter.events[len(env.reporter.events)-1]
	assert.Equal(t, "UNKNOWN", last.State)
}

func TestClient_Shutdown(t *testing.T) {
	env := newTestEnv(t)
	env.addJob(t, "100", "Meta-Llama-3.1-8B-Instruct", "Meta-Llama-3.1")
	require.NoError(t, env.client.Shutdown(context.Background(), "100"))
	assert.Equal(t, []string{"100"}, env.scheduler.cancelled)
	assert.Equal(t, []string{consts.EventTypeCancelRequested}, env.reporter.types())

	// the record stays until cleanup
	_, err := env.store.Get(context.Background(), "100")
	require.NoError(t, err)

	env.scheduler.cancelErr = &slurm.CommandError{Command: "scancel", ExitCode: 1, Output: "Invalid job id"}
	err = env.client.Shutdown(context.Background(), "100")
	require.Error(t, err)
	assert.Len(t, env.reporter.events, 1)
}

func TestClient_Metrics(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.Metrics(context.Background(), "999")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	h := env.addJob(t, "100", "Meta-Llama-3.1-8B-Instruct", "Meta-Llama-3.1")
	res, err := env.client.Metrics(context.Background(), "100")
	require.NoError(t, err)
	assert.IsType(t, metrics.NotAvailable{}, res)

	require.NoError(t, os.WriteFile(h.LogPath, []byte(
		"INFO:     Application startup complete.\n"+
			"INFO 10-19 10:00:00 metrics.py:351] Avg prompt throughput: 12.5 tokens/s, Avg generation throughput: 40.0 tokens/s, "+
			"Running: 2 reqs, Swapped: 0 reqs, Pending: 1 reqs, GPU KV cache usage: 3.5%, CPU KV cache usage: 0.0%.\n"), 0644))
	res, err = env.client.Metrics(context.Background(), "100")
	require.NoError(t, err)
	snap, ok := res.(*metrics.Snapshot)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Running)
}

func TestClient_ListModels(t *testing.T) {
	env := newTestEnv(t)
	entries := env.client.ListModels()
	require.Len(t, entries, 3)
	assert.Equal(t, "Meta-Llama-3.1-70B-Instruct", entries[0].Name)
	assert.Equal(t, "Meta-Llama-3.1-8B-Instruct", entries[1].Name)
	assert.Equal(t, "Qwen2.5-7B-Instruct", entries[2].Name)
	assert.Equal(t, 4, entries[0].GPUsPerNode)

	spec, err := env.client.ModelConfig("Meta-Llama-3.1-70B-Instruct")
	require.NoError(t, err)
	assert.Equal(t, 4, spec.GPUsPerNode)
	tp, ok := spec.EngineFlags.Value("--tensor-parallel-size")
	require.True(t, ok)
	assert.Equal(t, "4", tp)

	_, err = env.client.ModelConfig("missing")
	require.Error(t, err)
}

func TestClient_Cleanup(t *testing.T) {
	env := newTestEnv(t)
	a := env.addJob(t, "100", "Meta-Llama-3.1-8B-Instruct", "Meta-Llama-3.1")
	b := env.addJob(t, "200", "Meta-Llama-3.1-70B-Instruct", "Meta-Llama-3.1")
	c := env.addJob(t, "300", "Qwen2.5-7B-Instruct", "Qwen2.5")
	ctx := context.Background()

	report, err := env.client.Cleanup(ctx, CleanupFilter{ModelFamily: "Meta-Llama-3.1", DryRun: true})
	require.NoError(t, err)
	assert.Len(t, report.Jobs, 2)
	assert.ElementsMatch(t, []string{a.ScriptPath, a.LogPath, b.ScriptPath, b.LogPath}, report.Removed)
	assert.FileExists(t, a.LogPath)
	hs, err := env.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, hs, 3)

	report, err = env.client.Cleanup(ctx, CleanupFilter{ModelFamily: "Meta-Llama-3.1", BeforeJobID: "200"})
	require.NoError(t, err)
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, "100", report.Jobs[0].JobID)
	assert.NoFileExists(t, a.ScriptPath)
	assert.NoFileExists(t, a.LogPath)
	assert.FileExists(t, b.LogPath)
	_, err = env.store.Get(ctx, "100")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, []string{consts.EventTypeCleanedUp}, env.reporter.types())

	_, err = env.client.Cleanup(ctx, CleanupFilter{JobID: "300", Archive: true})
	assert.ErrorIs(t, err, ErrNoArchiver)
	assert.FileExists(t, c.LogPath)

	_, err = env.client.Cleanup(ctx, CleanupFilter{BeforeJobID: "abc"})
	require.Error(t, err)
}

func TestClient_CleanupArchive(t *testing.T) {
	arch := &fakeArchiver{}
	env := newTestEnv(t, WithArchiver(arch))
	h := env.addJob(t, "300", "Qwen2.5-7B-Instruct", "Qwen2.5")
	require.NoError(t, os.Remove(h.ScriptPath))

	report, err := env.client.Cleanup(context.Background(), CleanupFilter{JobID: "300", Archive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/Qwen2.5/Qwen2.5-7B-Instruct.300.log"}, arch.keys)
	assert.Equal(t, arch.keys, report.Archived)
	assert.NoFileExists(t, h.LogPath)
	hs, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hs)
}

func TestClient_CleanupLogDir(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	logDir := filepath.Join(env.dir, "logs")
	a := env.addJob(t, "100", "Meta-Llama-3.1-8B-Instruct", "Meta-Llama-3.1")
	b := env.addJob(t, "200", "Qwen2.5-7B-Instruct", "Qwen2.5")
	orphanLog := filepath.Join(logDir, "Qwen2.5", "Qwen2.5-7B-Instruct.50.log")
	orphanScript := filepath.Join(logDir, "Qwen2.5", "Qwen2.5-7B-Instruct.50.sbatch")
	lateOrphan := filepath.Join(logDir, "Qwen2.5", "Qwen2.5-7B-Instruct.900.log")
	notes := filepath.Join(logDir, "Qwen2.5", "notes.txt")
	for _, p := range []string{orphanLog, orphanScript, lateOrphan, notes} {
		require.NoError(t, os.WriteFile(p, []byte("x\n"), 0644))
	}

	report, err := env.client.Cleanup(ctx, CleanupFilter{LogDir: logDir, BeforeJobID: "150", DryRun: true})
	require.NoError(t, err)
	require.Len(t, report.Jobs, 2)
	assert.Equal(t, "100", report.Jobs[0].JobID)
	assert.Equal(t, "50", report.Jobs[1].JobID)
	assert.Equal(t, "Qwen2.5-7B-Instruct", report.Jobs[1].ModelName)
	assert.Equal(t, "Qwen2.5", report.Jobs[1].ModelFamily)
	assert.ElementsMatch(t, []string{a.ScriptPath, a.LogPath, orphanScript, orphanLog}, report.Removed)
	assert.FileExists(t, orphanLog)

	_, err = env.client.Cleanup(ctx, CleanupFilter{LogDir: logDir, BeforeJobID: "150"})
	require.NoError(t, err)
	assert.NoFileExists(t, a.LogPath)
	assert.NoFileExists(t, orphanLog)
	assert.NoFileExists(t, orphanScript)
	assert.FileExists(t, lateOrphan)
	assert.FileExists(t, notes)
	assert.FileExists(t, b.LogPath)
	hs, err := env.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, "200", hs[0].JobID)

	// registered jobs are matched through their record, not twice
	report, err = env.client.Cleanup(ctx, CleanupFilter{LogDir: logDir, JobID: "200", DryRun: true})
	require.NoError(t, err)
	assert.Len(t, report.Jobs, 1)
	assert.Len(t, report.Removed, 2)
}

func TestCleanupFilter_Match(t *testing.T) {
	h := &models.JobHandle{JobID: "150", ModelName: "m", ModelFamily: "f"}
	for _, c := range []struct {
		filter CleanupFilter
		want   bool
	}{
		{CleanupFilter{}, true},
		{CleanupFilter{ModelFamily: "f"}, true},
		{CleanupFilter{ModelFamily: "g"}, false},
		{CleanupFilter{ModelName: "m", JobID: "150"}, true},
		{CleanupFilter{JobID: "151"}, false},
		{CleanupFilter{BeforeJobID: "151"}, true},
		{CleanupFilter{BeforeJobID: "150"}, false},
		{CleanupFilter{BeforeJobID: "20"}, false},
	} {
		assert.Equal(t, c.want, c.filter.Match(h), fmt.Sprintf("%+v", c.filter))
	}
}
