package infercmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lcpu-club/hpcinfer/infer"
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
	"github.com/urfave/cli/v3"
)

type pendingScheduler struct{}

func (pendingScheduler) Submit(context.Context, string) (string, error) { return "4242", nil }
func (pendingScheduler) Cancel(context.Context, string) error           { return nil }

func (pendingScheduler) Query(_ context.Context, jobID string) (*slurm.JobInfo, error) {
	return &slurm.JobInfo{JobID: jobID, State: slurm.StatePending, Reason: "Resources"}, nil
}

func newTestApp(t *testing.T) (*cli.App, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	conf := configure.DefaultConfigure()
	conf.Home = dir
	conf.Defaults.LogDir = filepath.Join(dir, "logs")
	cat, err := configure.ParseCatalog([]byte(`
models:
  Meta-Llama-3.1-8B-Instruct:
    model_family: Meta-Llama-3.1
    model_variant: 8B-Instruct
    model_type: LLM
    gpus_per_node: 1
    num_nodes: 1
`), configure.CatalogFormatYAML)
	require.NoError(t, err)
	client, err := infer.NewClient(conf, cat,
		infer.WithScheduler(pendingScheduler{}),
		infer.WithStore(registry.NewFileStore(filepath.Join(dir, "registry"))),
		infer.WithReporter(events.NopReporter{}),
	)
	require.NoError(t, err)

	out := new(bytes.Buffer)
	cmd := NewCommand()
	cmd.out = out
	cmd.Init(client)
	app := cli.NewApp()
	app.Flags = []cli.Flag{&cli.BoolFlag{Name: "json-mode"}}
	app.Commands = []*cli.Command{
		{
			Name:   "launch",
			Action: cmd.HandleLaunch,
			Flags:  append(OverrideFlags(), &cli.BoolFlag{Name: "dry-run"}),
		},
		{Name: "status", Action: cmd.HandleStatus},
		{Name: "list", Action: cmd.HandleList},
		{Name: "metrics", Action: cmd.HandleMetrics, Flags: MetricsFlags()},
		{Name: "cleanup", Action: cmd.HandleCleanup, Flags: CleanupFlags()},
	}
	return app, out, dir
}

func TestFlagName(t *testing.T) {
	assert.Equal(t, "gpus-per-node", FlagName(resolver.KeyGPUsPerNode))
	assert.Equal(t, "nodelist", FlagName(resolver.KeyNodeList))
	assert.Len(t, OverrideFlags(), len(resolver.OverrideKeys))
}

func TestNewStatusView(t *testing.T) {
	v := newStatusView("1", tracker.Ready{
		Evidence:      tracker.Evidence{Log: &metrics.LogEvidence{Path: "/logs/m.1.log"}},
		ServerAddress: "http://gpu042:8080/v1",
	})
	assert.Equal(t, "READY", v.State)
	assert.Equal(t, "http://gpu042:8080/v1", v.ServerAddress)
	assert.Equal(t, "/logs/m.1.log", v.LogPath)

	v = newStatusView("1", tracker.Launching{RunningFor: 90*time.Second + 300*time.Millisecond})
	assert.Equal(t, "1m30s", v.RunningFor)

	v = newStatusView("1", tracker.Failed{Reason: tracker.ReasonReadinessTimeout})
	assert.Equal(t, tracker.ReasonReadinessTimeout, v.Reason)
}

func TestHandleList(t *testing.T) {
	app, out, _ := newTestApp(t)
	require.NoError(t, app.Run([]string{"hpc-infer", "--json-mode", "list"}))
	var views []modelView
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "Meta-Llama-3.1-8B-Instruct", views[0].Name)
	assert.Equal(t, 1, views[0].GPUsPerNode)

	app, out, _ = newTestApp(t)
	require.NoError(t, app.Run([]string{"hpc-infer", "list", "Meta-Llama-3.1-8B-Instruct"}))
	assert.Contains(t, out.String(), "--tensor-parallel-size=1")
}

func TestHandleLaunchDryRun(t *testing.T) {
	app, out, _ := newTestApp(t)
	require.NoError(t, app.Run([]string{
		"hpc-infer", "launch", "--dry-run", "--time", "01:00:00", "Meta-Llama-3.1-8B-Instruct",
	}))
	assert.Contains(t, out.String(), "#SBATCH --time=01:00:00")

	app, _, _ = newTestApp(t)
	err := app.Run([]string{"hpc-infer", "launch", "--gpus-per-node", "99", "Meta-Llama-3.1-8B-Instruct"})
	var rerr *resolver.ResourceLimitError
	assert.ErrorAs(t, err, &rerr)
}

func TestHandleStatus(t *testing.T) {
	app, out, _ := newTestApp(t)
	require.NoError(t, app.Run([]string{"hpc-infer", "--json-mode", "status", "4242"}))
	var v statusView
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, statusView{JobID: "4242", State: "PENDING", Reason: "Resources"}, v)

	app, _, _ = newTestApp(t)
	err := app.Run([]string{"hpc-infer", "status"})
	require.Error(t, err)
}

func registerJob(t *testing.T, dir string, jobID string) {
	t.Helper()
	store := registry.NewFileStore(filepath.Join(dir, "registry"))
	require.NoError(t, store.Append(context.Background(), &models.JobHandle{
		JobID:     jobID,
		ModelName: "Meta-Llama-3.1-8B-Instruct",
		LogPath:   filepath.Join(dir, "logs", "Meta-Llama-3.1-8B-Instruct."+jobID+".log"),
	}))
}

func TestHandleMetrics(t *testing.T) {
	app, out, dir := newTestApp(t)
	registerJob(t, dir, "4242")
	require.NoError(t, app.Run([]string{"hpc-infer", "metrics", "4242"}))
	assert.Equal(t, 1, strings.Count(out.String(), "Metrics not available"))

	app, _, _ = newTestApp(t)
	err := app.Run([]string{"hpc-infer", "metrics", "4243"})
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestHandleMetrics_Watch(t *testing.T) {
	app, out, dir := newTestApp(t)
	registerJob(t, dir, "4242")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, app.RunContext(ctx, []string{
		"hpc-infer", "metrics", "--watch", "--interval", "50ms", "4242",
	}))
	assert.GreaterOrEqual(t, strings.Count(out.String(), "Metrics not available"), 2)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandleCleanup_DefaultLogDir(t *testing.T) {
	app, out, dir := newTestApp(t)
	family := filepath.Join(dir, "logs", "Meta-Llama-3.1")
	require.NoError(t, os.MkdirAll(family, 0755))
	orphan := filepath.Join(family, "Meta-Llama-3.1-8B-Instruct.77.log")
	require.NoError(t, os.WriteFile(orphan, []byte("x\n"), 0644))

	require.NoError(t, app.Run([]string{"hpc-infer", "cleanup", "--dry-run"}))
	assert.Contains(t, out.String(), "Would remove "+orphan)
	assert.FileExists(t, orphan)

	app, _, _ = newTestApp(t)
	require.NoError(t, app.Run([]string{"hpc-infer", "cleanup", "--log-dir", filepath.Join(dir, "logs")}))
	assert.NoFileExists(t, orphan)
}
