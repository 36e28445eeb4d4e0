package infercmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lcpu-club/hpcinfer/infer"
	"github.com/lcpu-club/hpcinfer/infer/metrics"
	"github.com/lcpu-club/hpcinfer/infer/resolver"
	"github.com/lcpu-club/hpcinfer/infer/tracker"
	"github.com/urfave/cli/v3"
)

type Command struct {
	client *infer.Client
	out    io.Writer
}

func NewCommand() *Command {
	return &Command{out: os.Stdout}
}

func (c *Command) Init(client *infer.Client) {
	c.client = client
}

func (c *Command) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func ErrWrongArgumentNumber(command string, expected string) error {
	return fmt.Errorf(
		"wrong argument number for %v, expected %v\r\n   (use \"%v help %v\" for help)",
		command, expected, os.Args[0], command,
	)
}

// FlagName maps an override key to its command line flag.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// OverrideFlags returns one string flag per launch override.
func OverrideFlags() []cli.Flag {
	flags := make([]cli.Flag, 0, len(resolver.OverrideKeys))
	for _, key := range resolver.OverrideKeys {
		flags = append(flags, &cli.StringFlag{
			Name:  FlagName(key),
			Usage: "Override " + key + " of the model profile",
		})
	}
	return flags
}

func (c *Command) overrides(ctx *cli.Context) resolver.Overrides {
	o := resolver.Overrides{}
	for _, key := range resolver.OverrideKeys {
		if ctx.IsSet(FlagName(key)) {
			o[key] = ctx.String(FlagName(key))
		}
	}
	return o
}

func (c *Command) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *Command) printTable(header []string, rows [][]string) error {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func (c *Command) HandleLaunch(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return ErrWrongArgumentNumber(ctx.Command.Name, "1")
	}
	model := ctx.Args().Get(0)
	o := c.overrides(ctx)
	if ctx.Bool("dry-run") {
		sc, err := c.client.Render(model, o)
		if err != nil {
			return err
		}
		fmt.Fprint(c.out, sc.Text)
		return nil
	}
	h, err := c.client.Launch(ctx.Context, model, o)
	if err != nil {
		return err
	}
	if ctx.Bool("json-mode") {
		return c.printJSON(h)
	}
	return c.printTable([]string{"JOB ID", "MODEL", "LOG"}, [][]string{{h.JobID, h.ModelName, h.LogPath}})
}

type statusView struct {
	JobID         string `json:"job_id"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	ServerAddress string `json:"server_address,omitempty"`
	RunningFor    string `json:"running_for,omitempty"`
	LogPath       string `json:"log_path,omitempty"`
}

func newStatusView(jobID string, st tracker.JobStatus) *statusView {
	v := &statusView{
		JobID:  jobID,
		State:  string(st.State()),
		Reason: tracker.Reason(st),
	}
	switch s := st.(type) {
	case tracker.Ready:
		v.ServerAddress = s.ServerAddress
		if s.Log != nil {
			v.LogPath = s.Log.Path
		}
	case tracker.Launching:
		v.RunningFor = s.RunningFor.Truncate(time.Second).String()
		if s.Log != nil {
			v.ServerAddress = s.Log.ServerAddress
			v.LogPath = s.Log.Path
		}
	case tracker.Failed:
		if s.Log != nil {
			v.LogPath = s.Log.Path
		}
	}
	return v
}

func (c *Command) HandleStatus(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return ErrWrongArgumentNumber(ctx.Command.Name, "1")
	}
	jobID := ctx.Args().Get(0)
	v := newStatusView(jobID, c.client.Status(ctx.Context, jobID))
	if ctx.Bool("json-mode") {
		return c.printJSON(v)
	}
	return c.printTable(
		[]string{"JOB ID", "STATE", "REASON", "SERVER ADDRESS"},
		[][]string{{v.JobID, v.State, v.Reason, v.ServerAddress}},
	)
}

func (c *Command) HandleShutdown(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return ErrWrongArgumentNumber(ctx.Command.Name, "at least 1")
	}
	for _, jobID := range ctx.Args().Slice() {
		err := c.client.Shutdown(ctx.Context, jobID)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Shutting down job", jobID)
	}
	return nil
}

type modelView struct {
	Name         string `json:"model_name"`
	ModelFamily  string `json:"model_family"`
	ModelVariant string `json:"model_variant,omitempty"`
	ModelType    string `json:"model_type,omitempty"`
	NumNodes     int    `json:"num_nodes"`
	GPUsPerNode  int    `json:"gpus_per_node"`
}

func (c *Command) HandleList(ctx *cli.Context) error {
	if ctx.Args().Len() > 1 {
		return ErrWrongArgumentNumber(ctx.Command.Name, "0 or 1")
	}
	if ctx.Args().Len() == 1 {
		return c.showModel(ctx, ctx.Args().Get(0))
	}
	entries := c.client.ListModels()
	views := make([]modelView, 0, len(entries))
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		views = append(views, modelView{
			Name:         e.Name,
			ModelFamily:  e.ModelFamily,
			ModelVariant: e.ModelVariant,
			ModelType:    e.ModelType,
			NumNodes:     e.NumNodes,
			GPUsPerNode:  e.GPUsPerNode,
		})
		rows = append(rows, []string{
			e.Name, e.ModelType, strconv.Itoa(e.NumNodes), strconv.Itoa(e.GPUsPerNode),
		})
	}
	if ctx.Bool("json-mode") {
		return c.printJSON(views)
	}
	return c.printTable([]string{"MODEL", "TYPE", "NODES", "GPUS/NODE"}, rows)
}

func (c *Command) showModel(ctx *cli.Context, model string) error {
	spec, err := c.client.ModelConfig(model)
	if err != nil {
		return err
	}
	if ctx.Bool("json-mode") {
		return c.printJSON(spec)
	}
	rows := [][]string{
		{"model_family", spec.ModelFamily},
		{"model_variant", spec.ModelVariant},
		{"model_type", spec.ModelType},
		{"num_nodes", strconv.Itoa(spec.NumNodes)},
		{"gpus_per_node", strconv.Itoa(spec.GPUsPerNode)},
		{"cpus_per_task", strconv.Itoa(spec.CPUsPerTask)},
		{"mem_per_node", spec.MemPerNode},
		{"qos", spec.QoS},
		{"time", spec.Time},
		{"partition", spec.Partition},
		{"model_weights_path", spec.ModelWeightsPath},
		{"log_dir", spec.LogDir},
		{"vllm_args", strings.Join(spec.EngineFlags.Args(), " ")},
	}
	return c.printTable([]string{"KEY", model}, rows)
}

type metricsView struct {
	JobID                string           `json:"job_id"`
	Available            bool             `json:"available"`
	Reason               string           `json:"reason,omitempty"`
	ServerAddress        string           `json:"server_address,omitempty"`
	PromptThroughput     float64          `json:"prompt_throughput,omitempty"`
	GenerationThroughput float64          `json:"generation_throughput,omitempty"`
	Running              int              `json:"running"`
	Swapped              int              `json:"swapped"`
	Pending              int              `json:"pending"`
	GPUKVCacheUsage      float64          `json:"gpu_kv_cache_usage"`
	CPUKVCacheUsage      float64          `json:"cpu_kv_cache_usage"`
	PrefixCacheHitRate   float64          `json:"prefix_cache_hit_rate,omitempty"`
	Latency              *metrics.Latency `json:"latency,omitempty"`
}

// MetricsFlags are the flags of the metrics command.
func MetricsFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "watch",
			Aliases: []string{"w"},
			Usage:   "Keep refreshing until interrupted",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "Refresh interval with --watch",
			Value: defaultWatchInterval,
		},
	}
}

const defaultWatchInterval = 2 * time.Second

func (c *Command) HandleMetrics(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return ErrWrongArgumentNumber(ctx.Command.Name, "1")
	}
	jobID := ctx.Args().Get(0)
	if !ctx.Bool("watch") {
		return c.showMetrics(ctx, jobID)
	}
	interval := ctx.Duration("interval")
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := c.showMetrics(ctx, jobID)
		if err != nil {
			if ctx.Context.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Context.Done():
			return nil
		case <-ticker.C:
		}
		if !ctx.Bool("json-mode") {
			fmt.Fprintln(c.out)
		}
	}
}

func (c *Command) showMetrics(ctx *cli.Context, jobID string) error {
	res, err := c.client.Metrics(ctx.Context, jobID)
	if err != nil {
		return err
	}
	v := &metricsView{JobID: jobID}
	switch r := res.(type) {
	case metrics.NotAvailable:
		v.Reason = r.Reason
	case *metrics.Snapshot:
		v.Available = true
		v.ServerAddress = r.ServerAddress
		v.PromptThroughput = r.PromptThroughput
		v.GenerationThroughput = r.GenerationThroughput
		v.Running = r.Running
		v.Swapped = r.Swapped
		v.Pending = r.Pending
		v.GPUKVCacheUsage = r.GPUKVCacheUsage
		v.CPUKVCacheUsage = r.CPUKVCacheUsage
		v.PrefixCacheHitRate = r.PrefixCacheHitRate
		v.Latency = r.Latency
	}
	if ctx.Bool("json-mode") {
		return c.printJSON(v)
	}
	if !v.Available {
		fmt.Fprintln(c.out, "Metrics not available:", v.Reason)
		return nil
	}
	rows := [][]string{
		{"Prompt Throughput", fmt.Sprintf("%.1f tokens/s", v.PromptThroughput)},
		{"Generation Throughput", fmt.Sprintf("%.1f tokens/s", v.GenerationThroughput)},
		{"Requests Running", strconv.Itoa(v.Running)},
		{"Requests Swapped", strconv.Itoa(v.Swapped)},
		{"Requests Pending", strconv.Itoa(v.Pending)},
		{"GPU KV Cache Usage", fmt.Sprintf("%.1f%%", v.GPUKVCacheUsage)},
		{"CPU KV Cache Usage", fmt.Sprintf("%.1f%%", v.CPUKVCacheUsage)},
	}
	if v.Latency != nil {
		rows = append(rows,
			[]string{"Mean E2E Latency", fmt.Sprintf("%.3fs", v.Latency.MeanE2E)},
			[]string{"Mean Time To First Token", fmt.Sprintf("%.3fs", v.Latency.MeanTimeToFirstToken)},
		)
	}
	return c.printTable([]string{"METRIC", "VALUE"}, rows)
}

// CleanupFlags are the flags of the cleanup command.
func CleanupFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "log-dir", Usage: "Also remove job files found in this directory", DefaultText: "the configured log directory"},
		&cli.StringFlag{Name: "model-family", Usage: "Only jobs of this model family"},
		&cli.StringFlag{Name: "model-name", Usage: "Only jobs of this model"},
		&cli.StringFlag{Name: "job-id", Usage: "Only this job"},
		&cli.StringFlag{Name: "before-job-id", Usage: "Only jobs with a smaller job id"},
		&cli.BoolFlag{Name: "dry-run", Usage: "List what would be removed"},
		&cli.BoolFlag{Name: "archive", Usage: "Upload files to the archive bucket before removing them"},
	}
}

func (c *Command) HandleCleanup(ctx *cli.Context) error {
	if ctx.Args().Len() != 0 {
		return ErrWrongArgumentNumber(ctx.Command.Name, "0")
	}
	logDir := ctx.String("log-dir")
	if logDir == "" {
		logDir = c.client.Configure().Defaults.LogDir
	}
	report, err := c.client.Cleanup(ctx.Context, infer.CleanupFilter{
		LogDir:      logDir,
		ModelFamily: ctx.String("model-family"),
		ModelName:   ctx.String("model-name"),
		JobID:       ctx.String("job-id"),
		BeforeJobID: ctx.String("before-job-id"),
		DryRun:      ctx.Bool("dry-run"),
		Archive:     ctx.Bool("archive"),
	})
	if err != nil {
		return err
	}
	if ctx.Bool("json-mode") {
		return c.printJSON(report)
	}
	verb := "Removed"
	if ctx.Bool("dry-run") {
		verb = "Would remove"
	}
	for _, p := range report.Removed {
		fmt.Fprintln(c.out, verb, p)
	}
	fmt.Fprintf(c.out, "%v %d job(s), %d file(s)\n", verb, len(report.Jobs), len(report.Removed))
	return nil
}
