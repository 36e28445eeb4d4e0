package script

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/lcpu-club/hpcinfer/common/consts"
	"github.com/lcpu-club/hpcinfer/infer/models"
)

// Script is a rendered batch script together with what the submission
// client needs to place it and to find its log.
type Script struct {
	Text        string
	ModelName   string
	ModelFamily string
	// Directory the script is written to.
	Dir string
	// Log file path with the scheduler's %j job id placeholder.
	LogPattern string
	MultiNode  bool
}

// LogPath returns the log path of the given job.
func (s *Script) LogPath(jobID string) string {
	return strings.ReplaceAll(s.LogPattern, consts.SlurmJobIDPattern, jobID)
}

type RenderError struct {
	Field  string
	Reason string
	Err    error
}

func (e *RenderError) Error() string {
	msg := "render error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

var (
	tmpl = template.Must(template.New("sbatch").
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"quote":          Quote,
			"bootstrapBegin": func() string { return BootstrapBegin },
			"bootstrapEnd":   func() string { return BootstrapEnd },
		}).
		Parse(scriptTemplate))
	safeWord = regexp.MustCompile(`^[A-Za-z0-9_./:=,@%+-]+$`)
	envName  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Quote returns s as a single shell word.
func Quote(s string) string {
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type envVar struct {
	Key   string
	Value string
}

type templateData struct {
	*models.JobSpec
	LogPattern string
	Container  string
	Env        []envVar
	Flags      []string
}

// Render turns a JobSpec into a batch script. The output only depends on
// the JobSpec, so equal specs give byte-identical scripts.
func Render(spec *models.JobSpec) (*Script, error) {
	if spec == nil {
		return nil, &RenderError{Reason: "no job spec"}
	}
	err := checkSpec(spec)
	if err != nil {
		return nil, err
	}
	data := &templateData{
		JobSpec:    spec,
		LogPattern: filepath.Join(spec.LogDir, spec.ModelName+"."+consts.SlurmJobIDPattern+consts.LogFileSuffix),
		Container:  containerPrefix(spec),
		Flags:      spec.EngineFlags.Args(),
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data.Env = append(data.Env, envVar{Key: k, Value: spec.Env[k]})
	}

	buf := new(bytes.Buffer)
	err = tmpl.Execute(buf, data)
	if err != nil {
		return nil, &RenderError{Reason: "template execution failed", Err: err}
	}
	text := buf.String()
	if spec.MultiNode() != HasBootstrap(text) {
		return nil, &RenderError{Field: "num_nodes", Reason: "coordination section does not match the node count"}
	}
	return &Script{
		Text:        text,
		ModelName:   spec.ModelName,
		ModelFamily: spec.ModelFamily,
		Dir:         spec.LogDir,
		LogPattern:  data.LogPattern,
		MultiNode:   spec.MultiNode(),
	}, nil
}

// HasBootstrap reports whether the script contains the distributed
// coordination section.
func HasBootstrap(text string) bool {
	return strings.Contains(text, BootstrapBegin) && strings.Contains(text, BootstrapEnd)
}

func containerPrefix(spec *models.JobSpec) string {
	parts := []string{spec.ContainerCommand}
	for _, m := range spec.Binds {
		parts = append(parts, "--bind", Quote(models.FormatMount(m)))
	}
	parts = append(parts, Quote(spec.Image))
	return strings.Join(parts, " ")
}

func checkSpec(spec *models.JobSpec) error {
	required := []struct {
		field string
		value string
	}{
		{"model_name", spec.ModelName},
		{"partition", spec.Partition},
		{"qos", spec.QoS},
		{"time", spec.Time},
		{"mem_per_node", spec.MemPerNode},
		{"log_dir", spec.LogDir},
		{"image", spec.Image},
		{"container_command", spec.ContainerCommand},
		{"model_weights_path", spec.ModelWeightsPath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &RenderError{Field: r.field, Reason: "missing"}
		}
	}
	positive := []struct {
		field string
		value int
	}{
		{"num_nodes", spec.NumNodes},
		{"gpus_per_node", spec.GPUsPerNode},
		{"cpus_per_task", spec.CPUsPerTask},
		{"port", spec.Port},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &RenderError{Field: p.field, Reason: fmt.Sprintf("must be positive, got %d", p.value)}
		}
	}
	for k := range spec.Env {
		if !envName.MatchString(k) {
			return &RenderError{Field: "env", Reason: fmt.Sprintf("invalid variable name %q", k)}
		}
	}
	for _, m := range spec.Binds {
		if m.Source == "" || m.Destination == "" {
			return &RenderError{Field: "binds", Reason: "incomplete mount"}
		}
	}
	return nil
}
