package resolver

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/lcpu-club/hpcinfer/infer/models"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/samber/lo"
)

const (
	KeyModelFamily           = "model_family"
	KeyModelVariant          = "model_variant"
	KeyPartition             = "partition"
	KeyNumNodes              = "num_nodes"
	KeyGPUsPerNode           = "gpus_per_node"
	KeyCPUsPerTask           = "cpus_per_task"
	KeyMemPerNode            = "mem_per_node"
	KeyAccount               = "account"
	KeyQoS                   = "qos"
	KeyExclude               = "exclude"
	KeyNodeList              = "nodelist"
	KeyBind                  = "bind"
	KeyTime                  = "time"
	KeyLogDir                = "log_dir"
	KeyModelWeightsParentDir = "model_weights_parent_dir"
	KeyVLLMArgs              = "vllm_args"
	KeyDataType              = "data_type"
)

// OverrideKeys are the keys a launch request may override.
var OverrideKeys = []string{
	KeyModelFamily, KeyModelVariant, KeyPartition, KeyNumNodes, KeyGPUsPerNode,
	KeyCPUsPerTask, KeyMemPerNode, KeyAccount, KeyQoS, KeyExclude, KeyNodeList,
	KeyBind, KeyTime, KeyLogDir, KeyModelWeightsParentDir, KeyVLLMArgs, KeyDataType,
}

const (
	FlagTensorParallel   = "--tensor-parallel-size"
	FlagPipelineParallel = "--pipeline-parallel-size"
	FlagExecutorBackend  = "--distributed-executor-backend"
	FlagDataType         = "--dtype"
	ExecutorBackendRay   = "ray"
	dataTypeAuto         = "auto"
)

// Set by the generated script itself.
var reservedFlags = []string{"--host", "--port", "--served-model-name", "--model"}

// Slurm time formats: MM, MM:SS, HH:MM:SS, D-HH, D-HH:MM, D-HH:MM:SS.
var timePattern = regexp.MustCompile(`^(\d+-\d{1,2}(:\d{2}){0,2}|\d+(:\d{2}){0,2})$`)

// Overrides maps override keys to their command line values.
type Overrides map[string]string

// UnknownKeys returns the keys that are not in OverrideKeys, sorted.
func (o Overrides) UnknownKeys() []string {
	var rslt []string
	for k := range o {
		if !lo.Contains(OverrideKeys, k) {
			rslt = append(rslt, k)
		}
	}
	sort.Strings(rslt)
	return rslt
}

// Resolve merges environment defaults, the model profile and the overrides
// (in increasing precedence) into a validated JobSpec. It has no side
// effects.
func Resolve(modelID string, overrides Overrides, env *configure.Configure, catalog configure.Catalog) (*models.JobSpec, error) {
	profile, ok := catalog.Get(modelID)
	if !ok || profile == nil {
		return nil, &UnknownModelError{Model: modelID}
	}
	if unknown := overrides.UnknownKeys(); len(unknown) > 0 {
		return nil, &UnknownOverrideError{Keys: unknown}
	}
	spec := merge(modelID, env, profile)
	userFlags, err := applyOverrides(spec, overrides)
	if err != nil {
		return nil, err
	}
	err = finalizePaths(spec, modelID, env, profile, overrides)
	if err != nil {
		return nil, err
	}
	err = checkLimits(spec, &env.Limits)
	if err != nil {
		return nil, err
	}
	err = checkAllowed(spec, &env.Allowed)
	if err != nil {
		return nil, err
	}
	if !timePattern.MatchString(spec.Time) {
		return nil, &InvalidValueError{Name: KeyTime, Value: spec.Time, Reason: "expected [D-]HH:MM:SS"}
	}
	err = finalizeFlags(spec, profile, userFlags, overrides, env)
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func coalesce(values ...string) string {
	v, _ := lo.Coalesce(values...)
	return v
}

func coalesceInt(values ...int) int {
	v, _ := lo.Coalesce(values...)
	return v
}

func merge(modelID string, env *configure.Configure, p *configure.ModelProfile) *models.JobSpec {
	d := &env.Defaults
	spec := &models.JobSpec{
		ModelName:        modelID,
		ModelFamily:      p.ModelFamily,
		ModelVariant:     p.ModelVariant,
		ModelType:        p.ModelType,
		VocabSize:        p.VocabSize,
		NumNodes:         p.NumNodes,
		GPUsPerNode:      p.GPUsPerNode,
		CPUsPerTask:      coalesceInt(p.CPUsPerTask, d.CPUsPerTask),
		MemPerNode:       coalesce(p.MemPerNode, d.MemPerNode),
		QoS:              coalesce(p.QoS, d.QoS),
		Time:             coalesce(p.Time, d.Time),
		Partition:        coalesce(p.Partition, d.Partition),
		Account:          coalesce(p.Account, d.Account),
		Exclude:          p.Exclude,
		NodeList:         p.NodeList,
		LoadCommand:      env.Container.LoadCommand,
		ContainerCommand: env.Container.Command,
		Image:            env.Container.Image,
		Port:             d.Port,
		Env:              make(map[string]string, len(env.Container.Env)),
	}
	for k, v := range env.Container.Env {
		if v != "" {
			spec.Env[k] = v
		}
	}
	return spec
}

func parsePositive(key string, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, &InvalidValueError{Name: key, Value: value, Reason: "not an integer"}
	}
	if n <= 0 {
		return 0, &InvalidValueError{Name: key, Value: value, Reason: "must be positive"}
	}
	return n, nil
}

func applyOverrides(spec *models.JobSpec, o Overrides) (configure.EngineFlags, error) {
	var err error
	for _, k := range []string{KeyNumNodes, KeyGPUsPerNode, KeyCPUsPerTask} {
		v, ok := o[k]
		if !ok {
			continue
		}
		n, err := parsePositive(k, v)
		if err != nil {
			return nil, err
		}
		switch k {
		case KeyNumNodes:
			spec.NumNodes = n
		case KeyGPUsPerNode:
			spec.GPUsPerNode = n
		case KeyCPUsPerTask:
			spec.CPUsPerTask = n
		}
	}
	strs := map[string]*string{
		KeyModelFamily:  &spec.ModelFamily,
		KeyModelVariant: &spec.ModelVariant,
		KeyPartition:    &spec.Partition,
		KeyMemPerNode:   &spec.MemPerNode,
		KeyAccount:      &spec.Account,
		KeyQoS:          &spec.QoS,
		KeyExclude:      &spec.Exclude,
		KeyNodeList:     &spec.NodeList,
		KeyTime:         &spec.Time,
	}
	for k, dst := range strs {
		if v, ok := o[k]; ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if spec.ModelFamily == "" {
		return nil, &InvalidValueError{Name: KeyModelFamily, Value: "", Reason: "must not be empty"}
	}
	if _, err = configure.ParseMemory(spec.MemPerNode); err != nil {
		return nil, &InvalidValueError{Name: KeyMemPerNode, Value: spec.MemPerNode, Reason: err.Error()}
	}
	var userFlags configure.EngineFlags
	if v, ok := o[KeyVLLMArgs]; ok {
		userFlags, err = configure.ParseFlagList(v)
		if err != nil {
			return nil, &InvalidValueError{Name: KeyVLLMArgs, Value: v, Reason: err.Error()}
		}
	}
	return userFlags, nil
}

func finalizePaths(spec *models.JobSpec, modelID string, env *configure.Configure, p *configure.ModelProfile, o Overrides) error {
	rep := env.Replacer().WithModel(modelID, spec.ModelFamily)
	weightsParent := rep.Replace(coalesce(o[KeyModelWeightsParentDir], p.ModelWeightsParentDir, env.Defaults.ModelWeightsParentDir))
	if weightsParent == "" {
		return &InvalidValueError{Name: KeyModelWeightsParentDir, Value: "", Reason: "must not be empty"}
	}
	spec.ModelWeightsPath = filepath.Join(weightsParent, modelID)
	logDir := rep.Replace(coalesce(o[KeyLogDir], env.Defaults.LogDir))
	if logDir == "" {
		return &InvalidValueError{Name: KeyLogDir, Value: "", Reason: "must not be empty"}
	}
	spec.LogDir = filepath.Join(logDir, spec.ModelFamily)

	var binds []specs.Mount
	for _, b := range env.Container.Binds {
		m, err := models.ParseMount(b)
		if err != nil {
			return &InvalidValueError{Name: KeyBind, Value: b, Reason: err.Error()}
		}
		binds = append(binds, m)
	}
	binds = append(binds, specs.Mount{Type: "bind", Source: spec.ModelWeightsPath, Destination: spec.ModelWeightsPath})
	bind := rep.Replace(coalesce(o[KeyBind], p.Bind))
	extra, err := models.ParseMounts(bind)
	if err != nil {
		return &InvalidValueError{Name: KeyBind, Value: bind, Reason: err.Error()}
	}
	binds = append(binds, extra...)
	spec.Binds = lo.UniqBy(binds, func(m specs.Mount) string {
		return m.Destination
	})
	return nil
}

func checkLimits(spec *models.JobSpec, l *configure.LimitsConfigure) error {
	ints := []struct {
		name  string
		value int
		limit int
	}{
		{KeyGPUsPerNode, spec.GPUsPerNode, l.MaxGPUsPerNode},
		{KeyNumNodes, spec.NumNodes, l.MaxNumNodes},
		{KeyCPUsPerTask, spec.CPUsPerTask, l.MaxCPUsPerTask},
	}
	for _, c := range ints {
		if c.value > c.limit {
			return &ResourceLimitError{Name: c.name, Value: strconv.Itoa(c.value), Limit: strconv.Itoa(c.limit)}
		}
	}
	if l.MaxMemPerNode != "" {
		limit, err := configure.ParseMemory(l.MaxMemPerNode)
		if err != nil {
			return &InvalidValueError{Name: "limits.max-mem-per-node", Value: l.MaxMemPerNode, Reason: err.Error()}
		}
		mem, _ := configure.ParseMemory(spec.MemPerNode)
		if mem > limit {
			return &ResourceLimitError{Name: KeyMemPerNode, Value: spec.MemPerNode, Limit: l.MaxMemPerNode}
		}
	}
	return nil
}

func checkAllowed(spec *models.JobSpec, a *configure.AllowedConfigure) error {
	if !lo.Contains(a.QoS, spec.QoS) {
		return &InvalidValueError{Name: KeyQoS, Value: spec.QoS, Reason: fmt.Sprintf("allowed: %s", strings.Join(a.QoS, ", "))}
	}
	if !lo.Contains(a.Partitions, spec.Partition) {
		return &InvalidValueError{Name: KeyPartition, Value: spec.Partition, Reason: fmt.Sprintf("allowed: %s", strings.Join(a.Partitions, ", "))}
	}
	return nil
}

// finalizeFlags merges the engine flags and derives the parallelism flags
// from the topology. Explicit values that disagree with it are rejected.
func finalizeFlags(spec *models.JobSpec, p *configure.ModelProfile, userFlags configure.EngineFlags, o Overrides, env *configure.Configure) error {
	flags := p.EngineFlags.Merge(userFlags)
	for _, r := range reservedFlags {
		if flags.Has(r) {
			return &InvalidValueError{Name: KeyVLLMArgs, Value: r, Reason: "set by the launcher"}
		}
	}
	set := func(name string, value string) {
		flags[name] = configure.FlagValue{Key: name, Value: value}
	}
	requireValue := func(name string, want string, reason string) error {
		f, ok := flags[name]
		if !ok {
			set(name, want)
			return nil
		}
		v, isValue := f.(configure.FlagValue)
		if !isValue || v.Value != want {
			return &InvalidValueError{Name: KeyVLLMArgs, Value: f.Arg(), Reason: reason}
		}
		return nil
	}

	err := requireValue(FlagTensorParallel, strconv.Itoa(spec.GPUsPerNode),
		fmt.Sprintf("must equal gpus_per_node (%d)", spec.GPUsPerNode))
	if err != nil {
		return err
	}
	if spec.MultiNode() {
		err = requireValue(FlagPipelineParallel, strconv.Itoa(spec.NumNodes),
			fmt.Sprintf("must equal num_nodes (%d)", spec.NumNodes))
		if err != nil {
			return err
		}
		err = requireValue(FlagExecutorBackend, ExecutorBackendRay, "multi-node jobs use the ray backend")
		if err != nil {
			return err
		}
	} else if f, ok := flags[FlagPipelineParallel]; ok {
		if v, isValue := f.(configure.FlagValue); !isValue || v.Value != "1" {
			return &InvalidValueError{Name: KeyVLLMArgs, Value: f.Arg(), Reason: "single-node jobs cannot use pipeline parallelism"}
		}
	}

	if dt, ok := o[KeyDataType]; ok {
		if strings.TrimSpace(dt) == "" {
			return &InvalidValueError{Name: KeyDataType, Value: dt, Reason: "must not be empty"}
		}
		set(FlagDataType, strings.TrimSpace(dt))
	} else if !flags.Has(FlagDataType) {
		dt := coalesce(p.DataType, env.Defaults.DataType)
		if dt != "" && dt != dataTypeAuto {
			set(FlagDataType, dt)
		}
	}
	spec.EngineFlags = flags
	return nil
}
