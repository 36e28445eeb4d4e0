package configure

import (
	"sort"
	"strings"
)

// ModelProfile is one entry of the model catalog.
type ModelProfile struct {
	ModelFamily           string                 `yaml:"model_family" toml:"model_family"`
	ModelVariant          string                 `yaml:"model_variant" toml:"model_variant"`
	ModelType             string                 `yaml:"model_type" toml:"model_type"`
	GPUsPerNode           int                    `yaml:"gpus_per_node" toml:"gpus_per_node"`
	NumNodes              int                    `yaml:"num_nodes" toml:"num_nodes"`
	VocabSize             int                    `yaml:"vocab_size" toml:"vocab_size"`
	CPUsPerTask           int                    `yaml:"cpus_per_task" toml:"cpus_per_task"`
	MemPerNode            string                 `yaml:"mem_per_node" toml:"mem_per_node"`
	QoS                   string                 `yaml:"qos" toml:"qos"`
	Time                  string                 `yaml:"time" toml:"time"`
	Partition             string                 `yaml:"partition" toml:"partition"`
	Account               string                 `yaml:"account" toml:"account"`
	Exclude               string                 `yaml:"exclude" toml:"exclude"`
	NodeList              string                 `yaml:"nodelist" toml:"nodelist"`
	DataType              string                 `yaml:"data_type" toml:"data_type"`
	ModelWeightsParentDir string                 `yaml:"model_weights_parent_dir" toml:"model_weights_parent_dir"`
	Bind                  string                 `yaml:"bind" toml:"bind"`
	VLLMArgs              map[string]interface{} `yaml:"vllm_args" toml:"vllm_args"`

	// Typed form of VLLMArgs, filled by the catalog parser.
	EngineFlags EngineFlags `yaml:"-" toml:"-"`
}

// Catalog maps model names to their profiles.
type Catalog map[string]*ModelProfile

type catalogDocument struct {
	Models map[string]*ModelProfile `yaml:"models" toml:"models"`
}

func (c Catalog) Get(name string) (*ModelProfile, bool) {
	p, ok := c[name]
	return p, ok
}

// Names returns the model names ordered by family, variant, then name.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := c[names[i]], c[names[j]]
		if a.ModelFamily != b.ModelFamily {
			return a.ModelFamily < b.ModelFamily
		}
		if a.ModelVariant != b.ModelVariant {
			return a.ModelVariant < b.ModelVariant
		}
		return names[i] < names[j]
	})
	return names
}

func (c Catalog) validate(source string) error {
	if len(c) == 0 {
		return &ConfigError{Source: source, Field: "models", Reason: "catalog is empty"}
	}
	for name, p := range c {
		field := "models." + name
		if p == nil {
			return &ConfigError{Source: source, Field: field, Reason: "empty profile"}
		}
		if strings.TrimSpace(name) == "" {
			return &ConfigError{Source: source, Field: "models", Reason: "empty model name"}
		}
		if p.ModelFamily == "" {
			return &ConfigError{Source: source, Field: field + ".model_family", Reason: "required"}
		}
		if p.GPUsPerNode <= 0 {
			return &ConfigError{Source: source, Field: field + ".gpus_per_node", Reason: "must be a positive integer"}
		}
		if p.NumNodes <= 0 {
			return &ConfigError{Source: source, Field: field + ".num_nodes", Reason: "must be a positive integer"}
		}
		if p.CPUsPerTask < 0 {
			return &ConfigError{Source: source, Field: field + ".cpus_per_task", Reason: "must not be negative"}
		}
		flags, err := ParseEngineFlags(p.VLLMArgs)
		if err != nil {
			return &ConfigError{Source: source, Field: field + ".vllm_args", Reason: err.Error(), Err: err}
		}
		p.EngineFlags = flags
	}
	return nil
}
