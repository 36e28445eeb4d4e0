package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/lcpu-club/hpcinfer/infer/configure"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// JobSpec is a resolved and validated launch plan. Later stages read
// everything they need from it and never go back to the configuration.
type JobSpec struct {
	ModelName    string
	ModelFamily  string
	ModelVariant string
	ModelType    string
	VocabSize    int

	NumNodes    int
	GPUsPerNode int
	CPUsPerTask int
	MemPerNode  string
	QoS         string
	Time        string
	Partition   string
	Account     string
	Exclude     string
	NodeList    string

	LoadCommand      string
	ContainerCommand string
	Image            string
	Binds            []specs.Mount
	Env              map[string]string

	ModelWeightsPath string
	LogDir           string
	Port             int
	EngineFlags      configure.EngineFlags
}

func (s *JobSpec) MultiNode() bool {
	return s.NumNodes > 1
}

// JobHandle identifies a submitted job. It is what the local job registry
// stores.
type JobHandle struct {
	JobID       string    `json:"job_id"`
	ModelName   string    `json:"model_name"`
	ModelFamily string    `json:"model_family,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	ScriptPath  string    `json:"script_path"`
	LogPath     string    `json:"log_path"`
}

// ParseMount parses the container runtime form "src[:dst[:options]]".
func ParseMount(s string) (specs.Mount, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 || parts[0] == "" {
		return specs.Mount{}, fmt.Errorf("invalid bind %q", s)
	}
	m := specs.Mount{
		Type:        "bind",
		Source:      parts[0],
		Destination: parts[0],
	}
	if len(parts) > 1 && parts[1] != "" {
		m.Destination = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		m.Options = strings.Split(parts[2], ",")
	}
	return m, nil
}

// ParseMounts parses a comma separated bind list. Options of one mount are
// separated by "+" in this form, e.g. "/data:/data:ro".
func ParseMounts(s string) ([]specs.Mount, error) {
	var rslt []specs.Mount
	for _, item := range strings.Split(s, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		m, err := ParseMount(strings.ReplaceAll(item, "+", ","))
		if err != nil {
			return nil, err
		}
		rslt = append(rslt, m)
	}
	return rslt, nil
}

// FormatMount renders a mount back into "src:dst[:options]".
func FormatMount(m specs.Mount) string {
	s := m.Source + ":" + m.Destination
	if len(m.Options) > 0 {
		s += ":" + strings.Join(m.Options, ",")
	}
	return s
}
