package configure

import (
	"time"

	"github.com/lcpu-club/hpcinfer/common/consts"
)

// Configure is the environment configuration of one cluster. It is loaded
// once at startup and must be treated as read-only afterwards.
type Configure struct {
	Container    ContainerConfigure `yaml:"container"`
	Limits       LimitsConfigure    `yaml:"limits"`
	Allowed      AllowedConfigure   `yaml:"allowed"`
	Defaults     DefaultsConfigure  `yaml:"defaults"`
	ModelCatalog string             `yaml:"model-catalog"`
	Scheduler    SchedulerConfigure `yaml:"scheduler"`
	Tracker      TrackerConfigure   `yaml:"tracker"`
	Metrics      MetricsConfigure   `yaml:"metrics"`
	Registry     RegistryConfigure  `yaml:"registry"`
	MinIO        *MinIOConfigure    `yaml:"minio"`
	Nsq          *NsqConfigure      `yaml:"nsq"`

	// Filled from the calling user, used for ${home} and ${user}.
	Home string `yaml:"-"`
	User string `yaml:"-"`
}

type ContainerConfigure struct {
	Image       string `yaml:"image"`
	LoadCommand string `yaml:"load-command"`
	Command     string `yaml:"command"`
	// Passed through to the container as is. Entries such as LD_LIBRARY_PATH
	// or VLLM_NCCL_SO_PATH are optional.
	Env   map[string]string `yaml:"env"`
	Binds []string          `yaml:"binds"`
}

type LimitsConfigure struct {
	MaxGPUsPerNode int    `yaml:"max-gpus-per-node"`
	MaxNumNodes    int    `yaml:"max-num-nodes"`
	MaxCPUsPerTask int    `yaml:"max-cpus-per-task"`
	MaxMemPerNode  string `yaml:"max-mem-per-node"`
}

type AllowedConfigure struct {
	QoS        []string `yaml:"qos"`
	Partitions []string `yaml:"partitions"`
}

type DefaultsConfigure struct {
	CPUsPerTask           int    `yaml:"cpus-per-task"`
	MemPerNode            string `yaml:"mem-per-node"`
	QoS                   string `yaml:"qos"`
	Time                  string `yaml:"time"`
	Partition             string `yaml:"partition"`
	Account               string `yaml:"account"`
	DataType              string `yaml:"data-type"`
	LogDir                string `yaml:"log-dir"`
	ModelWeightsParentDir string `yaml:"model-weights-parent-dir"`
	Port                  int    `yaml:"port"`
}

type SchedulerConfigure struct {
	SubmitCommand string        `yaml:"submit-command"`
	QueryCommand  string        `yaml:"query-command"`
	CancelCommand string        `yaml:"cancel-command"`
	Timeout       time.Duration `yaml:"timeout"`
}

type TrackerConfigure struct {
	ReadinessTimeout time.Duration `yaml:"readiness-timeout"`
	ReadinessMarkers []string      `yaml:"readiness-markers"`
	ErrorMarkers     []string      `yaml:"error-markers"`
	LogTimeout       time.Duration `yaml:"log-timeout"`
}

type MetricsConfigure struct {
	Scrape        bool          `yaml:"scrape"`
	ScrapeTimeout time.Duration `yaml:"scrape-timeout"`
}

type RegistryConfigure struct {
	Backend string          `yaml:"backend"`
	Path    string          `yaml:"path"`
	Redis   *RedisConfigure `yaml:"redis"`
	// Upper bound for taking the file lock or one redis round trip.
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfigure struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Key       string        `yaml:"key"`
	MaxIdle   int           `yaml:"max-idle"`
	IdleLimit time.Duration `yaml:"idle-timeout"`
}

type MinIOConfigure struct {
	Endpoint    string                     `yaml:"endpoint"`
	Credentials *MinIOCredentialsConfigure `yaml:"credentials"`
	SSL         bool                       `yaml:"ssl"`
	Buckets     *MinIOBucketsConfigure     `yaml:"buckets"`
}

type MinIOCredentialsConfigure struct {
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
}

type MinIOBucketsConfigure struct {
	Archive string `yaml:"archive"`
}

type NsqConfigure struct {
	Address    string `yaml:"address"`
	Topic      string `yaml:"topic"`
	AuthSecret string `yaml:"auth-secret"`
}

const (
	RegistryBackendFile  = "file"
	RegistryBackendRedis = "redis"
)

// DefaultConfigure returns the values of the reference GPU cluster. A loaded
// document is decoded on top of it.
func DefaultConfigure() *Configure {
	return &Configure{
		Container: ContainerConfigure{
			Image:       "/cluster/projects/gliugroup/2BLAST/containers/vec-inf-image-2025-05-15.sif",
			LoadCommand: "module load singularity/3.11.0",
			Command:     "singularity exec --nv",
			Env: map[string]string{
				"VLLM_NCCL_SO_PATH": "/vec-inf/nccl/libnccl.so.2.18.1",
			},
		},
		Limits: LimitsConfigure{
			MaxGPUsPerNode: 8,
			MaxNumNodes:    16,
			MaxCPUsPerTask: 128,
		},
		Allowed: AllowedConfigure{
			QoS:        []string{"normal", "m", "m2", "m3", "m4", "m5", "long", "deadline", "high", "scavenger", "llm", "a100"},
			Partitions: []string{"gpu"},
		},
		Defaults: DefaultsConfigure{
			CPUsPerTask:           16,
			MemPerNode:            "64G",
			QoS:                   "m2",
			Time:                  "08:00:00",
			Partition:             "gpu",
			DataType:              "auto",
			LogDir:                consts.DefaultLogDir,
			ModelWeightsParentDir: "/cluster/projects/gliugroup/2BLAST/LLMs",
			Port:                  8080,
		},
		Scheduler: SchedulerConfigure{
			SubmitCommand: "sbatch",
			QueryCommand:  "scontrol",
			CancelCommand: "scancel",
			Timeout:       30 * time.Second,
		},
		Tracker: TrackerConfigure{
			ReadinessTimeout: 30 * time.Minute,
			ReadinessMarkers: []string{
				"Application startup complete",
				"Uvicorn running on",
			},
			ErrorMarkers: []string{
				"Traceback (most recent call last)",
				"RuntimeError",
				"torch.OutOfMemoryError",
				"CUDA out of memory",
				"Engine core initialization failed",
				"ValueError:",
			},
			LogTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfigure{
			ScrapeTimeout: 5 * time.Second,
		},
		Registry: RegistryConfigure{
			Backend: RegistryBackendFile,
			Path:    consts.DefaultRegistryDir,
			Timeout: 10 * time.Second,
		},
	}
}
