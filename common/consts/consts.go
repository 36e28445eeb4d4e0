package consts

const (
	ConfigureFilePath  = "/etc/hpc-infer.yml"
	ConfigureEnvVar    = "HPC_INFER_CONFIG"
	DefaultLogDir      = "${home}/.hpc-infer-logs"
	DefaultRegistryDir = "${home}/.hpc-infer"
	RegistryFileName   = "jobs.jsonl"
)

const (
	ScriptFileSuffix = ".sbatch"
	LogFileSuffix    = ".log"
	// SlurmJobIDPattern is substituted by Slurm with the numeric job id in output paths.
	SlurmJobIDPattern = "%j"
)

const (
	EventTypeSubmitted       = "submitted"
	EventTypeStatus          = "status"
	EventTypeCancelRequested = "cancel-requested"
	EventTypeCleanedUp       = "cleaned-up"
)
