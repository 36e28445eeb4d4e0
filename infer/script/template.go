package script

// BootstrapBegin opens the distributed coordination section of multi-node
// scripts.
const BootstrapBegin = "# >>> ray cluster bootstrap"

const BootstrapEnd = "# <<< ray cluster bootstrap"

const scriptTemplate = `#!/bin/bash
#SBATCH --job-name={{ quote .ModelName }}
#SBATCH --partition={{ quote .Partition }}
#SBATCH --qos={{ quote .QoS }}
#SBATCH --time={{ quote .Time }}
#SBATCH --nodes={{ .NumNodes }}
#SBATCH --gpus-per-node={{ .GPUsPerNode }}
#SBATCH --cpus-per-task={{ .CPUsPerTask }}
#SBATCH --mem={{ quote .MemPerNode }}
{{- if .Account }}
#SBATCH --account={{ quote .Account }}
{{- end }}
{{- if .Exclude }}
#SBATCH --exclude={{ quote .Exclude }}
{{- end }}
{{- if .NodeList }}
#SBATCH --nodelist={{ quote .NodeList }}
{{- end }}
{{- if .MultiNode }}
#SBATCH --ntasks-per-node=1
#SBATCH --exclusive
{{- end }}
#SBATCH --output={{ quote .LogPattern }}
#SBATCH --error={{ quote .LogPattern }}

{{- if .LoadCommand }}

{{ .LoadCommand }}
{{- end }}
{{- range .Env }}
export {{ .Key }}={{ quote .Value }}
{{- end }}

find_available_port() {
    local port=$1
    while (echo > "/dev/tcp/127.0.0.1/${port}") >/dev/null 2>&1; do
        port=$((port + 1))
    done
    echo "${port}"
}

PORT=$(find_available_port {{ .Port }})
{{- if .MultiNode }}

{{ bootstrapBegin }}
nodes=$(scontrol show hostnames "$SLURM_JOB_NODELIST")
nodes_array=($nodes)
head_node=${nodes_array[0]}
head_node_ip=$(srun --nodes=1 --ntasks=1 -w "$head_node" hostname --ip-address)
RAY_PORT=$(find_available_port 6379)
ip_head=${head_node_ip}:${RAY_PORT}
echo "Ray head: ${ip_head}"

srun --nodes=1 --ntasks=1 -w "$head_node" \
    {{ .Container }} \
    ray start --head --node-ip-address="$head_node_ip" --port=${RAY_PORT} \
    --num-cpus "$SLURM_CPUS_PER_TASK" --num-gpus {{ .GPUsPerNode }} --block &
sleep 10

worker_num=$((SLURM_JOB_NUM_NODES - 1))
for ((i = 1; i <= worker_num; i++)); do
    node_i=${nodes_array[$i]}
    echo "Starting ray worker ${i} on ${node_i}"
    srun --nodes=1 --ntasks=1 -w "$node_i" \
        {{ .Container }} \
        ray start --address "$ip_head" \
        --num-cpus "$SLURM_CPUS_PER_TASK" --num-gpus {{ .GPUsPerNode }} --block &
    sleep 5
done
HOST=${head_node_ip}
{{ bootstrapEnd }}
{{- else }}

HOST=$(hostname)
{{- end }}

echo "Server address: http://${HOST}:${PORT}/v1"

{{ .Container }} \
    vllm serve {{ quote .ModelWeightsPath }} \
    --served-model-name {{ quote .ModelName }} \
    --host "0.0.0.0" \
    --port ${PORT}
{{- range .Flags }} \
    {{ quote . }}
{{- end }}
`
