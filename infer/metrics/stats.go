package metrics

import (
	"regexp"
	"strconv"
)

// Result is either a *Snapshot or NotAvailable.
type Result interface {
	isResult()
}

// NotAvailable means there is nothing to report yet. It is not an error.
type NotAvailable struct {
	Reason string
}

func (NotAvailable) isResult() {}

// Snapshot is a point-in-time view of a serving job.
type Snapshot struct {
	ServerAddress string

	PromptThroughput     float64 // tokens/s
	GenerationThroughput float64 // tokens/s
	Running              int
	Swapped              int
	Pending              int
	GPUKVCacheUsage      float64 // percent
	CPUKVCacheUsage      float64 // percent
	PrefixCacheHitRate   float64 // percent

	// Filled from the server's /metrics endpoint when scraping is enabled.
	Latency *Latency

	// Raw log line the snapshot was parsed from.
	Line string
}

func (*Snapshot) isResult() {}

type Latency struct {
	Requests             uint64
	MeanE2E              float64 // seconds
	MeanTimeToFirstToken float64 // seconds
	MeanTimePerOutput    float64 // seconds
}

var (
	statsLine = regexp.MustCompile(`Avg prompt throughput: [\d.]+ tokens/s`)

	promptThroughput = regexp.MustCompile(`Avg prompt throughput: ([\d.]+) tokens/s`)
	genThroughput    = regexp.MustCompile(`Avg generation throughput: ([\d.]+) tokens/s`)
	runningReqs      = regexp.MustCompile(`Running: (\d+) reqs`)
	swappedReqs      = regexp.MustCompile(`Swapped: (\d+) reqs`)
	pendingReqs      = regexp.MustCompile(`(?:Pending|Waiting): (\d+) reqs`)
	gpuKVCache       = regexp.MustCompile(`GPU KV cache usage: ([\d.]+)%`)
	cpuKVCache       = regexp.MustCompile(`CPU KV cache usage: ([\d.]+)%`)
	prefixHitRate    = regexp.MustCompile(`Prefix cache hit rate: ([\d.]+)%`)
)

// ParseStatsLine parses the periodic engine statistics line. Fields the
// engine version does not print stay zero.
func ParseStatsLine(line string) (*Snapshot, bool) {
	if !statsLine.MatchString(line) {
		return nil, false
	}
	s := &Snapshot{Line: line}
	floats := []struct {
		re  *regexp.Regexp
		dst *float64
	}{
		{promptThroughput, &s.PromptThroughput},
		{genThroughput, &s.GenerationThroughput},
		{gpuKVCache, &s.GPUKVCacheUsage},
		{cpuKVCache, &s.CPUKVCacheUsage},
		{prefixHitRate, &s.PrefixCacheHitRate},
	}
	for _, f := range floats {
		if m := f.re.FindStringSubmatch(line); m != nil {
			*f.dst, _ = strconv.ParseFloat(m[1], 64)
		}
	}
	ints := []struct {
		re  *regexp.Regexp
		dst *int
	}{
		{runningReqs, &s.Running},
		{swappedReqs, &s.Swapped},
		{pendingReqs, &s.Pending},
	}
	for _, i := range ints {
		if m := i.re.FindStringSubmatch(line); m != nil {
			*i.dst, _ = strconv.Atoi(m[1])
		}
	}
	return s, true
}
