package configure

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/docker/go-units"
)

// Slurm takes an integer with an optional K, M, G or T suffix. A bare number
// is megabytes.
var slurmMemory = regexp.MustCompile(`^\d+[KMGT]?$`)

// ParseMemory checks a Slurm memory size and returns it in bytes.
func ParseMemory(s string) (int64, error) {
	if !slurmMemory.MatchString(s) {
		return 0, fmt.Errorf("invalid memory size %q, expected an integer with an optional K, M, G or T suffix", s)
	}
	if !strings.ContainsAny(s, "KMGT") {
		s += "M"
	}
	return units.RAMInBytes(s)
}
