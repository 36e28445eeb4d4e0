package script

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Directives are the scheduler resource directives of a batch script.
type Directives struct {
	JobName       string
	Partition     string
	QoS           string
	Time          string
	Nodes         int
	GPUsPerNode   int
	CPUsPerTask   int
	Mem           string
	Account       string
	Exclude       string
	NodeList      string
	NTasksPerNode int
	Exclusive     bool
	Output        string
	Error         string
	// Every directive as written, keyed by option name without dashes.
	Raw map[string]string
}

// ParseDirectives reads the #SBATCH lines at the top of a script. Parsing
// stops at the first line that is neither a comment nor empty.
func ParseDirectives(text string) (*Directives, error) {
	d := &Directives{Raw: make(map[string]string)}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if !strings.HasPrefix(line, "#SBATCH") {
			continue
		}
		opt := strings.TrimSpace(strings.TrimPrefix(line, "#SBATCH"))
		if !strings.HasPrefix(opt, "--") {
			return nil, fmt.Errorf("unsupported directive %q", line)
		}
		key, value, _ := strings.Cut(strings.TrimPrefix(opt, "--"), "=")
		value = unquote(value)
		d.Raw[key] = value
		var err error
		switch key {
		case "job-name":
			d.JobName = value
		case "partition":
			d.Partition = value
		case "qos":
			d.QoS = value
		case "time":
			d.Time = value
		case "nodes":
			d.Nodes, err = strconv.Atoi(value)
		case "gpus-per-node":
			d.GPUsPerNode, err = strconv.Atoi(value)
		case "cpus-per-task":
			d.CPUsPerTask, err = strconv.Atoi(value)
		case "mem":
			d.Mem = value
		case "account":
			d.Account = value
		case "exclude":
			d.Exclude = value
		case "nodelist":
			d.NodeList = value
		case "ntasks-per-node":
			d.NTasksPerNode, err = strconv.Atoi(value)
		case "exclusive":
			d.Exclusive = true
		case "output":
			d.Output = value
		case "error":
			d.Error = value
		}
		if err != nil {
			return nil, fmt.Errorf("directive %s: %w", key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'")
	}
	return s
}
