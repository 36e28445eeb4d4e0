package metrics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var ErrLogTimeout = fmt.Errorf("reading job log timed out")

var serverAddress = regexp.MustCompile(`Server address: (http://\S+)`)

// LogEvidence is what one pass over a job log found. Line numbers are
// 1-based; 0 means not found.
type LogEvidence struct {
	Path          string
	Lines         int
	ReadyLine     int
	ReadyMarker   string
	ErrorLine     int
	ErrorMarker   string
	ErrorText     string
	ServerAddress string
	// Last engine statistics line, if any.
	StatsLine    string
	StatsLineNum int
}

func (e *LogEvidence) Ready() bool {
	return e.ReadyLine > 0
}

// FailedBeforeReady reports an error marker that precedes readiness. Errors
// logged after readiness belong to single requests; the server keeps
// serving and a crash shows up as a scheduler state instead.
func (e *LogEvidence) FailedBeforeReady() bool {
	return e.ErrorLine > 0 && (e.ReadyLine == 0 || e.ErrorLine < e.ReadyLine)
}

type LogScanner struct {
	ReadinessMarkers []string
	ErrorMarkers     []string
	Timeout          time.Duration
}

// ctxCheckLines is how many lines are read between two context checks.
const ctxCheckLines = 256

// Scan reads the whole log in the calling goroutine. It never writes to it.
// A missing log is returned as an error satisfying os.IsNotExist; running
// out of time gives ErrLogTimeout.
func (s *LogScanner) Scan(ctx context.Context, path string) (*LogEvidence, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLogTimeout, path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ev := &LogEvidence{Path: path}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		ev.Lines++
		if ev.Lines%ctxCheckLines == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrLogTimeout, path, err)
			}
		}
		s.scanLine(ev, sc.Text())
	}
	return ev, sc.Err()
}

// ScanText is Scan over an in-memory log.
func (s *LogScanner) ScanText(text string) *LogEvidence {
	ev := new(LogEvidence)
	for _, line := range strings.Split(text, "\n") {
		ev.Lines++
		s.scanLine(ev, line)
	}
	return ev
}

func (s *LogScanner) scanLine(ev *LogEvidence, line string) {
	if ev.ServerAddress == "" {
		if m := serverAddress.FindStringSubmatch(line); m != nil {
			ev.ServerAddress = m[1]
		}
	}
	if ev.ReadyLine == 0 {
		for _, marker := range s.ReadinessMarkers {
			if strings.Contains(line, marker) {
				ev.ReadyLine = ev.Lines
				ev.ReadyMarker = marker
				break
			}
		}
	}
	if ev.ErrorLine == 0 {
		for _, marker := range s.ErrorMarkers {
			if strings.Contains(line, marker) {
				ev.ErrorLine = ev.Lines
				ev.ErrorMarker = marker
				ev.ErrorText = strings.TrimSpace(line)
				break
			}
		}
	}
	if statsLine.MatchString(line) {
		ev.StatsLine = line
		ev.StatsLineNum = ev.Lines
	}
}
