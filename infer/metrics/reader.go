package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/lcpu-club/hpcinfer/infer/models"
	log "github.com/sirupsen/logrus"
)

// Reader reports serving metrics of a job from its log and, optionally,
// from the server's Prometheus endpoint. It never modifies the log.
type Reader struct {
	scanner       *LogScanner
	scrape        bool
	scrapeTimeout time.Duration
	client        *http.Client
}

func NewReader(tracker *configure.TrackerConfigure, conf *configure.MetricsConfigure) *Reader {
	return &Reader{
		scanner: &LogScanner{
			ReadinessMarkers: tracker.ReadinessMarkers,
			ErrorMarkers:     tracker.ErrorMarkers,
			Timeout:          tracker.LogTimeout,
		},
		scrape:        conf.Scrape,
		scrapeTimeout: conf.ScrapeTimeout,
		client:        http.DefaultClient,
	}
}

// Metrics returns a *Snapshot, or NotAvailable before the server is ready
// or before it has logged any statistics. Errors are only returned when
// the log could not be read, e.g. ErrLogTimeout.
func (r *Reader) Metrics(ctx context.Context, h *models.JobHandle) (Result, error) {
	ev, err := r.scanner.Scan(ctx, h.LogPath)
	if os.IsNotExist(err) {
		return NotAvailable{Reason: "log file does not exist yet"}, nil
	}
	if err != nil {
		return nil, err
	}
	return r.fromEvidence(ctx, ev), nil
}

func (r *Reader) fromEvidence(ctx context.Context, ev *LogEvidence) Result {
	if ev.FailedBeforeReady() {
		return NotAvailable{Reason: "server failed to start: " + ev.ErrorText}
	}
	if !ev.Ready() {
		return NotAvailable{Reason: "server is not ready yet"}
	}
	snap, ok := ParseStatsLine(ev.StatsLine)
	if !ok {
		return NotAvailable{Reason: "no metrics reported yet"}
	}
	snap.ServerAddress = ev.ServerAddress
	if r.scrape && ev.ServerAddress != "" {
		sctx := ctx
		if r.scrapeTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, r.scrapeTimeout)
			defer cancel()
		}
		lat, err := Scrape(sctx, r.client, MetricsURL(ev.ServerAddress))
		if err != nil {
			log.WithError(err).Warnln("Cannot scrape server metrics")
		} else {
			snap.Latency = lat
		}
	}
	return snap
}
