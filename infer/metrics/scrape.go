package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	metricE2ELatency      = "vllm:e2e_request_latency_seconds"
	metricTimeToFirstTok  = "vllm:time_to_first_token_seconds"
	metricTimePerOutputTk = "vllm:time_per_output_token_seconds"
)

// MetricsURL derives the Prometheus endpoint from the OpenAI base URL the
// job prints, e.g. http://gpu042:8080/v1 -> http://gpu042:8080/metrics.
func MetricsURL(serverAddress string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(serverAddress, "/"), "/v1")
	return base + "/metrics"
}

// Scrape fetches the server's Prometheus endpoint and summarizes the
// request latency histograms.
func Scrape(ctx context.Context, client *http.Client, url string) (*Latency, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: unexpected status %s", url, resp.Status)
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", url, err)
	}
	return latencyOf(families), nil
}

func latencyOf(families map[string]*dto.MetricFamily) *Latency {
	l := new(Latency)
	var count uint64
	l.MeanE2E, count = histogramMean(families[metricE2ELatency])
	l.Requests = count
	l.MeanTimeToFirstToken, _ = histogramMean(families[metricTimeToFirstTok])
	l.MeanTimePerOutput, _ = histogramMean(families[metricTimePerOutputTk])
	return l
}

// histogramMean sums a histogram over all its label sets.
func histogramMean(mf *dto.MetricFamily) (float64, uint64) {
	if mf == nil || mf.GetType() != dto.MetricType_HISTOGRAM {
		return 0, 0
	}
	var sum float64
	var count uint64
	for _, m := range mf.GetMetric() {
		h := m.GetHistogram()
		sum += h.GetSampleSum()
		count += h.GetSampleCount()
	}
	if count == 0 {
		return 0, 0
	}
	return sum / float64(count), count
}
