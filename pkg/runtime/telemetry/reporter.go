package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is one serialized metric in a collector batch.
type Sample struct {
	Name   string            `json:"name"`
	Kind   string            `json:"kind"` // counter|gauge|histogram
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
	// Histogram-only fields.
	Count uint64  `json:"count,omitempty"`
	Sum   float64 `json:"sum,omitempty"`
}

// Batch is the JSON body posted to the telemetry collector.
type Batch struct {
	Timestamp string            `json:"timestamp"`
	Metrics   []Sample          `json:"metrics"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Reporter periodically gathers the registry and posts a batch to a remote
// collector. Transmission is strictly best-effort: failures are logged
// locally and the batch is dropped, never blocking the hot path.
type Reporter struct {
	gatherer   prometheus.Gatherer
	endpoint   string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	labels     map[string]string

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewReporter creates a reporter; it does nothing until Run is called.
// An empty endpoint disables transmission entirely.
func NewReporter(gatherer prometheus.Gatherer, endpoint string, interval time.Duration, httpClient *http.Client, logger *slog.Logger) *Reporter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		gatherer:   gatherer,
		endpoint:   endpoint,
		interval:   interval,
		httpClient: httpClient,
		logger:     logger,
		labels:     map[string]string{"component": "avatar-runtime"},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run drives the reporting loop until Close is called.
func (r *Reporter) Run() {
	defer close(r.done)
	if r.endpoint == "" {
		<-r.stop
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			r.flush(ctx)
			cancel()
		}
	}
}

// Flush gathers and transmits one batch immediately. Used at shutdown.
func (r *Reporter) Flush(ctx context.Context) {
	if r.endpoint == "" {
		return
	}
	r.flush(ctx)
}

// Close stops the reporting loop. Safe to call more than once.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reporter) flush(ctx context.Context) {
	batch, err := r.gather()
	if err != nil {
		r.logger.Warn("telemetry gather failed", "error", err)
		return
	}
	if len(batch.Metrics) == 0 {
		return
	}

	body, err := json.Marshal(batch)
	if err != nil {
		r.logger.Warn("telemetry encode failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("telemetry request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("telemetry batch dropped", "error", err, "samples", len(batch.Metrics))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		r.logger.Warn("telemetry batch rejected", "status", resp.StatusCode, "samples", len(batch.Metrics))
	}
}

func (r *Reporter) gather() (Batch, error) {
	families, err := r.gatherer.Gather()
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Labels:    r.labels,
	}
	for _, family := range families {
		name := family.GetName()
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				batch.Metrics = append(batch.Metrics, Sample{
					Name: name, Kind: "counter",
					Value: metric.GetCounter().GetValue(), Labels: labels,
				})
			case metric.GetGauge() != nil:
				batch.Metrics = append(batch.Metrics, Sample{
					Name: name, Kind: "gauge",
					Value: metric.GetGauge().GetValue(), Labels: labels,
				})
			case metric.GetHistogram() != nil:
				h := metric.GetHistogram()
				batch.Metrics = append(batch.Metrics, Sample{
					Name: name, Kind: "histogram",
					Labels: labels,
					Count:  h.GetSampleCount(),
					Sum:    h.GetSampleSum(),
				})
			}
		}
	}
	return batch, nil
}
