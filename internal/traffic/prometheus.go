package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"

	"github.com/kubilitics/zeroscale/pkg/model"
)

// defaultStep is the resolution of range queries when none is configured.
const defaultStep = 30 * time.Second

// PrometheusSource reads per-path request counters from a Prometheus server.
// It expects ingress-style series keyed by namespace, workload, path, and
// user_agent labels:
//
//	traffic_requests_total
//	traffic_response_bytes_total
//	traffic_request_duration_seconds_sum / _count
type PrometheusSource struct {
	client  promv1.API
	url     string
	step    time.Duration
	timeout time.Duration
}

// NewPrometheusSource creates a PrometheusSource against the given server URL.
func NewPrometheusSource(url string, timeout time.Duration) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: url})
	if err != nil {
		return nil, fmt.Errorf("traffic: create prometheus client: %w", err)
	}

	return &PrometheusSource{
		client:  promv1.NewAPI(client),
		url:     url,
		step:    defaultStep,
		timeout: timeout,
	}, nil
}

// Sample returns per-step request samples for the workload between since and
// until, one sample per (path, user_agent, step) with average response size
// and latency attached. Samples are returned unclassified; classification is
// the classifier's job.
func (p *PrometheusSource) Sample(ctx context.Context, ref model.WorkloadRef, since, until time.Time) ([]model.TrafficSample, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	r := promv1.Range{Start: since, End: until, Step: p.step}

	counts, err := p.queryRange(ctx, fmt.Sprintf(
		`sum by (path, user_agent) (increase(traffic_requests_total{namespace=%q,workload=%q}[%s]))`,
		ref.Namespace, ref.Name, prommodel.Duration(p.step)), r)
	if err != nil {
		return nil, fmt.Errorf("traffic: request count query for %s: %w", ref, err)
	}

	// Response size and latency refine probe detection; traffic counts alone
	// are still usable when either query fails.
	sizes, err := p.queryRange(ctx, fmt.Sprintf(
		`sum by (path, user_agent) (increase(traffic_response_bytes_total{namespace=%q,workload=%q}[%s]))`+
			` / sum by (path, user_agent) (increase(traffic_requests_total{namespace=%q,workload=%q}[%s]))`,
		ref.Namespace, ref.Name, prommodel.Duration(p.step),
		ref.Namespace, ref.Name, prommodel.Duration(p.step)), r)
	if err != nil {
		slog.Warn("traffic: response size query failed, continuing without signatures",
			"workload", ref.String(), "error", err)
		sizes = nil
	}

	latencies, err := p.queryRange(ctx, fmt.Sprintf(
		`sum by (path, user_agent) (increase(traffic_request_duration_seconds_sum{namespace=%q,workload=%q}[%s]))`+
			` / sum by (path, user_agent) (increase(traffic_request_duration_seconds_count{namespace=%q,workload=%q}[%s]))`,
		ref.Namespace, ref.Name, prommodel.Duration(p.step),
		ref.Namespace, ref.Name, prommodel.Duration(p.step)), r)
	if err != nil {
		slog.Warn("traffic: latency query failed, continuing without signatures",
			"workload", ref.String(), "error", err)
		latencies = nil
	}

	samples := buildSamples(counts, sizes, latencies)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

// queryRange runs one range query and returns the resulting matrix.
func (p *PrometheusSource) queryRange(ctx context.Context, query string, r promv1.Range) (prommodel.Matrix, error) {
	result, warnings, err := p.client.QueryRange(ctx, query, r)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		slog.Warn("traffic: prometheus query returned warnings", "warnings", warnings)
	}

	matrix, ok := result.(prommodel.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return matrix, nil
}

// seriesKey identifies one (path, user_agent) series within a matrix.
type seriesKey struct {
	path      string
	userAgent string
}

// pointKey identifies one data point within a matrix.
type pointKey struct {
	seriesKey
	ts prommodel.Time
}

// buildSamples joins the count matrix with the optional size and latency
// matrices on (path, user_agent, timestamp). Zero-count points are dropped.
func buildSamples(counts, sizes, latencies prommodel.Matrix) []model.TrafficSample {
	sizeByPoint := indexMatrix(sizes)
	latencyByPoint := indexMatrix(latencies)

	var samples []model.TrafficSample
	for _, series := range counts {
		key := seriesKeyFor(series.Metric)
		for _, point := range series.Values {
			count := int64(float64(point.Value) + 0.5)
			if count <= 0 {
				continue
			}

			sample := model.TrafficSample{
				Timestamp: point.Timestamp.Time(),
				Count:     count,
				Class:     model.TrafficUnknown,
				Path:      key.path,
				UserAgent: key.userAgent,
			}
			pk := pointKey{seriesKey: key, ts: point.Timestamp}
			if size, ok := sizeByPoint[pk]; ok {
				sample.ResponseBytes = int64(size)
			}
			if latency, ok := latencyByPoint[pk]; ok {
				sample.Latency = time.Duration(latency * float64(time.Second))
			}
			samples = append(samples, sample)
		}
	}
	return samples
}

// indexMatrix flattens a matrix into a point lookup table.
func indexMatrix(m prommodel.Matrix) map[pointKey]float64 {
	index := make(map[pointKey]float64)
	for _, series := range m {
		key := seriesKeyFor(series.Metric)
		for _, point := range series.Values {
			index[pointKey{seriesKey: key, ts: point.Timestamp}] = float64(point.Value)
		}
	}
	return index
}

// seriesKeyFor extracts the path and user_agent labels from a metric.
func seriesKeyFor(metric prommodel.Metric) seriesKey {
	return seriesKey{
		path:      string(metric["path"]),
		userAgent: string(metric["user_agent"]),
	}
}

// IsAvailable reports whether the Prometheus server answers a trivial query.
func (p *PrometheusSource) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, _, err := p.client.Query(ctx, "up", time.Now())
	return err == nil
}

// Name identifies the source in logs and alerts.
func (p *PrometheusSource) Name() string { return "prometheus" }
