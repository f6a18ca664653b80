package model

import "time"

// TrafficClass labels a traffic sample as business traffic, health-check
// probe traffic, or unknown.
type TrafficClass string

// Traffic classes.
const (
	TrafficBusiness    TrafficClass = "business"
	TrafficHealthCheck TrafficClass = "health_check"
	TrafficUnknown     TrafficClass = "unknown"
)

// TrafficSample is a timestamped request count for a workload, immutable
// once recorded. Path, user agent, and response signature are carried so
// the classifier can separate probe traffic from business traffic.
type TrafficSample struct {
	Timestamp time.Time    `json:"timestamp"`
	Count     int64        `json:"count"`
	Class     TrafficClass `json:"class"`

	Path          string        `json:"path,omitempty"`
	UserAgent     string        `json:"user_agent,omitempty"`
	ResponseBytes int64         `json:"response_bytes,omitempty"`
	Latency       time.Duration `json:"latency,omitempty"`
}

// ClassificationResult is the output of classifying one traffic window.
//
// Confidence is the idle-confidence of the window: the fraction of requests
// not attributable to business traffic. A window of pure probe traffic
// scores 1.0; any business request lowers the score. A window below the
// minimum sample count scores 0.0: absence of data is never evidence of
// idleness.
type ClassificationResult struct {
	BusinessCount    int64   `json:"business_count"`
	HealthCheckCount int64   `json:"health_check_count"`
	UnknownCount     int64   `json:"unknown_count"`
	SampleCount      int     `json:"sample_count"`
	Confidence       float64 `json:"confidence"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// TotalRequests returns the summed request count across all classes.
func (r ClassificationResult) TotalRequests() int64 {
	return r.BusinessCount + r.HealthCheckCount + r.UnknownCount
}

// BusinessRate returns business requests per second over the window, or 0
// for an empty window.
func (r ClassificationResult) BusinessRate() float64 {
	window := r.WindowEnd.Sub(r.WindowStart).Seconds()
	if window <= 0 {
		return 0
	}
	return float64(r.BusinessCount) / window
}
