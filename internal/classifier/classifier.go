// Package classifier separates health-check probe traffic from business
// traffic. Liveness and readiness probes produce a steady drumbeat of
// requests that makes an idle workload look busy; classifying them out is
// what makes zero-scaling decisions and rollback triggers trustworthy.
package classifier

import (
	"sort"
	"strings"
	"time"

	"github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// Config holds classification tunables.
type Config struct {
	// ProbeInterval is the expected probe period; a request group whose
	// inter-arrival gap matches it within ProbeJitter is probe-shaped.
	ProbeInterval time.Duration
	ProbeJitter   time.Duration

	ProbePaths      []string
	ProbeUserAgents []string

	// MinSamples is the smallest window Classify will score. Below it the
	// result is confidence 0 plus InsufficientDataError.
	MinSamples int

	// ResponseSizeTolerance groups responses whose sizes differ by no more
	// than this many bytes into one signature. Zero means 64.
	ResponseSizeTolerance int64

	// LatencyTolerance is the maximum latency spread within a probe-shaped
	// group. Zero means 25ms.
	LatencyTolerance time.Duration
}

// Counts are per-class request totals for one window, weighted by each
// sample's request count.
type Counts struct {
	Business    int64
	HealthCheck int64
	Unknown     int64
}

// Total returns the summed request count.
func (c Counts) Total() int64 {
	return c.Business + c.HealthCheck + c.Unknown
}

// Classifier labels traffic windows. It is stateless and safe for
// concurrent use.
type Classifier struct {
	cfg Config
}

// New creates a Classifier, applying defaults for zero tolerances.
func New(cfg Config) *Classifier {
	if cfg.ResponseSizeTolerance == 0 {
		cfg.ResponseSizeTolerance = 64
	}
	if cfg.LatencyTolerance == 0 {
		cfg.LatencyTolerance = 25 * time.Millisecond
	}
	return &Classifier{cfg: cfg}
}

// Classify labels the window and scores its idle-confidence.
//
// Confidence is the fraction of requests attributable to health checks: a
// window of pure probe traffic scores 1.0, and any business or unknown
// request lowers it. A window with fewer than MinSamples samples scores 0.0
// and returns InsufficientDataError: absence of data is never treated as
// evidence of idleness.
func (c *Classifier) Classify(ref model.WorkloadRef, window []model.TrafficSample) (model.ClassificationResult, error) {
	if len(window) < c.cfg.MinSamples {
		return model.ClassificationResult{
			SampleCount: len(window),
			Confidence:  0,
		}, &errors.InsufficientDataError{Workload: ref, Got: len(window), Want: c.cfg.MinSamples}
	}

	labeled, counts := c.Label(window)

	result := model.ClassificationResult{
		BusinessCount:    counts.Business,
		HealthCheckCount: counts.HealthCheck,
		UnknownCount:     counts.Unknown,
		SampleCount:      len(labeled),
		WindowStart:      labeled[0].Timestamp,
		WindowEnd:        labeled[len(labeled)-1].Timestamp,
	}

	total := counts.Total()
	if total == 0 {
		// A filled window with zero requests is genuine idleness.
		result.Confidence = 1.0
	} else {
		result.Confidence = float64(counts.HealthCheck) / float64(total)
	}

	return result, nil
}

// Label assigns a TrafficClass to every sample and returns the labeled
// window sorted by timestamp, plus per-class request counts. Unlike
// Classify it applies no minimum-sample gate, so the rollback monitor can
// run short poll windows through the same probe filter.
func (c *Classifier) Label(window []model.TrafficSample) ([]model.TrafficSample, Counts) {
	labeled := make([]model.TrafficSample, len(window))
	copy(labeled, window)
	sort.Slice(labeled, func(i, j int) bool {
		return labeled[i].Timestamp.Before(labeled[j].Timestamp)
	})

	// First pass: well-known probe paths and user agents, and samples the
	// source already tagged.
	for i := range labeled {
		if labeled[i].Class == model.TrafficBusiness || labeled[i].Class == model.TrafficHealthCheck {
			continue
		}
		if c.matchesProbeSignature(&labeled[i]) {
			labeled[i].Class = model.TrafficHealthCheck
		} else {
			labeled[i].Class = model.TrafficUnknown
		}
	}

	// Second pass: fixed-interval request patterns. Probes on custom paths
	// reveal themselves through identical response signatures arriving at
	// the configured period.
	c.labelPeriodicGroups(labeled)

	var counts Counts
	for i := range labeled {
		switch labeled[i].Class {
		case model.TrafficBusiness:
			counts.Business += labeled[i].Count
		case model.TrafficHealthCheck:
			counts.HealthCheck += labeled[i].Count
		default:
			counts.Unknown += labeled[i].Count
		}
	}

	return labeled, counts
}

func (c *Classifier) matchesProbeSignature(s *model.TrafficSample) bool {
	for _, p := range c.cfg.ProbePaths {
		if s.Path == p || strings.HasPrefix(s.Path, p+"/") {
			return true
		}
	}
	for _, ua := range c.cfg.ProbeUserAgents {
		if ua != "" && strings.HasPrefix(s.UserAgent, ua) {
			return true
		}
	}
	return false
}

// signature groups samples that look like repetitions of the same request.
type signature struct {
	path string
	ua   string
	size int64
}

func (c *Classifier) labelPeriodicGroups(window []model.TrafficSample) {
	if c.cfg.ProbeInterval <= 0 {
		return
	}

	groups := make(map[signature][]int)
	for i := range window {
		if window[i].Class != model.TrafficUnknown {
			continue
		}
		sig := signature{
			path: window[i].Path,
			ua:   window[i].UserAgent,
			size: window[i].ResponseBytes / c.cfg.ResponseSizeTolerance,
		}
		groups[sig] = append(groups[sig], i)
	}

	for _, idxs := range groups {
		if len(idxs) < 3 {
			continue
		}
		if c.isProbeShaped(window, idxs) {
			for _, i := range idxs {
				window[i].Class = model.TrafficHealthCheck
			}
		}
	}
}

// isProbeShaped reports whether the group's inter-arrival gaps match the
// probe period within jitter tolerance and its latencies are near-identical.
func (c *Classifier) isProbeShaped(window []model.TrafficSample, idxs []int) bool {
	gaps := make([]time.Duration, 0, len(idxs)-1)
	for i := 1; i < len(idxs); i++ {
		gaps = append(gaps, window[idxs[i]].Timestamp.Sub(window[idxs[i-1]].Timestamp))
	}

	med := medianDuration(gaps)
	if med < c.cfg.ProbeInterval-c.cfg.ProbeJitter || med > c.cfg.ProbeInterval+c.cfg.ProbeJitter {
		return false
	}
	for _, g := range gaps {
		if absDuration(g-med) > c.cfg.ProbeJitter {
			return false
		}
	}

	var minLat, maxLat time.Duration
	seen := false
	for _, i := range idxs {
		lat := window[i].Latency
		if lat == 0 {
			continue
		}
		if !seen || lat < minLat {
			minLat = lat
		}
		if !seen || lat > maxLat {
			maxLat = lat
		}
		seen = true
	}
	if seen && maxLat-minLat > c.cfg.LatencyTolerance {
		return false
	}

	return true
}

func medianDuration(ds []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
