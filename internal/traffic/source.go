// Package traffic provides request-level traffic sampling for workloads.
// The Prometheus implementation reads per-path request counters from the
// cluster's ingress metrics; tests and air-gapped deployments can substitute
// any Source.
package traffic

import (
	"context"
	"time"

	"github.com/kubilitics/zeroscale/pkg/model"
)

// Source retrieves traffic samples for a workload. Implementations must be
// safe for concurrent use: the analysis pass and every active rollback watch
// share one Source.
type Source interface {
	// Sample returns the request samples observed for the workload between
	// since and until, ordered by timestamp. An empty slice means the window
	// was observable but carried no traffic; an error means the window could
	// not be filled at all.
	Sample(ctx context.Context, ref model.WorkloadRef, since, until time.Time) ([]model.TrafficSample, error)

	// IsAvailable reports whether the backing store is reachable.
	IsAvailable(ctx context.Context) bool

	// Name identifies the source in logs and alerts.
	Name() string
}
