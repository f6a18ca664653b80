package discovery

import (
	"context"
	"fmt"

	"k8s.io/client-go/discovery"
	"k8s.io/client-go/kubernetes"
)

const apiGroupMetrics = "metrics.k8s.io"

// Capabilities describes the cluster features zero-pod scaling depends on.
// Results are computed once at startup; a cluster that gains metrics-server
// later needs a restart to pick it up.
type Capabilities struct {
	MetricsServer     bool // metrics.k8s.io API group exists
	ScaleDeployments  bool // RBAC allows reading and updating deployments
	ScaleStatefulSets bool // RBAC allows reading and updating statefulsets
}

// Detect probes the cluster for the metrics API and verifies the service
// account can actually perform the scale operations the executor will
// issue. It is intended to run once at startup.
func Detect(ctx context.Context, client kubernetes.Interface, discoveryClient discovery.DiscoveryInterface) (*Capabilities, error) {
	caps := &Capabilities{}

	groups, err := discoveryClient.ServerGroups()
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to list server groups: %w", err)
	}
	for _, g := range groups.Groups {
		if g.Name == apiGroupMetrics {
			caps.MetricsServer = true
			break
		}
	}

	caps.ScaleDeployments, err = CanScale(ctx, client, "deployments")
	if err != nil {
		return nil, fmt.Errorf("discovery: RBAC check for deployments: %w", err)
	}
	caps.ScaleStatefulSets, err = CanScale(ctx, client, "statefulsets")
	if err != nil {
		return nil, fmt.Errorf("discovery: RBAC check for statefulsets: %w", err)
	}

	return caps, nil
}

// HasAPIGroup checks whether a specific API group is registered with the cluster.
func HasAPIGroup(discoveryClient discovery.DiscoveryInterface, group string) (bool, error) {
	groups, err := discoveryClient.ServerGroups()
	if err != nil {
		return false, fmt.Errorf("discovery: failed to list server groups: %w", err)
	}

	for _, g := range groups.Groups {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}
