package model

import "fmt"

// WorkloadKind identifies the kind of a scalable workload.
type WorkloadKind string

// Supported workload kinds.
const (
	KindDeployment  WorkloadKind = "Deployment"
	KindStatefulSet WorkloadKind = "StatefulSet"
)

// WorkloadRef uniquely identifies a scalable unit in the cluster.
type WorkloadRef struct {
	Namespace string       `json:"namespace"`
	Name      string       `json:"name"`
	Kind      WorkloadKind `json:"kind"`
}

// String returns the canonical "kind/namespace/name" form used in logs and keys.
func (r WorkloadRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// ContainerResources holds the resource requests and limits of one container.
// CPU values are millicores, memory values are bytes.
type ContainerResources struct {
	Name          string `json:"name"`
	CPURequest    int64  `json:"cpu_request"`
	CPULimit      int64  `json:"cpu_limit"`
	MemoryRequest int64  `json:"memory_request"`
	MemoryLimit   int64  `json:"memory_limit"`
}

// ReplicaSpec is the restorable configuration of a workload: its replica
// count plus per-container resource specs. A ReplicaSpec captured before a
// scaling mutation is the rollback anchor and is never recomputed.
type ReplicaSpec struct {
	Replicas   int32                `json:"replicas"`
	Containers []ContainerResources `json:"containers,omitempty"`
}

// Equal reports whether two ReplicaSpecs describe the same configuration.
func (s ReplicaSpec) Equal(other ReplicaSpec) bool {
	if s.Replicas != other.Replicas || len(s.Containers) != len(other.Containers) {
		return false
	}
	for i := range s.Containers {
		if s.Containers[i] != other.Containers[i] {
			return false
		}
	}
	return true
}

// Workload is a read-mostly snapshot of a scalable unit, captured at
// selection time. The cluster control plane owns the live object; the
// optimizer only holds this snapshot plus the annotations it writes.
type Workload struct {
	Ref      WorkloadRef `json:"ref"`
	Replicas int32       `json:"replicas"`

	Containers []ContainerResources `json:"containers,omitempty"`

	// Aggregate usage over the analysis window, from the metrics API.
	CPUUsage    int64 `json:"cpu_usage"`    // millicores
	MemoryUsage int64 `json:"memory_usage"` // bytes

	Labels      map[string]string `json:"labels,omitempty"`
	Selector    map[string]string `json:"selector,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`

	Protected bool `json:"protected"`
	Stateful  bool `json:"stateful"`
}

// TotalCPURequest returns the summed CPU request across containers in millicores.
func (w *Workload) TotalCPURequest() int64 {
	var total int64
	for _, c := range w.Containers {
		total += c.CPURequest
	}
	return total
}

// TotalMemoryRequest returns the summed memory request across containers in bytes.
func (w *Workload) TotalMemoryRequest() int64 {
	var total int64
	for _, c := range w.Containers {
		total += c.MemoryRequest
	}
	return total
}

// CurrentSpec returns the workload's present configuration as a ReplicaSpec.
func (w *Workload) CurrentSpec() ReplicaSpec {
	containers := make([]ContainerResources, len(w.Containers))
	copy(containers, w.Containers)
	return ReplicaSpec{Replicas: w.Replicas, Containers: containers}
}
