package decision

import "github.com/kubilitics/zeroscale/pkg/model"

// CostModel estimates the monthly cost of a workload's resource
// reservation. Implementations must be deterministic; savings estimates
// feed the audit ledger and are compared across runs.
type CostModel interface {
	// MonthlyCost returns the projected monthly cost in USD of keeping the
	// given spec reserved.
	MonthlyCost(spec model.ReplicaSpec) float64
}

// PriceTableModel prices CPU and memory reservations from a flat table.
// The defaults mirror typical on-demand cloud pricing; both rates are
// configuration.
type PriceTableModel struct {
	CPUCostPerCoreMonth   float64
	MemoryCostPerGiBMonth float64
}

const bytesPerGiB = float64(1 << 30)

// MonthlyCost implements CostModel.
func (m PriceTableModel) MonthlyCost(spec model.ReplicaSpec) float64 {
	var cpuMilli, memBytes int64
	for _, c := range spec.Containers {
		cpuMilli += c.CPURequest
		memBytes += c.MemoryRequest
	}

	perReplica := float64(cpuMilli)/1000*m.CPUCostPerCoreMonth +
		float64(memBytes)/bytesPerGiB*m.MemoryCostPerGiBMonth
	return perReplica * float64(spec.Replicas)
}
