package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/zeroscale/pkg/model"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(Config{
		ConfidenceThreshold:  0.90,
		CPUThresholdPct:      10,
		MemoryThresholdPct:   20,
		ExcludedNamespaces:   []string{"kube-system"},
		ExcludedSelectors:    []string{"app.kubernetes.io/component=operator"},
		RiskReplicaThreshold: 5,
	}, PriceTableModel{CPUCostPerCoreMonth: 23.0, MemoryCostPerGiBMonth: 3.0}, nil)
	require.NoError(t, err)
	return eng
}

func idleWorkload() *model.Workload {
	return &model.Workload{
		Ref:      model.WorkloadRef{Namespace: "ns", Name: "legacy-api", Kind: model.KindDeployment},
		Replicas: 3,
		Containers: []model.ContainerResources{
			{Name: "api", CPURequest: 500, MemoryRequest: 1 << 30},
		},
		CPUUsage:    10,       // 2% of 500m
		MemoryUsage: 50 << 20, // ~5% of 1Gi
		Labels:      map[string]string{"app": "legacy-api"},
	}
}

func idleClassification() model.ClassificationResult {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.ClassificationResult{
		HealthCheckCount: 200,
		SampleCount:      200,
		Confidence:       1.0,
		WindowStart:      start,
		WindowEnd:        start.Add(33 * time.Minute),
	}
}

func TestPlan_IdleWorkloadGetsZeroScaleAction(t *testing.T) {
	eng := testEngine(t)
	now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	action := eng.Plan(idleWorkload(), idleClassification(), now)
	require.NotNil(t, action)

	assert.Equal(t, model.ActionZeroPodScaling, action.Type)
	assert.Equal(t, model.ActionPlanned, action.Status)
	assert.Equal(t, int32(0), action.TargetSpec.Replicas)
	assert.Equal(t, int32(3), action.RollbackSpec.Replicas)
	assert.Equal(t, int32(3), action.OriginalSpec.Replicas)
	assert.Equal(t, model.RollbackNotAttempted, action.RollbackOutcome)
	assert.Equal(t, now, action.CreatedAt)
	assert.NotEmpty(t, action.ID)
}

func TestPlan_SavingsFromPriceTable(t *testing.T) {
	eng := testEngine(t)

	action := eng.Plan(idleWorkload(), idleClassification(), time.Now())
	require.NotNil(t, action)

	// 3 replicas × (0.5 core × $23 + 1 GiB × $3) = 3 × $14.50 = $43.50
	assert.InDelta(t, 43.50, action.EstimatedMonthlySavings, 1e-9)
}

func TestPlan_BusinessTrafficBlocksAction(t *testing.T) {
	eng := testEngine(t)

	cls := idleClassification()
	cls.BusinessCount = 1
	cls.Confidence = 200.0 / 201.0

	action := eng.Plan(idleWorkload(), cls, time.Now())
	assert.Nil(t, action, "a single business sample must block zero-scaling")
}

func TestPlan_LowConfidenceBlocksAction(t *testing.T) {
	eng := testEngine(t)

	cls := idleClassification()
	cls.Confidence = 0.5
	cls.UnknownCount = 200
	cls.HealthCheckCount = 200

	action := eng.Plan(idleWorkload(), cls, time.Now())
	assert.Nil(t, action)
}

func TestPlan_ProtectedWorkloadNeverScaled(t *testing.T) {
	eng := testEngine(t)
	w := idleWorkload()
	w.Protected = true

	assert.Nil(t, eng.Plan(w, idleClassification(), time.Now()))
}

func TestPlan_AlreadyZeroIsIneligible(t *testing.T) {
	eng := testEngine(t)
	w := idleWorkload()
	w.Replicas = 0

	assert.Nil(t, eng.Plan(w, idleClassification(), time.Now()))
}

func TestPlan_ExcludedNamespace(t *testing.T) {
	eng := testEngine(t)
	w := idleWorkload()
	w.Ref.Namespace = "kube-system"

	assert.Nil(t, eng.Plan(w, idleClassification(), time.Now()))
}

func TestPlan_ExclusionSelectorMatch(t *testing.T) {
	eng := testEngine(t)
	w := idleWorkload()
	w.Labels["app.kubernetes.io/component"] = "operator"

	assert.Nil(t, eng.Plan(w, idleClassification(), time.Now()))
}

func TestPlan_CPUAboveThresholdBlocks(t *testing.T) {
	eng := testEngine(t)
	w := idleWorkload()
	w.CPUUsage = 100 // 20% of 500m request

	assert.Nil(t, eng.Plan(w, idleClassification(), time.Now()))
}

func TestPlan_MemoryAboveThresholdBlocks(t *testing.T) {
	eng := testEngine(t)
	w := idleWorkload()
	w.MemoryUsage = 512 << 20 // 50% of 1Gi request

	assert.Nil(t, eng.Plan(w, idleClassification(), time.Now()))
}

func TestPlan_MissingRequestsBlocks(t *testing.T) {
	eng := testEngine(t)
	w := idleWorkload()
	w.Containers = nil

	assert.Nil(t, eng.Plan(w, idleClassification(), time.Now()),
		"a workload without resource requests has unknown usage and must not be scaled")
}

func TestPlan_RiskRuleTable(t *testing.T) {
	eng := testEngine(t)

	cases := []struct {
		name     string
		mutate   func(*model.Workload)
		expected model.RiskLevel
	}{
		{"small stateless deployment", func(w *model.Workload) {}, model.RiskLow},
		{"many replicas", func(w *model.Workload) { w.Replicas = 8 }, model.RiskMedium},
		{"stateful", func(w *model.Workload) {
			w.Stateful = true
			w.Ref.Kind = model.KindStatefulSet
		}, model.RiskHigh},
		{"stateful with many replicas", func(w *model.Workload) {
			w.Stateful = true
			w.Replicas = 12
		}, model.RiskHigh},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := idleWorkload()
			tc.mutate(w)
			action := eng.Plan(w, idleClassification(), time.Now())
			require.NotNil(t, action)
			assert.Equal(t, tc.expected, action.Risk)
		})
	}
}

func TestPlan_BaselineBusinessRateRecorded(t *testing.T) {
	eng := testEngine(t)

	cls := idleClassification()
	action := eng.Plan(idleWorkload(), cls, time.Now())
	require.NotNil(t, action)
	assert.Equal(t, cls.BusinessRate(), action.BaselineBusinessRate)
}

func TestNewEngine_RejectsBadSelector(t *testing.T) {
	_, err := NewEngine(Config{
		ConfidenceThreshold: 0.9,
		CPUThresholdPct:     10,
		MemoryThresholdPct:  20,
		ExcludedSelectors:   []string{"not a =valid= selector!!"},
	}, PriceTableModel{}, nil)
	assert.Error(t, err)
}

func TestPriceTableModel_ZeroReplicasCostNothing(t *testing.T) {
	m := PriceTableModel{CPUCostPerCoreMonth: 23, MemoryCostPerGiBMonth: 3}
	spec := model.ReplicaSpec{
		Replicas:   0,
		Containers: []model.ContainerResources{{CPURequest: 1000, MemoryRequest: 1 << 30}},
	}
	assert.Equal(t, 0.0, m.MonthlyCost(spec))
}
