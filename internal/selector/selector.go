// Package selector discovers the scalable workloads a run will analyze.
// It snapshots Deployments and StatefulSets together with their live
// resource usage from the metrics API.
package selector

import (
	"context"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsv1beta1client "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"
	"k8s.io/utils/ptr"

	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/observability"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// AnnotationProtected opts a workload out of zero-scaling entirely.
const AnnotationProtected = "zeroscale.kubilitics.io/protected"

// MetricsAPI abstracts the metrics-server API for testability.
type MetricsAPI interface {
	ListPodMetrics(ctx context.Context, namespace string) ([]metricsv1beta1.PodMetrics, error)
}

// metricsAPIClient wraps the real metrics client to implement MetricsAPI.
type metricsAPIClient struct {
	client metricsv1beta1client.MetricsV1beta1Interface
}

func (c *metricsAPIClient) ListPodMetrics(ctx context.Context, namespace string) ([]metricsv1beta1.PodMetrics, error) {
	list, err := c.client.PodMetricses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// NewMetricsAPI wraps a metrics clientset.
func NewMetricsAPI(client metricsv1beta1client.MetricsV1beta1Interface) MetricsAPI {
	return &metricsAPIClient{client: client}
}

// Selector lists candidate workloads for a run.
type Selector struct {
	kube    kubernetes.Interface
	metrics MetricsAPI
	obs     *observability.Metrics
}

// New creates a Selector. metrics may be nil when no metrics-server is
// available; usage then reports zero and the decision engine's usage gate
// treats the workload accordingly.
func New(kube kubernetes.Interface, metrics MetricsAPI, obs *observability.Metrics) *Selector {
	return &Selector{kube: kube, metrics: metrics, obs: obs}
}

// Select snapshots every Deployment and StatefulSet in the namespace
// matching the label selector. An empty labelSelector matches everything.
func (s *Selector) Select(ctx context.Context, namespace, labelSelector string) ([]model.Workload, error) {
	if _, err := labels.Parse(labelSelector); err != nil {
		return nil, &zerrors.ValidationError{Field: "label_selector", Reason: err.Error()}
	}
	opts := metav1.ListOptions{LabelSelector: labelSelector}

	usage := s.podUsage(ctx, namespace)

	var workloads []model.Workload

	deployments, err := s.kube.AppsV1().Deployments(namespace).List(ctx, opts)
	if err != nil {
		return nil, &zerrors.ControlPlaneError{Op: "list_deployments", Workload: model.WorkloadRef{Namespace: namespace}, Err: err}
	}
	for i := range deployments.Items {
		d := &deployments.Items[i]
		w := model.Workload{
			Ref:         model.WorkloadRef{Namespace: d.Namespace, Name: d.Name, Kind: model.KindDeployment},
			Replicas:    ptr.Deref(d.Spec.Replicas, 1),
			Containers:  containerResources(d.Spec.Template.Spec.Containers),
			Labels:      d.Labels,
			Selector:    d.Spec.Selector.MatchLabels,
			Annotations: d.Annotations,
			Protected:   d.Annotations[AnnotationProtected] == "true",
		}
		w.CPUUsage, w.MemoryUsage = usage.sum(d.Spec.Selector.MatchLabels)
		workloads = append(workloads, w)
	}

	statefulsets, err := s.kube.AppsV1().StatefulSets(namespace).List(ctx, opts)
	if err != nil {
		return nil, &zerrors.ControlPlaneError{Op: "list_statefulsets", Workload: model.WorkloadRef{Namespace: namespace}, Err: err}
	}
	for i := range statefulsets.Items {
		st := &statefulsets.Items[i]
		w := model.Workload{
			Ref:         model.WorkloadRef{Namespace: st.Namespace, Name: st.Name, Kind: model.KindStatefulSet},
			Replicas:    ptr.Deref(st.Spec.Replicas, 1),
			Containers:  containerResources(st.Spec.Template.Spec.Containers),
			Labels:      st.Labels,
			Selector:    st.Spec.Selector.MatchLabels,
			Annotations: st.Annotations,
			Protected:   st.Annotations[AnnotationProtected] == "true",
			Stateful:    true,
		}
		w.CPUUsage, w.MemoryUsage = usage.sum(st.Spec.Selector.MatchLabels)
		workloads = append(workloads, w)
	}

	if s.obs != nil {
		s.obs.WorkloadsAnalyzed.Add(float64(len(workloads)))
	}
	return workloads, nil
}

// podUsageIndex maps pod labels to aggregated container usage.
type podUsageIndex struct {
	pods []podUsageEntry
}

type podUsageEntry struct {
	labels labels.Set
	cpu    int64 // millicores
	memory int64 // bytes
}

// sum aggregates usage across pods matching the workload's selector.
func (u podUsageIndex) sum(selector map[string]string) (cpu, memory int64) {
	if len(selector) == 0 {
		return 0, 0
	}
	sel := labels.SelectorFromSet(selector)
	for _, p := range u.pods {
		if sel.Matches(p.labels) {
			cpu += p.cpu
			memory += p.memory
		}
	}
	return cpu, memory
}

// podUsage fetches and indexes pod metrics for the namespace. A missing or
// failing metrics API degrades to zero usage rather than failing selection.
func (s *Selector) podUsage(ctx context.Context, namespace string) podUsageIndex {
	if s.metrics == nil {
		return podUsageIndex{}
	}

	podMetrics, err := s.metrics.ListPodMetrics(ctx, namespace)
	if err != nil {
		slog.Warn("pod metrics unavailable, usage gates will see zero",
			"namespace", namespace, "error", err)
		return podUsageIndex{}
	}

	index := podUsageIndex{pods: make([]podUsageEntry, 0, len(podMetrics))}
	for i := range podMetrics {
		pm := &podMetrics[i]
		entry := podUsageEntry{labels: labels.Set(pm.Labels)}
		for _, cm := range pm.Containers {
			cpuQ := cm.Usage[corev1.ResourceCPU]
			memQ := cm.Usage[corev1.ResourceMemory]
			entry.cpu += cpuQ.MilliValue()
			entry.memory += memQ.Value()
		}
		index.pods = append(index.pods, entry)
	}
	return index
}

// containerResources converts pod template containers to the model form.
func containerResources(containers []corev1.Container) []model.ContainerResources {
	out := make([]model.ContainerResources, 0, len(containers))
	for i := range containers {
		c := &containers[i]
		cr := model.ContainerResources{Name: c.Name}
		if q, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
			cr.CPURequest = q.MilliValue()
		}
		if q, ok := c.Resources.Limits[corev1.ResourceCPU]; ok {
			cr.CPULimit = q.MilliValue()
		}
		if q, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
			cr.MemoryRequest = q.Value()
		}
		if q, ok := c.Resources.Limits[corev1.ResourceMemory]; ok {
			cr.MemoryLimit = q.Value()
		}
		out = append(out, cr)
	}
	return out
}
