// Package controlplane is the single shared gateway to the cluster API.
// Every mutation the optimizer performs goes through one rate-limited,
// thread-safe client so a large batch cannot overwhelm the API server.
package controlplane

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"golang.org/x/time/rate"

	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/observability"
	"github.com/kubilitics/zeroscale/pkg/model"
)

// Client is the workload control-plane interface the executor and monitor
// depend on. SetReplicaSpec must be idempotent: applying the same spec
// twice leaves the cluster in the same state as applying it once.
type Client interface {
	GetReplicaSpec(ctx context.Context, ref model.WorkloadRef) (model.ReplicaSpec, error)
	SetReplicaSpec(ctx context.Context, ref model.WorkloadRef, spec model.ReplicaSpec) error
	Annotate(ctx context.Context, ref model.WorkloadRef, key, value string) error
	RemoveAnnotation(ctx context.Context, ref model.WorkloadRef, key string) error
}

// KubeClient implements Client against a Kubernetes cluster. All calls
// share one rate limiter as backpressure toward the API server.
type KubeClient struct {
	client  kubernetes.Interface
	limiter *rate.Limiter
	metrics *observability.Metrics
}

// NewKubeClient creates a KubeClient with the given QPS budget.
func NewKubeClient(client kubernetes.Interface, qps float64, burst int, metrics *observability.Metrics) *KubeClient {
	return &KubeClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
		metrics: metrics,
	}
}

// GetReplicaSpec reads the live replica count and container resources.
func (k *KubeClient) GetReplicaSpec(ctx context.Context, ref model.WorkloadRef) (model.ReplicaSpec, error) {
	if err := k.wait(ctx, ref, "get_spec"); err != nil {
		return model.ReplicaSpec{}, err
	}
	defer k.observe("get_spec", time.Now())

	switch ref.Kind {
	case model.KindDeployment:
		dep, err := k.client.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return model.ReplicaSpec{}, &zerrors.ControlPlaneError{Op: "get_spec", Workload: ref, Err: err}
		}
		return model.ReplicaSpec{
			Replicas:   ptr.Deref(dep.Spec.Replicas, 1),
			Containers: containerResources(dep.Spec.Template.Spec.Containers),
		}, nil
	case model.KindStatefulSet:
		sts, err := k.client.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return model.ReplicaSpec{}, &zerrors.ControlPlaneError{Op: "get_spec", Workload: ref, Err: err}
		}
		return model.ReplicaSpec{
			Replicas:   ptr.Deref(sts.Spec.Replicas, 1),
			Containers: containerResources(sts.Spec.Template.Spec.Containers),
		}, nil
	default:
		return model.ReplicaSpec{}, &zerrors.ControlPlaneError{
			Op: "get_spec", Workload: ref, Err: fmt.Errorf("unsupported kind %q", ref.Kind),
		}
	}
}

// SetReplicaSpec applies the given configuration. It reads the live object
// first and skips the write when nothing would change, which makes repeated
// application a no-op at the API boundary.
func (k *KubeClient) SetReplicaSpec(ctx context.Context, ref model.WorkloadRef, spec model.ReplicaSpec) error {
	if err := k.wait(ctx, ref, "set_spec"); err != nil {
		return err
	}
	defer k.observe("set_spec", time.Now())

	switch ref.Kind {
	case model.KindDeployment:
		dep, err := k.client.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return &zerrors.ControlPlaneError{Op: "set_spec", Workload: ref, Err: err}
		}
		current := model.ReplicaSpec{
			Replicas:   ptr.Deref(dep.Spec.Replicas, 1),
			Containers: containerResources(dep.Spec.Template.Spec.Containers),
		}
		if current.Equal(spec) {
			return nil
		}
		dep.Spec.Replicas = ptr.To(spec.Replicas)
		applyContainerResources(dep.Spec.Template.Spec.Containers, spec.Containers)
		if _, err := k.client.AppsV1().Deployments(ref.Namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
			return &zerrors.ControlPlaneError{Op: "set_spec", Workload: ref, Err: err}
		}
		return nil
	case model.KindStatefulSet:
		sts, err := k.client.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return &zerrors.ControlPlaneError{Op: "set_spec", Workload: ref, Err: err}
		}
		current := model.ReplicaSpec{
			Replicas:   ptr.Deref(sts.Spec.Replicas, 1),
			Containers: containerResources(sts.Spec.Template.Spec.Containers),
		}
		if current.Equal(spec) {
			return nil
		}
		sts.Spec.Replicas = ptr.To(spec.Replicas)
		applyContainerResources(sts.Spec.Template.Spec.Containers, spec.Containers)
		if _, err := k.client.AppsV1().StatefulSets(ref.Namespace).Update(ctx, sts, metav1.UpdateOptions{}); err != nil {
			return &zerrors.ControlPlaneError{Op: "set_spec", Workload: ref, Err: err}
		}
		return nil
	default:
		return &zerrors.ControlPlaneError{
			Op: "set_spec", Workload: ref, Err: fmt.Errorf("unsupported kind %q", ref.Kind),
		}
	}
}

// Annotate writes one metadata annotation on the workload.
func (k *KubeClient) Annotate(ctx context.Context, ref model.WorkloadRef, key, value string) error {
	return k.mutateAnnotations(ctx, ref, "annotate", func(a map[string]string) map[string]string {
		if a == nil {
			a = make(map[string]string)
		}
		a[key] = value
		return a
	})
}

// RemoveAnnotation deletes one metadata annotation from the workload.
// Removing an absent annotation is a no-op.
func (k *KubeClient) RemoveAnnotation(ctx context.Context, ref model.WorkloadRef, key string) error {
	return k.mutateAnnotations(ctx, ref, "remove_annotation", func(a map[string]string) map[string]string {
		delete(a, key)
		return a
	})
}

func (k *KubeClient) mutateAnnotations(ctx context.Context, ref model.WorkloadRef, op string, mutate func(map[string]string) map[string]string) error {
	if err := k.wait(ctx, ref, op); err != nil {
		return err
	}
	defer k.observe(op, time.Now())

	switch ref.Kind {
	case model.KindDeployment:
		dep, err := k.client.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return &zerrors.ControlPlaneError{Op: op, Workload: ref, Err: err}
		}
		dep.Annotations = mutate(dep.Annotations)
		if _, err := k.client.AppsV1().Deployments(ref.Namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
			return &zerrors.ControlPlaneError{Op: op, Workload: ref, Err: err}
		}
		return nil
	case model.KindStatefulSet:
		sts, err := k.client.AppsV1().StatefulSets(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			return &zerrors.ControlPlaneError{Op: op, Workload: ref, Err: err}
		}
		sts.Annotations = mutate(sts.Annotations)
		if _, err := k.client.AppsV1().StatefulSets(ref.Namespace).Update(ctx, sts, metav1.UpdateOptions{}); err != nil {
			return &zerrors.ControlPlaneError{Op: op, Workload: ref, Err: err}
		}
		return nil
	default:
		return &zerrors.ControlPlaneError{
			Op: op, Workload: ref, Err: fmt.Errorf("unsupported kind %q", ref.Kind),
		}
	}
}

func (k *KubeClient) wait(ctx context.Context, ref model.WorkloadRef, op string) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return &zerrors.ControlPlaneError{Op: op, Workload: ref, Err: err}
	}
	return nil
}

func (k *KubeClient) observe(op string, start time.Time) {
	if k.metrics != nil {
		k.metrics.ControlPlaneDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func containerResources(containers []corev1.Container) []model.ContainerResources {
	out := make([]model.ContainerResources, 0, len(containers))
	for _, c := range containers {
		out = append(out, model.ContainerResources{
			Name:          c.Name,
			CPURequest:    c.Resources.Requests.Cpu().MilliValue(),
			CPULimit:      c.Resources.Limits.Cpu().MilliValue(),
			MemoryRequest: c.Resources.Requests.Memory().Value(),
			MemoryLimit:   c.Resources.Limits.Memory().Value(),
		})
	}
	return out
}

// applyContainerResources writes the desired requests and limits onto the
// pod template containers, matching by name.
func applyContainerResources(containers []corev1.Container, desired []model.ContainerResources) {
	byName := make(map[string]model.ContainerResources, len(desired))
	for _, d := range desired {
		byName[d.Name] = d
	}
	for i := range containers {
		d, ok := byName[containers[i].Name]
		if !ok {
			continue
		}
		if containers[i].Resources.Requests == nil {
			containers[i].Resources.Requests = corev1.ResourceList{}
		}
		if containers[i].Resources.Limits == nil {
			containers[i].Resources.Limits = corev1.ResourceList{}
		}
		containers[i].Resources.Requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(d.CPURequest, resource.DecimalSI)
		containers[i].Resources.Requests[corev1.ResourceMemory] = *resource.NewQuantity(d.MemoryRequest, resource.BinarySI)
		if d.CPULimit > 0 {
			containers[i].Resources.Limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(d.CPULimit, resource.DecimalSI)
		}
		if d.MemoryLimit > 0 {
			containers[i].Resources.Limits[corev1.ResourceMemory] = *resource.NewQuantity(d.MemoryLimit, resource.BinarySI)
		}
	}
}
