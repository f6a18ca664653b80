package discovery

import (
	"context"
	"testing"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakediscovery "k8s.io/client-go/discovery/fake"
	fakeclientset "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
)

// newFakeDiscovery creates a FakeDiscovery with the given API resource lists.
func newFakeDiscovery(resources []*metav1.APIResourceList) *fakediscovery.FakeDiscovery {
	fake := &clienttesting.Fake{}
	fake.Resources = resources
	return &fakediscovery.FakeDiscovery{Fake: fake}
}

// addSelfSubjectAccessReviewReactor installs a reactor on the fake client
// that returns the given allowed value for all SelfSubjectAccessReview requests.
func addSelfSubjectAccessReviewReactor(client *fakeclientset.Clientset, allowed bool) {
	client.PrependReactor("create", "selfsubjectaccessreviews", func(action clienttesting.Action) (bool, runtime.Object, error) {
		return true, &authorizationv1.SelfSubjectAccessReview{
			Status: authorizationv1.SubjectAccessReviewStatus{
				Allowed: allowed,
			},
		}, nil
	})
}

func TestDetect_MetricsServerExists(t *testing.T) {
	client := fakeclientset.NewSimpleClientset()
	addSelfSubjectAccessReviewReactor(client, true)

	disco := newFakeDiscovery([]*metav1.APIResourceList{
		{GroupVersion: "metrics.k8s.io/v1beta1"},
	})

	caps, err := Detect(context.Background(), client, disco)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !caps.MetricsServer {
		t.Error("expected MetricsServer=true")
	}
	if !caps.ScaleDeployments || !caps.ScaleStatefulSets {
		t.Error("expected scale capabilities when RBAC allows everything")
	}
}

func TestDetect_NoMetricsAPI(t *testing.T) {
	client := fakeclientset.NewSimpleClientset()
	addSelfSubjectAccessReviewReactor(client, true)

	disco := newFakeDiscovery([]*metav1.APIResourceList{
		{GroupVersion: "apps/v1"},
	})

	caps, err := Detect(context.Background(), client, disco)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if caps.MetricsServer {
		t.Error("expected MetricsServer=false when metrics.k8s.io not present")
	}
}

func TestDetect_RBACDenied(t *testing.T) {
	client := fakeclientset.NewSimpleClientset()
	addSelfSubjectAccessReviewReactor(client, false)

	disco := newFakeDiscovery([]*metav1.APIResourceList{
		{GroupVersion: "apps/v1"},
	})

	caps, err := Detect(context.Background(), client, disco)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if caps.ScaleDeployments || caps.ScaleStatefulSets {
		t.Error("expected scale capabilities=false when RBAC denies access")
	}
}

func TestHasAPIGroup(t *testing.T) {
	disco := newFakeDiscovery([]*metav1.APIResourceList{
		{GroupVersion: "metrics.k8s.io/v1beta1"},
	})

	ok, err := HasAPIGroup(disco, "metrics.k8s.io")
	if err != nil {
		t.Fatalf("HasAPIGroup() error = %v", err)
	}
	if !ok {
		t.Error("expected metrics.k8s.io to be found")
	}

	ok, err = HasAPIGroup(disco, "karpenter.sh")
	if err != nil {
		t.Fatalf("HasAPIGroup() error = %v", err)
	}
	if ok {
		t.Error("expected karpenter.sh to be absent")
	}
}
