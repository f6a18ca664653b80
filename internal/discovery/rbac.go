package discovery

import (
	"context"
	"fmt"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// scaleVerbs are the verbs the selector and executor need on a workload
// resource: list for selection, get for the rollback anchor read, update
// for the replica write, patch for annotations.
var scaleVerbs = []string{"list", "get", "update", "patch"}

// CanScale checks whether the current service account holds every verb
// zero-pod scaling needs on the given apps-group resource, via
// SelfSubjectAccessReview. A single denied verb fails the whole check.
func CanScale(ctx context.Context, client kubernetes.Interface, resource string) (bool, error) {
	for _, verb := range scaleVerbs {
		allowed, err := checkAccess(ctx, client, "apps", resource, verb)
		if err != nil {
			return false, err
		}
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

// checkAccess creates a SelfSubjectAccessReview for a single verb.
func checkAccess(ctx context.Context, client kubernetes.Interface, group, resource, verb string) (bool, error) {
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Verb:     verb,
				Group:    group,
				Resource: resource,
			},
		},
	}

	result, err := client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("SelfSubjectAccessReview for %s/%s verb=%s: %w", group, resource, verb, err)
	}

	return result.Status.Allowed, nil
}
