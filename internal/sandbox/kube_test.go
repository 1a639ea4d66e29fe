package sandbox

import (
	"context"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"
)

func newFakeKube(objs ...runtime.Object) *KubeControlPlane {
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{claimGVR: "SandboxClaimList"})
	return NewKubeControlPlaneFromClients(dyn, kubefake.NewSimpleClientset(objs...))
}

func TestKubeClaimLifecycle(t *testing.T) {
	k := newFakeKube()
	ctx := context.Background()

	created, err := k.CreateClaim(ctx, "agents", "shopfloor-1", "python-runtime", map[string]string{"a": "b"})
	if err != nil {
		t.Fatal(err)
	}
	if created.Template != "python-runtime" || created.Name != "shopfloor-1" {
		t.Fatalf("unexpected claim %+v", created)
	}

	// Simulate the controller filling in status.
	u, err := k.dyn.Resource(claimGVR).Namespace("agents").Get(ctx, "shopfloor-1", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	u.SetAnnotations(map[string]string{PodNameAnnotation: "warm-1"})
	unstructured.SetNestedField(u.Object, "sandbox=shopfloor-1", "status", "selector")
	unstructured.SetNestedSlice(u.Object, []any{
		map[string]any{"type": "Ready", "status": "False", "reason": "TemplateFailed", "message": "missing"},
	}, "status", "conditions")
	if _, err := k.dyn.Resource(claimGVR).Namespace("agents").Update(ctx, u, metav1.UpdateOptions{}); err != nil {
		t.Fatal(err)
	}

	got, err := k.GetClaim(ctx, "agents", "shopfloor-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Annotations[PodNameAnnotation] != "warm-1" || got.Selector != "sandbox=shopfloor-1" {
		t.Fatalf("status not decoded: %+v", got)
	}
	if failed, _ := got.Failed(); !failed {
		t.Fatal("failure condition not detected")
	}

	if err := k.DeleteClaim(ctx, "agents", "shopfloor-1"); err != nil {
		t.Fatal(err)
	}
	if err := k.DeleteClaim(ctx, "agents", "shopfloor-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := k.GetClaim(ctx, "agents", "shopfloor-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKubePods(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "warm-1", Namespace: "agents", Labels: map[string]string{"sandbox": "x"}},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "runtime", Image: "runtime:1"}}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.2.0.4"},
	}
	k := newFakeKube(pod)
	ctx := context.Background()

	got, err := k.GetPod(ctx, "agents", "warm-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Running() || got.Image != "runtime:1" {
		t.Fatalf("unexpected pod %+v", got)
	}
	if _, err := k.GetPod(ctx, "agents", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	pods, err := k.ListPods(ctx, "agents", "sandbox=x")
	if err != nil {
		t.Fatal(err)
	}
	if len(pods) != 1 || pods[0].IP != "10.2.0.4" {
		t.Fatalf("unexpected pods %+v", pods)
	}
}
