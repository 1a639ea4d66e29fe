package sandbox

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var claimGVR = schema.GroupVersionResource{
	Group:    "extensions.agents.x-k8s.io",
	Version:  "v1alpha1",
	Resource: "sandboxclaims",
}

// KubeControlPlane implements ControlPlane against a Kubernetes API server
// running the agent-sandbox controller.
type KubeControlPlane struct {
	dyn  dynamic.Interface
	core kubernetes.Interface
}

// NewKubeControlPlane uses the in-cluster config when kubeconfig is empty
// and falls back to the default loading rules outside a cluster.
func NewKubeControlPlane(kubeconfig string) (*KubeControlPlane, error) {
	cfg, err := restConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	core, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return &KubeControlPlane{dyn: dyn, core: core}, nil
}

// NewKubeControlPlaneFromClients wraps existing clients.
func NewKubeControlPlaneFromClients(dyn dynamic.Interface, core kubernetes.Interface) *KubeControlPlane {
	return &KubeControlPlane{dyn: dyn, core: core}
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

func (k *KubeControlPlane) CreateClaim(ctx context.Context, namespace, name, template string, labels map[string]string) (*Claim, error) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": claimGVR.Group + "/" + claimGVR.Version,
		"kind":       "SandboxClaim",
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
		},
		"spec": map[string]any{
			"sandboxTemplateRef": map[string]any{"name": template},
		},
	}}
	obj.SetLabels(labels)

	created, err := k.dyn.Resource(claimGVR).Namespace(namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create claim %s/%s: %w", namespace, name, err)
	}
	return claimFromUnstructured(created), nil
}

func (k *KubeControlPlane) GetClaim(ctx context.Context, namespace, name string) (*Claim, error) {
	u, err := k.dyn.Resource(claimGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim %s/%s: %w", namespace, name, err)
	}
	return claimFromUnstructured(u), nil
}

func (k *KubeControlPlane) DeleteClaim(ctx context.Context, namespace, name string) error {
	err := k.dyn.Resource(claimGVR).Namespace(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete claim %s/%s: %w", namespace, name, err)
	}
	return nil
}

func (k *KubeControlPlane) GetPod(ctx context.Context, namespace, name string) (*Pod, error) {
	p, err := k.core.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pod %s/%s: %w", namespace, name, err)
	}
	pod := podFromCore(p)
	return &pod, nil
}

func (k *KubeControlPlane) ListPods(ctx context.Context, namespace, selector string) ([]Pod, error) {
	list, err := k.core.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("list pods %s (%s): %w", namespace, selector, err)
	}
	pods := make([]Pod, 0, len(list.Items))
	for i := range list.Items {
		pods = append(pods, podFromCore(&list.Items[i]))
	}
	return pods, nil
}

func claimFromUnstructured(u *unstructured.Unstructured) *Claim {
	c := &Claim{
		Name:        u.GetName(),
		Namespace:   u.GetNamespace(),
		Annotations: u.GetAnnotations(),
	}
	c.Template, _, _ = unstructured.NestedString(u.Object, "spec", "sandboxTemplateRef", "name")
	c.Selector, _, _ = unstructured.NestedString(u.Object, "status", "selector")

	conds, _, _ := unstructured.NestedSlice(u.Object, "status", "conditions")
	for _, raw := range conds {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		c.Conditions = append(c.Conditions, Condition{
			Type:    stringField(m, "type"),
			Status:  stringField(m, "status"),
			Reason:  stringField(m, "reason"),
			Message: stringField(m, "message"),
		})
	}
	return c
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func podFromCore(p *corev1.Pod) Pod {
	pod := Pod{
		Name:      p.Name,
		Namespace: p.Namespace,
		IP:        p.Status.PodIP,
		Phase:     string(p.Status.Phase),
	}
	if len(p.Spec.Containers) > 0 {
		pod.Image = p.Spec.Containers[0].Image
	}
	if len(p.Status.ContainerStatuses) > 0 {
		pod.ImageID = p.Status.ContainerStatuses[0].ImageID
	}
	return pod
}
